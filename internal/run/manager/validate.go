package manager

import (
	"fmt"
	"os"

	"github.com/codexd/codexd/internal/common/config"
	"github.com/codexd/codexd/internal/common/pathutil"
	"github.com/codexd/codexd/internal/run/models"
	"github.com/codexd/codexd/internal/run/store"
)

// CreateRunRequest is the POST /v1/runs body.
type CreateRunRequest struct {
	Cwd            string         `json:"cwd"`
	Prompt         string         `json:"prompt"`
	Kind           string         `json:"kind,omitempty"`
	Review         *ReviewRequest `json:"review,omitempty"`
	Model          string         `json:"model,omitempty"`
	Effort         string         `json:"effort,omitempty"`
	Sandbox        string         `json:"sandbox,omitempty"`
	ApprovalPolicy string         `json:"approvalPolicy,omitempty"`
}

// ReviewRequest is the review sub-object of CreateRunRequest. Uncommitted
// is a pointer so an explicit true can be told apart from an absent field.
type ReviewRequest struct {
	Mode              string   `json:"mode,omitempty"`
	Delivery          string   `json:"delivery,omitempty"`
	Uncommitted       *bool    `json:"uncommitted,omitempty"`
	BaseBranch        string   `json:"baseBranch,omitempty"`
	CommitSha         string   `json:"commitSha,omitempty"`
	Title             string   `json:"title,omitempty"`
	AdditionalOptions []string `json:"additionalOptions,omitempty"`
}

// ValidationError is a user-visible 400.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Code + ": " + e.Message }

func invalid(code, format string, args ...interface{}) error {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// reviewDefaultSandbox applies to review runs with no explicit sandbox.
const reviewDefaultSandbox = "read-only"

// validateCreate turns a request into store.CreateOptions, applying the
// configured per-run defaults.
func validateCreate(req CreateRunRequest, codexCfg config.CodexConfig) (store.CreateOptions, error) {
	if !codexCfg.Enabled {
		return store.CreateOptions{}, invalid("codex_disabled", "the codex runtime is disabled on this host")
	}
	if req.Cwd == "" {
		return store.CreateOptions{}, invalid("cwd_required", "cwd is required")
	}
	cwd, err := pathutil.Normalize(req.Cwd)
	if err != nil {
		return store.CreateOptions{}, invalid("cwd_invalid", "cwd must be an absolute path: %v", err)
	}
	info, err := os.Stat(cwd)
	if err != nil || !info.IsDir() {
		return store.CreateOptions{}, invalid("cwd_not_found", "cwd does not exist or is not a directory: %s", cwd)
	}

	kind := models.Kind(req.Kind)
	if kind == "" {
		if req.Review != nil {
			kind = models.KindReview
		} else {
			kind = models.KindExec
		}
	}

	opts := store.CreateOptions{
		Cwd:            cwd,
		Prompt:         req.Prompt,
		Kind:           kind,
		Model:          firstNonEmpty(req.Model, codexCfg.Model),
		Effort:         firstNonEmpty(req.Effort, codexCfg.Effort),
		Sandbox:        firstNonEmpty(req.Sandbox, codexCfg.Sandbox),
		ApprovalPolicy: firstNonEmpty(req.ApprovalPolicy, codexCfg.ApprovalPolicy),
	}

	switch kind {
	case models.KindExec:
		if req.Review != nil {
			return store.CreateOptions{}, invalid("invalid_kind", "review options are not allowed on an exec run")
		}
		if req.Prompt == "" {
			return store.CreateOptions{}, invalid("prompt_required", "prompt is required for exec runs")
		}
	case models.KindReview:
		review, err := validateReview(req)
		if err != nil {
			return store.CreateOptions{}, err
		}
		opts.Review = review
		if opts.Sandbox == "" {
			opts.Sandbox = reviewDefaultSandbox
		}
	default:
		return store.CreateOptions{}, invalid("invalid_kind", "kind must be exec or review, got %q", req.Kind)
	}

	return opts, nil
}

// validateReview normalizes the review sub-record. Exactly one target may
// be chosen; none means uncommitted changes. A review focus prompt combined
// with an explicit target needs the app-server transport, so that
// combination promotes mode=exec to mode=appserver.
func validateReview(req CreateRunRequest) (*models.Review, error) {
	rr := req.Review
	if rr == nil {
		rr = &ReviewRequest{}
	}

	mode := models.ReviewMode(rr.Mode)
	if mode == "" {
		mode = models.ReviewModeExec
	}
	if mode != models.ReviewModeExec && mode != models.ReviewModeAppServer {
		return nil, invalid("invalid_review_mode", "review.mode must be exec or appserver, got %q", rr.Mode)
	}
	if rr.Delivery != "" && rr.Delivery != "inline" && rr.Delivery != "detached" {
		return nil, invalid("invalid_review_delivery", "review.delivery must be inline or detached, got %q", rr.Delivery)
	}

	targets := 0
	explicitUncommitted := rr.Uncommitted != nil && *rr.Uncommitted
	if explicitUncommitted {
		targets++
	}
	if rr.BaseBranch != "" {
		targets++
	}
	if rr.CommitSha != "" {
		targets++
	}
	if targets > 1 {
		return nil, invalid("multiple_review_targets", "at most one of uncommitted, baseBranch, commitSha may be set")
	}
	if rr.Title != "" && rr.CommitSha == "" {
		return nil, invalid("invalid_review_target", "review.title requires commitSha")
	}

	review := &models.Review{
		Mode:              mode,
		Delivery:          rr.Delivery,
		Uncommitted:       targets == 0 || explicitUncommitted,
		BaseBranch:        rr.BaseBranch,
		CommitSha:         rr.CommitSha,
		Title:             rr.Title,
		AdditionalOptions: rr.AdditionalOptions,
	}

	if mode == models.ReviewModeExec && req.Prompt != "" && targets > 0 {
		review.Mode = models.ReviewModeAppServer
	}
	if review.Mode == models.ReviewModeAppServer && len(review.AdditionalOptions) > 0 {
		return nil, invalid("unsupported_options", "additionalOptions is not supported in appserver review mode")
	}

	return review, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
