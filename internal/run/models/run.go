// Package models defines the run entity, its event envelopes, and the
// derived rollup records persisted by the run store.
package models

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// IsTerminal reports whether the status admits no further transitions.
// Paused is deliberately non-terminal: an exec run can be resumed from it.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

// Kind distinguishes interactive exec runs from one-shot review runs.
type Kind string

const (
	KindExec   Kind = "exec"
	KindReview Kind = "review"
)

// ReviewMode selects the review transport.
type ReviewMode string

const (
	ReviewModeExec      ReviewMode = "exec"
	ReviewModeAppServer ReviewMode = "appserver"
)

// Review is the nested sub-record carried by review runs.
// Exactly one of Uncommitted, BaseBranch, CommitSha may be set as the review
// target; when none is, Uncommitted defaults to true.
type Review struct {
	Mode              ReviewMode `json:"mode"`
	Delivery          string     `json:"delivery,omitempty"` // inline | detached
	Uncommitted       bool       `json:"uncommitted"`
	BaseBranch        string     `json:"baseBranch,omitempty"`
	CommitSha         string     `json:"commitSha,omitempty"`
	Title             string     `json:"title,omitempty"`
	AdditionalOptions []string   `json:"additionalOptions,omitempty"`
}

// MaxErrorBytes caps the persisted terminal error message.
const MaxErrorBytes = 64 * 1024

// Run is the central entity: one interactive turn (or review) against the
// external Codex agent.
type Run struct {
	RunID       string     `json:"runId"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Cwd    string  `json:"cwd"`
	Status Status  `json:"status"`
	Kind   Kind    `json:"kind"`
	Prompt string  `json:"prompt,omitempty"`
	Review *Review `json:"review,omitempty"`

	CodexThreadID           string     `json:"codexThreadId,omitempty"`
	CodexTurnID             string     `json:"codexTurnId,omitempty"`
	CodexRolloutPath        string     `json:"codexRolloutPath,omitempty"`
	CodexLastNotificationAt *time.Time `json:"codexLastNotificationAt,omitempty"`

	Model          string `json:"model,omitempty"`
	Effort         string `json:"effort,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`

	Error string `json:"error,omitempty"`
}

// With returns a copy of the run with fn applied. Transitions go through
// this helper so assignments stay total and the original value is never
// mutated in place.
func (r Run) With(fn func(*Run)) Run {
	fn(&r)
	return r
}

// SetError assigns the terminal error, truncated to MaxErrorBytes.
func (r *Run) SetError(msg string) {
	if len(msg) > MaxErrorBytes {
		msg = msg[:MaxErrorBytes]
	}
	r.Error = msg
}

// Envelope event types.
const (
	EventRunMeta           = "run.meta"
	EventRunCompleted      = "run.completed"
	EventRunPaused         = "run.paused"
	EventCodexNotification = "codex.notification"
)

// EventEnvelope is the common wrapper for raw events and SSE frames.
type EventEnvelope struct {
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
}

// NotificationData is the payload of a codex.notification envelope.
type NotificationData struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Rollup record types.
const (
	RollupOutputLine   = "outputLine"
	RollupAgentMessage = "agentMessage"
)

// RollupRecord is one line of the derived line-oriented log.
type RollupRecord struct {
	Type            string    `json:"type"`
	CreatedAt       time.Time `json:"createdAt"`
	Source          string    `json:"source,omitempty"`
	Text            string    `json:"text"`
	EndsWithNewline bool      `json:"endsWithNewline,omitempty"`
	IsControl       bool      `json:"isControl,omitempty"`
}

// IndexEntry maps a run id to its dated directory, relative to the runs root.
type IndexEntry struct {
	RunID       string    `json:"runId"`
	CreatedAt   time.Time `json:"createdAt"`
	Cwd         string    `json:"cwd"`
	RelativeDir string    `json:"relativeDir"`
}
