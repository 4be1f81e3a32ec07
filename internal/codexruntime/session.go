package codexruntime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codexd/codexd/internal/common/config"
	"github.com/codexd/codexd/internal/common/logger"
	"github.com/codexd/codexd/internal/run/agent"
	"github.com/codexd/codexd/pkg/codex"
)

// initializeTimeout bounds the handshake with a freshly spawned app-server.
const initializeTimeout = 30 * time.Second

// session is one live app-server subprocess with its JSON-RPC client.
// It implements agent.Client.
type session struct {
	cfg    config.CodexConfig
	client *codex.Client
	cmd    *exec.Cmd
	logger *logger.Logger

	mu sync.Mutex
	// turns maps threadId to the thread's active turn. The engine runs at
	// most one turn per thread at a time.
	turns map[string]*turnHandle

	stopOnce sync.Once
}

// newSession spawns the app-server, wires the client, and completes the
// initialize handshake.
func newSession(ctx context.Context, cfg config.CodexConfig, version string, log *logger.Logger) (*session, error) {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.AppServerArgs...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cfg.Command, err)
	}

	s := &session{
		cfg:    cfg,
		cmd:    cmd,
		logger: log,
		turns:  make(map[string]*turnHandle),
	}
	s.client = codex.NewClient(stdin, stdout, log)
	s.client.SetNotificationHandler(s.handleNotification)
	s.client.SetRequestHandler(s.handleRequest)
	s.client.Start(ctx)

	// The app-server logs diagnostics to stderr; keep them visible.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug("codex stderr", zap.String("line", scanner.Text()))
		}
	}()

	// Reap the process when it exits so it never zombies.
	go func() { _ = cmd.Wait() }()

	hctx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	var initResult codex.InitializeResult
	err = s.client.CallResult(hctx, codex.MethodInitialize, codex.InitializeParams{
		ClientInfo:      &codex.ClientInfo{Name: "codexd", Version: clientVersion(version)},
		ExperimentalApi: cfg.ExperimentalApi,
	}, &initResult)
	if err != nil {
		s.stop()
		return nil, fmt.Errorf("initialize handshake failed: %w", err)
	}
	if err := s.client.Notify(codex.MethodInitialized, nil); err != nil {
		s.stop()
		return nil, fmt.Errorf("failed to send initialized: %w", err)
	}

	return s, nil
}

func (s *session) pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// stop tears the session down: client closed, process killed.
func (s *session) stop() {
	s.stopOnce.Do(func() {
		s.client.Stop()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
}

// failActiveTurns completes every registered turn with a failure result.
// Used when the subprocess drops mid-flight.
func (s *session) failActiveTurns(reason string) {
	s.mu.Lock()
	handles := make([]*turnHandle, 0, len(s.turns))
	for _, h := range s.turns {
		handles = append(handles, h)
	}
	s.turns = make(map[string]*turnHandle)
	s.mu.Unlock()

	for _, h := range handles {
		h.complete(agent.TurnResult{Status: "failed", ErrorMessage: reason})
	}
}

func (s *session) registerTurn(threadID string, h *turnHandle) {
	s.mu.Lock()
	s.turns[threadID] = h
	s.mu.Unlock()
}

func (s *session) unregisterTurn(threadID string, h *turnHandle) {
	s.mu.Lock()
	if s.turns[threadID] == h {
		delete(s.turns, threadID)
	}
	s.mu.Unlock()
}

func (s *session) turnFor(threadID string) (*turnHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.turns[threadID]
	if !ok {
		return nil, errNoActiveTurn
	}
	return h, nil
}

// routingHeader is the common envelope slice used to route notifications.
type routingHeader struct {
	ThreadID string        `json:"threadId"`
	TurnID   string        `json:"turnId"`
	Thread   *codex.Thread `json:"thread"`
}

// handleNotification demultiplexes agent notifications to the turn of the
// thread they belong to. Unroutable notifications are dropped at debug
// level; the raw stream stays per-turn by design.
func (s *session) handleNotification(method string, params json.RawMessage) {
	var hdr routingHeader
	if len(params) > 0 {
		_ = json.Unmarshal(params, &hdr)
	}
	threadID := hdr.ThreadID
	if threadID == "" && hdr.Thread != nil {
		threadID = hdr.Thread.ID
	}
	if threadID == "" {
		s.logger.Debug("unroutable codex notification", zap.String("method", method))
		return
	}

	h, err := s.turnFor(threadID)
	if err != nil {
		s.logger.Debug("codex notification for idle thread",
			zap.String("method", method),
			zap.String("thread_id", threadID))
		return
	}

	if hdr.TurnID != "" {
		h.observeID(hdr.TurnID)
	}
	h.enqueue(agent.Notification{Method: method, Params: params})

	if method == codex.NotifyTurnCompleted {
		var completed codex.TurnCompletedParams
		_ = json.Unmarshal(params, &completed)
		s.unregisterTurn(threadID, h)
		h.complete(agent.TurnResult{Status: completed.Status, ErrorMessage: completed.Error})
	}
}

// handleRequest answers agent-initiated requests. With approvalPolicy in
// force there should be none; any approval that still arrives is declined.
func (s *session) handleRequest(id interface{}, method string, params json.RawMessage) {
	switch method {
	case codex.NotifyItemCmdExecRequestApproval:
		s.logger.Warn("declining unexpected command approval request")
		_ = s.client.SendResponse(id, codex.CommandApprovalResponse{Decision: "decline"}, nil)
	case codex.NotifyItemFileChangeRequestApproval:
		s.logger.Warn("declining unexpected file change approval request")
		_ = s.client.SendResponse(id, codex.FileChangeApprovalResponse{Decision: "decline"}, nil)
	default:
		_ = s.client.SendResponse(id, nil, &codex.Error{Code: codex.MethodNotFound, Message: "Method not found"})
	}
}

// sandboxPolicy maps the run-level sandbox string to the wire shape.
func sandboxPolicy(sandbox string) *codex.SandboxPolicy {
	if sandbox == "" {
		return nil
	}
	return &codex.SandboxPolicy{Type: sandbox}
}

// StartThread implements agent.Client.
func (s *session) StartThread(ctx context.Context, opts agent.ThreadOptions) (agent.Thread, error) {
	var result codex.ThreadStartResult
	err := s.client.CallResult(ctx, codex.MethodThreadStart, codex.ThreadStartParams{
		Model:                 opts.Model,
		Cwd:                   opts.Cwd,
		ApprovalPolicy:        opts.ApprovalPolicy,
		SandboxPolicy:         sandboxPolicy(opts.Sandbox),
		DeveloperInstructions: opts.DeveloperInstructions,
	}, &result)
	if err != nil {
		return nil, err
	}
	if result.Thread == nil || result.Thread.ID == "" {
		return nil, fmt.Errorf("thread/start returned no thread")
	}
	return &thread{sess: s, id: result.Thread.ID, rolloutPath: result.Thread.RolloutPath}, nil
}

// ResumeThread implements agent.Client.
func (s *session) ResumeThread(ctx context.Context, threadID string, opts agent.ThreadOptions) (agent.Thread, error) {
	var result codex.ThreadResumeResult
	err := s.client.CallResult(ctx, codex.MethodThreadResume, codex.ThreadResumeParams{
		ThreadID:       threadID,
		Cwd:            opts.Cwd,
		ApprovalPolicy: opts.ApprovalPolicy,
		SandboxPolicy:  sandboxPolicy(opts.Sandbox),
	}, &result)
	if err != nil {
		return nil, err
	}
	if result.Thread == nil || result.Thread.ID == "" {
		return nil, fmt.Errorf("thread/resume returned no thread")
	}
	return &thread{sess: s, id: result.Thread.ID, rolloutPath: result.Thread.RolloutPath}, nil
}

var _ agent.Client = (*session)(nil)

// thread is a handle on one agent conversation.
type thread struct {
	sess        *session
	id          string
	rolloutPath string
}

func (t *thread) ID() string          { return t.id }
func (t *thread) RolloutPath() string { return t.rolloutPath }

// StartTurn implements agent.Thread. The turn handle is registered before
// the RPC so no notification can arrive unrouted.
func (t *thread) StartTurn(ctx context.Context, opts agent.TurnOptions) (agent.Turn, error) {
	h := newTurnHandle(t.sess, t.id)
	t.sess.registerTurn(t.id, h)

	var result codex.TurnStartResult
	err := t.sess.client.CallResult(ctx, codex.MethodTurnStart, codex.TurnStartParams{
		ThreadID: t.id,
		Input:    []codex.UserInput{{Type: "text", Text: opts.Prompt}},
		Model:    opts.Model,
		Effort:   opts.Effort,
	}, &result)
	if err != nil {
		t.sess.unregisterTurn(t.id, h)
		h.discard()
		return nil, err
	}
	if result.Turn != nil {
		h.observeID(result.Turn.ID)
	}
	return h, nil
}

// StartReview implements agent.Thread.
func (t *thread) StartReview(ctx context.Context, delivery string, target agent.ReviewTarget) (agent.Turn, error) {
	wire := codex.ReviewTarget{}
	switch {
	case target.BaseBranch != "":
		wire.Type = "baseBranch"
		wire.BaseBranch = target.BaseBranch
	case target.CommitSha != "":
		wire.Type = "commit"
		wire.Commit = &codex.ReviewCommit{Sha: target.CommitSha, Title: target.Title}
	default:
		wire.Type = "uncommittedChanges"
	}

	h := newTurnHandle(t.sess, t.id)
	t.sess.registerTurn(t.id, h)

	var result codex.ReviewStartResult
	err := t.sess.client.CallResult(ctx, codex.MethodReviewStart, codex.ReviewStartParams{
		ThreadID: t.id,
		Delivery: delivery,
		Target:   wire,
	}, &result)
	if err != nil {
		t.sess.unregisterTurn(t.id, h)
		h.discard()
		return nil, err
	}
	if result.Turn != nil {
		h.observeID(result.Turn.ID)
	}
	return h, nil
}

var _ agent.Thread = (*thread)(nil)
