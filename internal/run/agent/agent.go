// Package agent defines the abstract surface the run engine needs from the
// external Codex agent. The concrete app-server adapter lives in
// internal/codexruntime; executors and the manager depend only on these
// interfaces.
package agent

import (
	"context"
	"encoding/json"
)

// RuntimeStatus describes the agent runtime supervisor.
type RuntimeStatus string

const (
	StatusDisabled   RuntimeStatus = "disabled"
	StatusStarting   RuntimeStatus = "starting"
	StatusReady      RuntimeStatus = "ready"
	StatusRestarting RuntimeStatus = "restarting"
	StatusFaulted    RuntimeStatus = "faulted"
	StatusDisposed   RuntimeStatus = "disposed"
)

// DisconnectedMessage is the error recorded on runs whose agent session
// dropped mid-flight.
const DisconnectedMessage = "codex runtime disconnected"

// Notification is one agent-side event, forwarded verbatim.
type Notification struct {
	Method string
	Params json.RawMessage
}

// TurnResult is the final outcome reported for a turn.
type TurnResult struct {
	// Status is the agent's own verdict: "completed", "failed",
	// "interrupted", or empty when the agent never said.
	Status string
	// ErrorMessage carries the agent's failure detail, if any.
	ErrorMessage string
}

// Turn is one in-flight exchange within a thread.
type Turn interface {
	ID() string
	// Notifications yields the turn's event stream; the channel closes
	// when the turn finishes.
	Notifications() <-chan Notification
	Interrupt(ctx context.Context) error
	Steer(ctx context.Context, prompt string) error
	// Wait blocks until the turn finishes or ctx is canceled.
	Wait(ctx context.Context) (TurnResult, error)
}

// TurnOptions parameterize StartTurn.
type TurnOptions struct {
	Prompt         string
	Cwd            string
	Model          string
	Effort         string
	Sandbox        string
	ApprovalPolicy string
}

// ReviewTarget selects what a review run inspects. Exactly one of
// Uncommitted, BaseBranch, or CommitSha is set.
type ReviewTarget struct {
	Uncommitted bool
	BaseBranch  string
	CommitSha   string
	Title       string
}

// ThreadOptions parameterize StartThread and ResumeThread.
type ThreadOptions struct {
	Cwd                   string
	Model                 string
	Sandbox               string
	ApprovalPolicy        string
	DeveloperInstructions string
}

// Thread is an agent conversation.
type Thread interface {
	ID() string
	// RolloutPath is the agent's own durable log for this thread, when
	// the agent disclosed it. May be empty.
	RolloutPath() string
	StartTurn(ctx context.Context, opts TurnOptions) (Turn, error)
	StartReview(ctx context.Context, delivery string, target ReviewTarget) (Turn, error)
}

// Client is a connected agent session.
type Client interface {
	StartThread(ctx context.Context, opts ThreadOptions) (Thread, error)
	ResumeThread(ctx context.Context, threadID string, opts ThreadOptions) (Thread, error)
}

// Provider hands out agent clients, transparently waiting through restarts.
type Provider interface {
	// AwaitClient blocks until a ready client is available or ctx is
	// canceled.
	AwaitClient(ctx context.Context) (Client, error)
	Status() RuntimeStatus
}
