// Package executor runs a single run to completion against the agent.
//
// Two strategies exist: ExecStrategy drives an interactive app-server
// thread/turn, ReviewStrategy performs a one-shot code review either through
// the app-server or by spawning the agent's review subprocess. The manager
// owns run state; strategies only report an Outcome.
package executor

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/codexd/codexd/internal/common/config"
	"github.com/codexd/codexd/internal/common/logger"
	"github.com/codexd/codexd/internal/run/agent"
	"github.com/codexd/codexd/internal/run/models"
)

// interruptTimeout bounds the best-effort interrupt RPC.
const interruptTimeout = 5 * time.Second

// Env is the executor's view of its collaborators, injected by the manager.
type Env struct {
	Provider agent.Provider
	Codex    config.CodexConfig
	Logger   *logger.Logger

	// PublishNotification emits one codex.notification envelope for the run.
	PublishNotification func(method string, params json.RawMessage)
	// SetCodexIDs records the agent correlation ids on the run as they
	// become known.
	SetCodexIDs func(threadID, turnID, rolloutPath string)
	// SetInterrupt registers the hook TryInterrupt calls.
	SetInterrupt func(fn func())
	// SetSteer registers the hook Steer calls once a turn is live.
	SetSteer func(fn func(ctx context.Context, prompt string) error)
}

// Outcome is a strategy's verdict; the manager turns it into a transition.
type Outcome struct {
	Status       models.Status // succeeded | failed | interrupted
	ErrorMessage string
}

// Strategy executes one run.
type Strategy interface {
	Execute(ctx context.Context, run models.Run, env Env) Outcome
}

// ForRun selects the strategy for a run.
func ForRun(run models.Run) Strategy {
	if run.Kind == models.KindReview {
		return ReviewStrategy{}
	}
	return ExecStrategy{}
}

// failed builds a failure outcome from an error.
func failed(err error) Outcome {
	return Outcome{Status: models.StatusFailed, ErrorMessage: err.Error()}
}

// mapTurnStatus converts the agent's verdict into a run status. Unknown
// statuses count as success: the agent finished without declaring failure.
func mapTurnStatus(res agent.TurnResult) Outcome {
	switch res.Status {
	case "failed":
		return Outcome{Status: models.StatusFailed, ErrorMessage: res.ErrorMessage}
	case "interrupted":
		return Outcome{Status: models.StatusInterrupted, ErrorMessage: res.ErrorMessage}
	default:
		return Outcome{Status: models.StatusSucceeded}
	}
}

// ExecStrategy drives an interactive thread/turn on the app-server.
type ExecStrategy struct{}

// Execute implements Strategy.
func (ExecStrategy) Execute(ctx context.Context, run models.Run, env Env) Outcome {
	client, err := env.Provider.AwaitClient(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Status: models.StatusInterrupted, ErrorMessage: "canceled before start"}
		}
		return failed(err)
	}

	opts := agent.ThreadOptions{
		Cwd:            run.Cwd,
		Model:          run.Model,
		Sandbox:        run.Sandbox,
		ApprovalPolicy: run.ApprovalPolicy,
	}
	var th agent.Thread
	if run.CodexThreadID != "" {
		th, err = client.ResumeThread(ctx, run.CodexThreadID, opts)
	} else {
		th, err = client.StartThread(ctx, opts)
	}
	if err != nil {
		return failed(err)
	}
	env.SetCodexIDs(th.ID(), "", th.RolloutPath())

	turn, err := th.StartTurn(ctx, agent.TurnOptions{
		Prompt:         run.Prompt,
		Cwd:            run.Cwd,
		Model:          run.Model,
		Effort:         run.Effort,
		Sandbox:        run.Sandbox,
		ApprovalPolicy: run.ApprovalPolicy,
	})
	if err != nil {
		return failed(err)
	}

	return driveTurn(ctx, env, th, turn)
}

// driveTurn wires interrupt hooks, forwards the notification stream, and
// maps the final turn result. Shared by the exec and app-server review
// paths.
func driveTurn(ctx context.Context, env Env, th agent.Thread, turn agent.Turn) Outcome {
	interrupt := func() {
		ictx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
		defer cancel()
		if err := turn.Interrupt(ictx); err != nil {
			env.Logger.Warn("turn interrupt failed", zap.Error(err))
		}
	}
	env.SetInterrupt(interrupt)
	if env.SetSteer != nil {
		env.SetSteer(turn.Steer)
	}

	// Outer cancellation (shutdown, bulk pause) also interrupts the turn.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			interrupt()
		case <-watchDone:
		}
	}()

	idRecorded := false
	for n := range turn.Notifications() {
		if !idRecorded && turn.ID() != "" {
			env.SetCodexIDs(th.ID(), turn.ID(), th.RolloutPath())
			idRecorded = true
		}
		env.PublishNotification(n.Method, n.Params)
	}

	// The notification channel only closes after completion, so this
	// returns immediately.
	res, err := turn.Wait(context.Background())
	if err != nil {
		return failed(err)
	}
	if ctx.Err() != nil && res.Status != "failed" {
		return Outcome{Status: models.StatusInterrupted, ErrorMessage: res.ErrorMessage}
	}
	return mapTurnStatus(res)
}
