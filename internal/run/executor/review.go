package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/codexd/codexd/internal/run/agent"
	"github.com/codexd/codexd/internal/run/models"
	"github.com/codexd/codexd/pkg/codex"
)

// reviewChunkSize caps one published output delta from the review
// subprocess; a newline also closes a chunk.
const reviewChunkSize = 2048

// ReviewStrategy performs a one-shot code review.
type ReviewStrategy struct{}

// Execute implements Strategy.
func (r ReviewStrategy) Execute(ctx context.Context, run models.Run, env Env) Outcome {
	if run.Review == nil {
		return failed(errors.New("review run has no review options"))
	}
	if run.Review.Mode == models.ReviewModeAppServer {
		return r.appServer(ctx, run, env)
	}
	return r.subprocess(ctx, run, env)
}

// appServer runs the review through an app-server thread.
func (r ReviewStrategy) appServer(ctx context.Context, run models.Run, env Env) Outcome {
	rv := run.Review
	if len(rv.AdditionalOptions) > 0 {
		return failed(errors.New("additionalOptions is not supported in appserver review mode"))
	}

	client, err := env.Provider.AwaitClient(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Status: models.StatusInterrupted, ErrorMessage: "canceled before start"}
		}
		return failed(err)
	}

	th, err := client.StartThread(ctx, agent.ThreadOptions{
		Cwd:            run.Cwd,
		Model:          run.Model,
		Sandbox:        run.Sandbox,
		ApprovalPolicy: run.ApprovalPolicy,
		// The review focus prompt travels as developer instructions.
		DeveloperInstructions: run.Prompt,
	})
	if err != nil {
		return failed(err)
	}
	env.SetCodexIDs(th.ID(), "", th.RolloutPath())

	turn, err := th.StartReview(ctx, rv.Delivery, agent.ReviewTarget{
		Uncommitted: rv.Uncommitted,
		BaseBranch:  rv.BaseBranch,
		CommitSha:   rv.CommitSha,
		Title:       rv.Title,
	})
	if err != nil {
		return failed(err)
	}

	return driveTurn(ctx, env, th, turn)
}

// subprocess runs the agent's review CLI directly, translating its stdio
// into the same notification shapes the app-server would emit.
func (r ReviewStrategy) subprocess(ctx context.Context, run models.Run, env Env) Outcome {
	rv := run.Review

	args := []string{"review"}
	switch {
	case rv.BaseBranch != "":
		args = append(args, "--base", rv.BaseBranch)
	case rv.CommitSha != "":
		args = append(args, "--commit", rv.CommitSha)
	}
	args = append(args, rv.AdditionalOptions...)
	if run.Prompt != "" {
		args = append(args, run.Prompt)
	}

	cmd := exec.Command(env.Codex.Command, args...)
	cmd.Dir = run.Cwd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failed(fmt.Errorf("failed to open stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return failed(fmt.Errorf("failed to open stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return failed(fmt.Errorf("failed to start review subprocess: %w", err))
	}

	var interrupted atomic.Bool
	kill := func() {
		interrupted.Store(true)
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	env.SetInterrupt(kill)

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			kill()
		case <-watchDone:
		}
	}()

	// Both streams feed one queue so the subprocess never blocks on the
	// publish path; a single drain preserves arrival order.
	q := newChunkQueue()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for c := range q.out {
			params, _ := json.Marshal(struct {
				Delta string `json:"delta"`
			}{Delta: c.text})
			env.PublishNotification(c.method, params)
		}
	}()

	var stderrTail []byte
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		readChunks(stdout, func(s string) {
			q.push(chunk{method: codex.NotifyItemAgentMessageDelta, text: s})
		})
	}()
	go func() {
		defer readers.Done()
		readChunks(stderr, func(s string) {
			if len(stderrTail) < models.MaxErrorBytes {
				stderrTail = append(stderrTail, s...)
			}
			q.push(chunk{method: codex.NotifyItemCmdExecOutputDelta, text: s})
		})
	}()

	readers.Wait()
	q.close()
	<-drained
	waitErr := cmd.Wait()

	if interrupted.Load() || ctx.Err() != nil {
		return Outcome{Status: models.StatusInterrupted}
	}
	if waitErr != nil {
		msg := string(stderrTail)
		if len(msg) > models.MaxErrorBytes {
			msg = msg[:models.MaxErrorBytes]
		}
		if msg == "" {
			msg = waitErr.Error()
		}
		env.Logger.Warn("review subprocess failed", zap.Error(waitErr))
		return Outcome{Status: models.StatusFailed, ErrorMessage: msg}
	}
	return Outcome{Status: models.StatusSucceeded}
}

// readChunks batches a stream into chunks closed at a newline or at
// reviewChunkSize characters.
func readChunks(r io.Reader, emit func(string)) {
	buf := make([]byte, 4096)
	pending := make([]byte, 0, reviewChunkSize)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			pending = append(pending, b)
			if b == '\n' || len(pending) >= reviewChunkSize {
				emit(string(pending))
				pending = pending[:0]
			}
		}
		if err != nil {
			break
		}
	}
	if len(pending) > 0 {
		emit(string(pending))
	}
}

// chunk is one pending output delta.
type chunk struct {
	method string
	text   string
}

// chunkQueue is an unbounded multi-producer queue with a pump that feeds
// the out channel.
type chunkQueue struct {
	mu     sync.Mutex
	queue  []chunk
	closed bool

	wake chan struct{}
	out  chan chunk
}

func newChunkQueue() *chunkQueue {
	q := &chunkQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan chunk),
	}
	go q.pump()
	return q
}

func (q *chunkQueue) push(c chunk) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, c)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *chunkQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *chunkQueue) pump() {
	defer close(q.out)
	for {
		<-q.wake

		for {
			q.mu.Lock()
			if len(q.queue) == 0 {
				done := q.closed
				q.mu.Unlock()
				if done {
					return
				}
				break
			}
			c := q.queue[0]
			q.queue = q.queue[1:]
			q.mu.Unlock()
			q.out <- c
		}
	}
}
