package model

import (
	"context"
	"sync"
)

// StepCall is a scripted tool call. Args fragments are emitted one chunk at
// a time to exercise the same paths a real streaming provider does.
type StepCall struct {
	ID   string
	Name string
	Args []string
}

// Step is one scripted model response: text fragments, then tool calls,
// then a terminal chunk. A non-nil Err aborts the step instead.
type Step struct {
	Text  []string
	Calls []StepCall
	Err   error
}

// Scripted is a deterministic Provider for tests and examples. Each Stream
// invocation consumes the next step; once the script runs out it emits an
// immediate empty completion.
type Scripted struct {
	mu    sync.Mutex
	steps []Step
	next  int
}

var _ Provider = (*Scripted)(nil)

// NewScripted builds a scripted provider that plays the given steps in order.
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Stream implements Provider.
func (s *Scripted) Stream(ctx context.Context, _ Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk, 64)
	errCh := make(chan error, 1)

	s.mu.Lock()
	var step Step
	exhausted := s.next >= len(s.steps)
	if !exhausted {
		step = s.steps[s.next]
		s.next++
	}
	s.mu.Unlock()

	go func() {
		defer close(out)
		defer close(errCh)

		if exhausted {
			out <- Chunk{Done: true, FinishReason: FinishStop}
			return
		}
		if step.Err != nil {
			errCh <- step.Err
			return
		}

		emit := func(c Chunk) bool {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return false
			case out <- c:
				return true
			}
		}

		for _, frag := range step.Text {
			if !emit(Chunk{TextDelta: frag}) {
				return
			}
		}
		for i, call := range step.Calls {
			if !emit(Chunk{Call: &CallDelta{Index: i, ID: call.ID, Name: call.Name}}) {
				return
			}
			for _, frag := range call.Args {
				if !emit(Chunk{Call: &CallDelta{Index: i, ArgsDelta: frag}}) {
					return
				}
			}
		}

		reason := FinishStop
		if len(step.Calls) > 0 {
			reason = FinishToolCalls
		}
		emit(Chunk{Done: true, FinishReason: reason})
	}()

	return out, errCh
}

// Info implements Provider.
func (s *Scripted) Info() Info {
	return Info{Name: "scripted", Provider: "scripted", SupportsTools: true}
}
