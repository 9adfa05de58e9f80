// Package stream fans generation events out to session observers. It owns
// the two delicate parts of the wire protocol: delta coalescing (merging
// only adjacent fragments of the same block, never reordering) and the
// resync snapshot handed to late or reconnecting observers.
//
// Byte identity is guaranteed by doing buffer appends and event enqueues
// under one lock: an observer that applies a resync snapshot and then every
// subsequent delta reconstructs exactly the text the model emitted.
package stream

import (
	"sync"
	"time"

	"github.com/hupe1980/agentstream/core"
	"github.com/hupe1980/agentstream/logging"
	"github.com/hupe1980/agentstream/task"
)

// DefaultCoalesceInterval batches deltas arriving within this window.
const DefaultCoalesceInterval = 25 * time.Millisecond

// DefaultSubscriptionBuffer is the per-observer event buffer. An observer
// that falls this far behind is disconnected and must re-attach, which
// resynchronizes it via snapshot.
const DefaultSubscriptionBuffer = 256

// Subscription is one observer's ordered event feed. The channel is closed
// when the observer is detached or evicted for falling behind.
type Subscription struct {
	ch     chan core.StreamEvent
	closed bool
}

// Events returns the ordered event channel.
func (s *Subscription) Events() <-chan core.StreamEvent { return s.ch }

type hub struct {
	gen     *task.Generation
	subs    map[*Subscription]struct{}
	pending []core.StreamEvent
	timer   *time.Timer
}

// Multiplexer routes events from generation loops to observers, one hub per
// session.
type Multiplexer struct {
	mu       sync.Mutex
	hubs     map[string]*hub
	interval time.Duration
	bufSize  int
	logger   logging.Logger
}

// Options configure a Multiplexer.
type Options struct {
	CoalesceInterval   time.Duration
	SubscriptionBuffer int
	Logger             logging.Logger
}

// NewMultiplexer creates a multiplexer with the given options.
func NewMultiplexer(optFns ...func(o *Options)) *Multiplexer {
	opts := Options{
		CoalesceInterval:   DefaultCoalesceInterval,
		SubscriptionBuffer: DefaultSubscriptionBuffer,
		Logger:             logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Multiplexer{
		hubs:     make(map[string]*hub),
		interval: opts.CoalesceInterval,
		bufSize:  opts.SubscriptionBuffer,
		logger:   opts.Logger,
	}
}

func (m *Multiplexer) ensureHub(sessionID string) *hub {
	h, ok := m.hubs[sessionID]
	if !ok {
		h = &hub{subs: make(map[*Subscription]struct{})}
		m.hubs[sessionID] = h
	}
	return h
}

// Bind associates the live generation with the session so Attach can build
// resync snapshots from its buffers.
func (m *Multiplexer) Bind(sessionID string, gen *task.Generation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureHub(sessionID).gen = gen
}

// Unbind detaches the generation after it reaches a terminal state. Pending
// deltas are flushed first; observers stay attached.
func (m *Multiplexer) Unbind(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hubs[sessionID]
	if !ok {
		return
	}
	m.flushLocked(sessionID, h)
	h.gen = nil
}

// PublishTextDelta appends the delta to the generation buffer and enqueues
// the wire event in one critical section.
func (m *Multiplexer) PublishTextDelta(sessionID, blockID, delta string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.ensureHub(sessionID)
	if h.gen != nil {
		h.gen.AppendText(delta)
	}
	m.enqueueLocked(sessionID, h, core.TextDeltaEvent{BlockID: blockID, Content: delta})
}

// PublishArgsDelta appends the argument fragment to the generation buffer
// and enqueues the wire event in one critical section. ev.PartialArgs must
// be the raw fragment; ev.Args is an optional preview parse.
func (m *Multiplexer) PublishArgsDelta(sessionID string, ev core.ToolArgsDeltaEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.ensureHub(sessionID)
	if h.gen != nil {
		h.gen.AppendCallArgs(ev.PartialArgs)
	}
	m.enqueueLocked(sessionID, h, ev)
}

// Publish flushes pending deltas then dispatches ev immediately. Use for
// every non-delta event so block boundaries never overtake their deltas.
func (m *Multiplexer) Publish(sessionID string, ev core.StreamEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.ensureHub(sessionID)
	m.flushLocked(sessionID, h)
	m.dispatchLocked(sessionID, h, ev)
}

// Attach registers a new observer. Pending deltas are flushed to existing
// observers first, then the snapshot is cut, then the observer is added;
// this ordering is what makes snapshot-plus-subsequent-deltas exact. The
// returned snapshot is nil when nothing is mid-stream.
func (m *Multiplexer) Attach(sessionID string) (*Subscription, *core.ResyncSnapshotEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.ensureHub(sessionID)
	m.flushLocked(sessionID, h)

	var snapshot *core.ResyncSnapshotEvent
	if h.gen != nil {
		text, call := h.gen.Snapshot()
		if text.BlockID != "" || call != nil {
			snapshot = &core.ResyncSnapshotEvent{
				BlockID:         text.BlockID,
				Sequence:        text.Sequence,
				AccumulatedText: text.Text,
				ActiveToolCall:  call,
			}
		}
	}

	sub := &Subscription{ch: make(chan core.StreamEvent, m.bufSize)}
	h.subs[sub] = struct{}{}
	return sub, snapshot
}

// Detach removes an observer and closes its channel.
func (m *Multiplexer) Detach(sessionID string, sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hubs[sessionID]
	if !ok {
		return
	}
	m.removeLocked(h, sub)
}

// Observers returns the number of attached observers for the session.
func (m *Multiplexer) Observers(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hubs[sessionID]
	if !ok {
		return 0
	}
	return len(h.subs)
}

func (m *Multiplexer) enqueueLocked(sessionID string, h *hub, ev core.StreamEvent) {
	h.pending = append(h.pending, ev)
	if h.timer == nil {
		h.timer = time.AfterFunc(m.interval, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if cur, ok := m.hubs[sessionID]; ok {
				m.flushLocked(sessionID, cur)
			}
		})
	}
}

// flushLocked coalesces and dispatches pending deltas. Only adjacent
// fragments of the same block or call merge; everything stays in arrival
// order.
func (m *Multiplexer) flushLocked(sessionID string, h *hub) {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	if len(h.pending) == 0 {
		return
	}

	coalesced := coalesce(h.pending)
	h.pending = nil
	for _, ev := range coalesced {
		m.dispatchLocked(sessionID, h, ev)
	}
}

func coalesce(events []core.StreamEvent) []core.StreamEvent {
	out := make([]core.StreamEvent, 0, len(events))
	for _, ev := range events {
		if len(out) == 0 {
			out = append(out, ev)
			continue
		}
		switch next := ev.(type) {
		case core.TextDeltaEvent:
			if prev, ok := out[len(out)-1].(core.TextDeltaEvent); ok && prev.BlockID == next.BlockID {
				prev.Content += next.Content
				out[len(out)-1] = prev
				continue
			}
		case core.ToolArgsDeltaEvent:
			if prev, ok := out[len(out)-1].(core.ToolArgsDeltaEvent); ok &&
				prev.Step == next.Step && prev.ToolName == next.ToolName {
				prev.PartialArgs += next.PartialArgs
				if next.Args != nil {
					prev.Args = next.Args
				}
				out[len(out)-1] = prev
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}

// dispatchLocked delivers ev to every observer without blocking. A full
// buffer evicts the observer; it will re-attach and resynchronize via
// snapshot rather than stall the generation.
func (m *Multiplexer) dispatchLocked(sessionID string, h *hub, ev core.StreamEvent) {
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			m.logger.Warn("stream.observer.evicted", "session_id", sessionID)
			m.removeLocked(h, sub)
		}
	}
}

func (m *Multiplexer) removeLocked(h *hub, sub *Subscription) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}
