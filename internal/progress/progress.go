package progress

import "sync"

// Func receives a fraction in [0,1] and a stage description.
type Func func(progress float64, description string)

// Nop discards every update.
func Nop(float64, string) {}

// Scale maps a child operation's [0,1] range onto [from,to] of the parent.
func Scale(parent Func, from, to float64) Func {
	if parent == nil {
		return Nop
	}
	return func(p float64, desc string) {
		parent(from+clamp(p)*(to-from), desc)
	}
}

type Update struct {
	Progress    float64 `json:"progress"`
	Description string  `json:"description"`
}

// Tracker turns blocking-side reports into a channel for the transport.
// Reports never block: when the buffer is full the oldest pending update is
// replaced. Progress is clamped so it never moves backwards.
type Tracker struct {
	mu     sync.Mutex
	ch     chan Update
	last   float64
	closed bool
}

func NewTracker(buffer int) *Tracker {
	if buffer < 1 {
		buffer = 1
	}
	return &Tracker{ch: make(chan Update, buffer)}
}

func (t *Tracker) Report(p float64, description string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	p = clamp(p)
	if p < t.last {
		p = t.last
	}
	t.last = p

	u := Update{Progress: p, Description: description}
	select {
	case t.ch <- u:
		return
	default:
	}

	// superseded update
	select {
	case <-t.ch:
	default:
	}
	select {
	case t.ch <- u:
	default:
	}
}

// Func adapts the tracker to the callback shape adapters expect.
func (t *Tracker) Func() Func { return t.Report }

func (t *Tracker) Updates() <-chan Update { return t.ch }

// Close ends the stream; pending updates stay readable.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.ch)
	}
}

func clamp(p float64) float64 {
	switch {
	case p != p, p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
