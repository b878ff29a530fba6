package initd

import (
	"io"
	"sync"
	"time"
)

// outputBudget is the byte allowance shared by stdout, stderr and output
// files. The host rejects results whose total exceeds it.
type outputBudget struct {
	mu        sync.Mutex
	remaining int64
}

func newOutputBudget(limit int64) *outputBudget {
	return &outputBudget{remaining: limit}
}

// take reserves up to n bytes and returns how many were granted.
func (b *outputBudget) take(n int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.remaining {
		n = b.remaining
	}
	b.remaining -= n
	return n
}

// give returns bytes reserved by take that went unused.
func (b *outputBudget) give(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining += n
}

// capture keeps as much of a stream as the budget allows and forwards every
// byte to an optional live stream. Writes never fail so the pump keeps the
// child's pipe drained after the budget is spent.
type capture struct {
	budget *outputBudget

	mu        sync.Mutex
	data      []byte
	truncated bool
	stream    io.WriteCloser
}

func newCapture(budget *outputBudget) *capture {
	return &capture{budget: budget}
}

const streamWriteTimeout = 5 * time.Second

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// attach starts forwarding written bytes to w until a write to it fails.
func (c *capture) attach(w io.WriteCloser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = w
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	granted := c.budget.take(int64(len(p)))
	c.data = append(c.data, p[:granted]...)
	if granted < int64(len(p)) {
		c.truncated = true
	}

	if c.stream != nil {
		if dw, ok := c.stream.(deadlineWriter); ok {
			_ = dw.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		}
		if _, err := c.stream.Write(p); err != nil {
			_ = c.stream.Close()
			c.stream = nil
		}
	}
	return len(p), nil
}

// Bytes returns a copy of the captured data.
func (c *capture) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.data...)
}

func (c *capture) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

// close ends the live stream, if any.
func (c *capture) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		_ = c.stream.Close()
		c.stream = nil
	}
}
