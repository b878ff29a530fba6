package vmm

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cochaviz/benchjail/internal/guest"
)

// ResultSource says how the results reached the host.
type ResultSource string

const (
	// SourceVsock results were authenticated with the job nonce.
	SourceVsock ResultSource = "vsock"
	// SourceSerial results were recovered from the console and carry no MAC.
	SourceSerial ResultSource = "serial"
)

// Outcome is a finished run.
type Outcome struct {
	Results *guest.Results
	Source  ResultSource
	Console []byte
}

// boundedBuffer keeps the first limit bytes written to it and silently
// drops the rest.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newBoundedBuffer(limit int64) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - int64(b.buf.Len())
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

type collected struct {
	results *guest.Results
	err     error
}

// collector is the host end of the guest's vsock ports: the two output
// streams and the single control exchange.
type collector struct {
	params  guest.Params
	maxSize int64
	logger  *slog.Logger

	stdout *boundedBuffer
	stderr *boundedBuffer
	// results receives exactly one value per run.
	results chan collected
	claimed atomic.Bool

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func newCollector(params guest.Params, maxSize int64, logger *slog.Logger) *collector {
	return &collector{
		params:  params,
		maxSize: maxSize,
		logger:  logger,
		stdout:  newBoundedBuffer(maxSize),
		stderr:  newBoundedBuffer(maxSize),
		results: make(chan collected, 1),
		conns:   make(map[net.Conn]struct{}),
	}
}

// serve accepts on l until it is closed.
func (c *collector) serve(port uint32, l net.Listener) {
	var handle func(net.Conn)
	switch port {
	case guest.PortStdout:
		handle = func(conn net.Conn) { c.stream(conn, c.stdout) }
	case guest.PortStderr:
		handle = func(conn net.Conn) { c.stream(conn, c.stderr) }
	case guest.PortControl:
		handle = c.control
	default:
		c.logger.Warn("no handler for guest port", "port", port)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					c.logger.Debug("guest listener stopped", "port", port, "error", err)
				}
				return
			}
			if !c.track(conn) {
				conn.Close()
				return
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				defer c.untrack(conn)
				handle(conn)
			}()
		}
	}()
}

func (c *collector) track(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conns[conn] = struct{}{}
	return true
}

func (c *collector) untrack(conn net.Conn) {
	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
	conn.Close()
}

func (c *collector) stream(conn net.Conn, dst *boundedBuffer) {
	if _, err := io.Copy(dst, conn); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Debug("output stream ended", "error", err)
	}
}

// control runs the handshake with the first guest connection. Later
// connections are refused.
func (c *collector) control(conn net.Conn) {
	if !c.claimed.CompareAndSwap(false, true) {
		c.logger.Warn("refusing second control connection")
		return
	}
	gc := guest.NewConn(conn, c.maxSize)
	if err := gc.SendParams(c.params); err != nil {
		c.results <- collected{err: err}
		return
	}
	res, err := gc.ReceiveResults()
	c.results <- collected{results: res, err: err}
}

func (c *collector) partial(console []byte) PartialOutput {
	return PartialOutput{Stdout: c.stdout.Bytes(), Stderr: c.stderr.Bytes(), Console: console}
}

// close drops every open guest connection and waits for the handlers.
// Listeners must be closed first.
func (c *collector) close() {
	c.mu.Lock()
	c.closed = true
	for conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}
