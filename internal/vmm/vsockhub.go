package vmm

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/mdlayher/vsock"

	"github.com/cochaviz/benchjail/internal/logging"
)

// firstGuestCID is the lowest context ID handed to a guest. 0 to 2 are
// reserved for the hypervisor and the host.
const firstGuestCID = 3

type route struct {
	cid  uint32
	port uint32
}

// VsockHub shares host AF_VSOCK listeners between VMs. Every guest dials the
// same host port, so one listener per port accepts for all of them and
// hands each connection to the VM whose context ID opened it.
type VsockHub struct {
	listen func(port uint32) (net.Listener, error)
	logger *slog.Logger

	mu      sync.Mutex
	ports   map[uint32]net.Listener
	routes  map[route]*hubListener
	cids    map[uint32]bool
	nextCID uint32
	closed  bool
}

func NewVsockHub(logger *slog.Logger) *VsockHub {
	return newVsockHub(func(port uint32) (net.Listener, error) {
		return vsock.Listen(port, nil)
	}, logger)
}

func newVsockHub(listen func(uint32) (net.Listener, error), logger *slog.Logger) *VsockHub {
	return &VsockHub{
		listen:  listen,
		logger:  logging.Ensure(logger).With("component", "vsock_hub"),
		ports:   make(map[uint32]net.Listener),
		routes:  make(map[route]*hubListener),
		cids:    make(map[uint32]bool),
		nextCID: firstGuestCID,
	}
}

// AllocateCID reserves a context ID no running VM uses.
func (h *VsockHub) AllocateCID() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.nextCID < firstGuestCID || h.cids[h.nextCID] {
		h.nextCID++
	}
	cid := h.nextCID
	h.cids[cid] = true
	h.nextCID++
	return cid
}

func (h *VsockHub) ReleaseCID(cid uint32) {
	h.mu.Lock()
	delete(h.cids, cid)
	h.mu.Unlock()
}

// Listen returns a listener for connections from cid to the host on port.
func (h *VsockHub) Listen(cid, port uint32) (net.Listener, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, net.ErrClosed
	}
	r := route{cid: cid, port: port}
	if _, ok := h.routes[r]; ok {
		return nil, fmt.Errorf("guest %d already listens on port %d", cid, port)
	}
	if _, ok := h.ports[port]; !ok {
		l, err := h.listen(port)
		if err != nil {
			return nil, fmt.Errorf("listen on vsock port %d: %w", port, err)
		}
		h.ports[port] = l
		go h.accept(port, l)
	}
	hl := &hubListener{
		hub:    h,
		route:  r,
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
	h.routes[r] = hl
	return hl, nil
}

func (h *VsockHub) accept(port uint32, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				h.logger.Warn("vsock accept failed", "port", port, "error", err)
			}
			return
		}
		addr, ok := conn.RemoteAddr().(*vsock.Addr)
		if !ok {
			conn.Close()
			continue
		}
		h.mu.Lock()
		hl := h.routes[route{cid: addr.ContextID, port: port}]
		h.mu.Unlock()
		if hl == nil || !hl.deliver(conn) {
			h.logger.Debug("dropping connection from unknown guest", "cid", addr.ContextID, "port", port)
			conn.Close()
		}
	}
}

func (h *VsockHub) unroute(r route) {
	h.mu.Lock()
	delete(h.routes, r)
	h.mu.Unlock()
}

// Close stops every shared listener.
func (h *VsockHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	var errs []error
	for port, l := range h.ports {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		delete(h.ports, port)
	}
	return errors.Join(errs...)
}

type hubListener struct {
	hub   *VsockHub
	route route

	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *hubListener) deliver(conn net.Conn) bool {
	select {
	case l.conns <- conn:
		return true
	case <-l.closed:
		return false
	}
}

func (l *hubListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *hubListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.hub.unroute(l.route)
	})
	return nil
}

func (l *hubListener) Addr() net.Addr {
	return &vsock.Addr{ContextID: l.route.cid, Port: l.route.port}
}
