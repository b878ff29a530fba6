package guest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/vsock"
)

// Dialer opens a stream to the host on port.
type Dialer func(ctx context.Context, port uint32) (net.Conn, error)

// DialVsock connects to the host CID over AF_VSOCK.
func DialVsock(_ context.Context, port uint32) (net.Conn, error) {
	c, err := vsock.Dial(HostCID, port, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

const dialRetryInterval = 100 * time.Millisecond

// Conn is one end of the control channel. The host sends Params first, the
// guest answers with exactly one Results message.
type Conn struct {
	conn    net.Conn
	nonce   []byte
	maxSize int64
}

// NewConn wraps an established stream. maxSize bounds every frame read.
func NewConn(c net.Conn, maxSize int64) *Conn {
	if maxSize <= 0 {
		maxSize = DefaultMaxOutputSize
	}
	return &Conn{conn: c, maxSize: maxSize + 64<<10}
}

// ConnectToHost dials the host control port over vsock, retrying until ctx
// is done.
func ConnectToHost(ctx context.Context) (*Conn, error) {
	return Connect(ctx, DialVsock, PortControl, DefaultMaxOutputSize)
}

// Connect dials port with dial until it succeeds or ctx is done.
func Connect(ctx context.Context, dial Dialer, port uint32, maxSize int64) (*Conn, error) {
	for {
		c, err := dial(ctx, port)
		if err == nil {
			return NewConn(c, maxSize), nil
		}
		select {
		case <-ctx.Done():
			return nil, &ProtocolError{Kind: ErrKindIO, Err: fmt.Errorf("connect to host port %d: %w", port, errors.Join(ctx.Err(), err))}
		case <-time.After(dialRetryInterval):
		}
	}
}

// ReceiveParams reads the host's parameters and keeps the job nonce for
// signing results.
func (c *Conn) ReceiveParams() (Params, error) {
	var p Params
	if err := readTyped(c.conn, FrameParams, c.maxSize, &p); err != nil {
		return Params{}, err
	}
	if len(p.Nonce) != NonceSize {
		return Params{}, &ProtocolError{Kind: ErrKindDecode, Err: errNonceSize}
	}
	c.nonce = p.Nonce
	return p, nil
}

// SendResults signs and sends the results. ReceiveParams must have succeeded.
func (c *Conn) SendResults(r *Results) error {
	if c.nonce == nil {
		return &ProtocolError{Kind: ErrKindAuthentication, Err: errors.New("no job nonce received")}
	}
	payload, err := encMode.Marshal(r)
	if err != nil {
		return &ProtocolError{Kind: ErrKindDecode, Err: err}
	}
	mac, err := sign(c.nonce, payload)
	if err != nil {
		return &ProtocolError{Kind: ErrKindAuthentication, Err: err}
	}
	return writeTyped(c.conn, FrameResults, signedResults{Results: payload, MAC: mac})
}

// SendParams is the host side of the handshake.
func (c *Conn) SendParams(p Params) error {
	if len(p.Nonce) != NonceSize {
		return &ProtocolError{Kind: ErrKindAuthentication, Err: errNonceSize}
	}
	c.nonce = p.Nonce
	return writeTyped(c.conn, FrameParams, p)
}

// ReceiveResults reads, authenticates and decodes the guest's results. The
// MAC is checked before the payload is decoded.
func (c *Conn) ReceiveResults() (*Results, error) {
	if c.nonce == nil {
		return nil, &ProtocolError{Kind: ErrKindAuthentication, Err: errors.New("params not sent")}
	}
	var env signedResults
	if err := readTyped(c.conn, FrameResults, c.maxSize, &env); err != nil {
		return nil, err
	}
	if err := verify(c.nonce, env.Results, env.MAC); err != nil {
		return nil, err
	}
	var r Results
	if err := decMode.Unmarshal(env.Results, &r); err != nil {
		return nil, &ProtocolError{Kind: ErrKindDecode, Err: err}
	}
	return &r, nil
}

// SetDeadline sets the read and write deadline of the underlying stream.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.conn.Close()
}
