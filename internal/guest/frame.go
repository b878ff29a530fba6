package guest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// FrameKind tags the payload of a frame.
type FrameKind byte

const (
	FrameParams  FrameKind = 1
	FrameResults FrameKind = 2
)

func (k FrameKind) String() string {
	switch k {
	case FrameParams:
		return "params"
	case FrameResults:
		return "results"
	default:
		return fmt.Sprintf("frame(%d)", byte(k))
	}
}

// Frame layout: 4-byte big-endian payload length, 1-byte kind, payload.
const frameHeaderSize = 5

// ProtocolErrorKind classifies transport failures.
type ProtocolErrorKind string

const (
	ErrKindIO              ProtocolErrorKind = "io"
	ErrKindFrameTooLarge   ProtocolErrorKind = "frame_too_large"
	ErrKindUnexpectedFrame ProtocolErrorKind = "unexpected_frame"
	ErrKindDecode          ProtocolErrorKind = "decode"
	ErrKindAuthentication  ProtocolErrorKind = "authentication"
)

// ProtocolError is returned for any failure reading or writing frames.
type ProtocolError struct {
	Kind ProtocolErrorKind
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("guest protocol %s: %v", e.Kind, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  8,
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 10,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// WriteFrame writes one frame carrying payload.
func WriteFrame(w io.Writer, kind FrameKind, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return &ProtocolError{Kind: ErrKindFrameTooLarge, Err: fmt.Errorf("%d byte payload", len(payload))}
	}
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	header[4] = byte(kind)
	if _, err := w.Write(append(header, payload...)); err != nil {
		return &ProtocolError{Kind: ErrKindIO, Err: err}
	}
	return nil
}

// ReadFrame reads one frame, refusing payloads larger than maxSize.
func ReadFrame(r io.Reader, maxSize int64) (FrameKind, []byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, &ProtocolError{Kind: ErrKindIO, Err: err}
	}
	size := int64(binary.BigEndian.Uint32(header))
	if size > maxSize {
		return 0, nil, &ProtocolError{Kind: ErrKindFrameTooLarge, Err: fmt.Errorf("%d bytes exceeds %d", size, maxSize)}
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, &ProtocolError{Kind: ErrKindIO, Err: err}
	}
	return FrameKind(header[4]), payload, nil
}

// readTyped reads a frame of the expected kind and decodes it into v.
func readTyped(r io.Reader, want FrameKind, maxSize int64, v any) error {
	kind, payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return err
	}
	if kind != want {
		return &ProtocolError{Kind: ErrKindUnexpectedFrame, Err: fmt.Errorf("got %s, want %s", kind, want)}
	}
	if err := decMode.Unmarshal(payload, v); err != nil {
		return &ProtocolError{Kind: ErrKindDecode, Err: err}
	}
	return nil
}

func writeTyped(w io.Writer, kind FrameKind, v any) error {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return &ProtocolError{Kind: ErrKindDecode, Err: err}
	}
	return WriteFrame(w, kind, payload)
}

// IsAuthentication reports whether err is a MAC verification failure.
func IsAuthentication(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr) && perr.Kind == ErrKindAuthentication
}
