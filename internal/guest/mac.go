package guest

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/zeebo/blake3"
)

// NewNonce returns a fresh per-job nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// sign computes the keyed blake3 MAC of payload under nonce.
func sign(nonce, payload []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, errNonceSize
	}
	h, err := blake3.NewKeyed(nonce)
	if err != nil {
		return nil, err
	}
	if _, err := h.Write(payload); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func verify(nonce, payload, mac []byte) error {
	want, err := sign(nonce, payload)
	if err != nil {
		return &ProtocolError{Kind: ErrKindAuthentication, Err: err}
	}
	if subtle.ConstantTimeCompare(want, mac) != 1 {
		return &ProtocolError{Kind: ErrKindAuthentication, Err: fmt.Errorf("results MAC does not match job nonce")}
	}
	return nil
}

// signedResults is the payload of a FrameResults frame.
type signedResults struct {
	Results []byte `cbor:"1,keyasint"`
	MAC     []byte `cbor:"2,keyasint"`
}
