package protocol

import (
	"encoding/binary"
	"io"
)

// EncodeResponse frames a server reply as <len:uint32><resp>.
func EncodeResponse(resp string) ([]byte, error) {
	if len(resp) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, 4, 4+len(resp))
	binary.BigEndian.PutUint32(buf, uint32(len(resp)))
	return append(buf, resp...), nil
}

// DecodeResponse reads one reply from r.
func DecodeResponse(r io.Reader) (string, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxPayload {
		return "", ErrPayloadTooLarge
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
