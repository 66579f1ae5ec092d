// Package protocol is the length-prefixed framing spoken between the
// hamtkv server and its clients. All integers are big endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxPayload bounds a single key, value or response. It matches the
// largest record the store accepts.
const MaxPayload = 128 << 20

const commandHeaderSize = 1 + 4 + 4

var (
	ErrCommandTooLong  = errors.New("command name longer than 255 bytes")
	ErrPayloadTooLarge = fmt.Errorf("payload larger than %d bytes", MaxPayload)
)

// Command is a decoded client request. The meaning of Key and Val depends
// on Cmd.
type Command struct {
	Cmd string // Command name (e.g. "get", "set", "delete")
	Key string // Key argument (may be empty)
	Val string // Value argument (may be empty)
}

// EncodeCommand serializes a client command into its wire format:
//
//	<cmd_len:uint8><key_len:uint32><val_len:uint32><cmd><key><val>
func EncodeCommand(cmd, key, val string) ([]byte, error) {
	if len(cmd) > math.MaxUint8 {
		return nil, ErrCommandTooLong
	}
	if len(key) > MaxPayload || len(val) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, commandHeaderSize, commandHeaderSize+len(cmd)+len(key)+len(val))
	buf[0] = uint8(len(cmd))
	binary.BigEndian.PutUint32(buf[1:], uint32(len(key)))
	binary.BigEndian.PutUint32(buf[5:], uint32(len(val)))

	buf = append(buf, cmd...)
	buf = append(buf, key...)
	buf = append(buf, val...)
	return buf, nil
}

// DecodeCommand reads one command from r. It blocks until the whole
// command arrived or r failed.
func DecodeCommand(r io.Reader) (*Command, error) {
	var header [commandHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	cmdLen := int(header[0])
	keyLen := binary.BigEndian.Uint32(header[1:])
	valLen := binary.BigEndian.Uint32(header[5:])
	if keyLen > MaxPayload || valLen > MaxPayload {
		return nil, ErrPayloadTooLarge
	}

	payload := make([]byte, cmdLen+int(keyLen)+int(valLen))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return &Command{
		Cmd: string(payload[:cmdLen]),
		Key: string(payload[cmdLen : cmdLen+int(keyLen)]),
		Val: string(payload[cmdLen+int(keyLen):]),
	}, nil
}
