package protocol_test

import (
	"bytes"
	"net"
	"testing"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeResponse(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"simple response", "ok"},
		{"nil response", "nil"},
		{"empty response", ""},
		{"ratio response", "1.250"},
		{"multiline response", "line1\nline2\nline3"},
		{"unicode response", "こんにちは世界"},
		{"large response", string(make([]byte, 2048))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()

			payload, err := protocol.EncodeResponse(tt.response)
			require.NoError(t, err)

			go func() {
				_, _ = client.Write(payload)
			}()

			resp, err := protocol.DecodeResponse(server)
			require.NoError(t, err)
			assert.Equal(t, tt.response, resp)
		})
	}
}

func TestDecodeResponse_TruncatedPayload(t *testing.T) {
	payload, err := protocol.EncodeResponse("hello world")
	require.NoError(t, err)

	_, err = protocol.DecodeResponse(bytes.NewReader(payload[:len(payload)/2]))
	assert.Error(t, err, "expected error on truncated response")
}

func TestDecodeResponse_Sequence(t *testing.T) {
	var stream []byte
	for _, msg := range []string{"PONG!", "ok", "nil"} {
		payload, err := protocol.EncodeResponse(msg)
		require.NoError(t, err)
		stream = append(stream, payload...)
	}

	r := bytes.NewReader(stream)
	for _, want := range []string{"PONG!", "ok", "nil"} {
		got, err := protocol.DecodeResponse(r)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
