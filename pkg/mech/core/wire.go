package core

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mech-lang/go-mech/pkg/mech/types"
)

// Every mesh frame is deflate(msgpack(SocketMessage)). The receive
// buffer bounds a datagram; WebSocket frames carry the same payload.
const (
	// UdpFrameLimit is the size of the UDP receive buffer.
	UdpFrameLimit = 16383

	compressionLevel = 6
)

// EncodeSocketMessage serializes and compresses a message into a wire
// frame.
func EncodeSocketMessage(msg *types.SocketMessage) ([]byte, error) {
	serialized, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal socket message: %w", err)
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("deflate writer: %w", err)
	}
	if _, err := w.Write(serialized); err != nil {
		return nil, fmt.Errorf("compress socket message: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress socket message: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSocketMessage decompresses and deserializes a wire frame.
func DecodeSocketMessage(frame []byte) (*types.SocketMessage, error) {
	r := flate.NewReader(bytes.NewReader(frame))
	serialized, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress socket message: %w", err)
	}
	if err := r.Close(); err != nil {
		return nil, fmt.Errorf("decompress socket message: %w", err)
	}
	var msg types.SocketMessage
	if err := msgpack.Unmarshal(serialized, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal socket message: %w", err)
	}
	return &msg, nil
}
