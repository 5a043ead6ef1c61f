// Package transport contains the byte channels that connect the gateway
// to the radio bridge, and the framed endpoint that applies SLIP framing
// and CRC-16 checking on top of them.
package transport

import "context"

// Transport is a raw byte channel to the bridge: a serial line, a TCP
// connection accepted from the bridge, or an MQTT tunnel.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	// Read fills p with available bytes and returns how many were read.
	// It blocks until at least one byte arrives, the context ends, or
	// the channel fails.
	Read(ctx context.Context, p []byte) (int, error)
	Write(ctx context.Context, p []byte) error
}
