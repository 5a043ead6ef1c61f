package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// TCPTransport listens for the bridge to dial in over TCP. Exactly one
// bridge connection is active at a time; connection attempts made while
// one is active are rejected and the listener keeps running.
type TCPTransport struct {
	port int

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn
	accepted chan net.Conn
}

func NewTCPTransport(port int) *TCPTransport {
	return &TCPTransport{port: port}
}

func (t *TCPTransport) Name() string {
	return "tcp"
}

// Connect binds the listener on first use, then blocks until a bridge
// connection is available.
func (t *TCPTransport) Connect(ctx context.Context) error {
	logger := transportLogger("tcp", "port", t.port)

	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	if t.listener == nil {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.port))
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("bind tcp listener: %w", err)
		}
		t.listener = ln
		// The accept loop owns this channel; after a Close the next
		// Connect binds a fresh listener with a fresh channel.
		t.accepted = make(chan net.Conn)
		go t.acceptLoop(ln, t.accepted)
		logger.Info("listening")
	}
	accepted := t.accepted
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case conn, ok := <-accepted:
		if !ok {
			return errors.New("tcp listener closed")
		}
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		logger.Info("bridge connected", "remote", conn.RemoteAddr().String())
		return nil
	}
}

func (t *TCPTransport) acceptLoop(ln net.Listener, accepted chan net.Conn) {
	logger := transportLogger("tcp", "port", t.port)
	for {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}

		t.mu.Lock()
		busy := t.conn != nil
		t.mu.Unlock()
		if busy {
			logger.Warn("rejecting second bridge connection", "remote", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		select {
		case accepted <- conn:
		default:
			// Nobody is waiting in Connect: treat it like a concurrent
			// attempt and reject.
			logger.Warn("rejecting unsolicited bridge connection", "remote", conn.RemoteAddr().String())
			_ = conn.Close()
		}
	}
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.conn != nil {
		err = t.conn.Close()
		t.conn = nil
	}
	if t.listener != nil {
		if lerr := t.listener.Close(); lerr != nil && err == nil {
			err = lerr
		}
		t.listener = nil
	}
	return err
}

func (t *TCPTransport) Read(ctx context.Context, p []byte) (int, error) {
	conn, err := t.currentConn()
	if err != nil {
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}

	n, err := conn.Read(p)
	if err != nil {
		t.dropConn(conn)
		return 0, fmt.Errorf("read tcp: %w", err)
	}
	return n, nil
}

func (t *TCPTransport) Write(ctx context.Context, p []byte) error {
	conn, err := t.currentConn()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}

	if _, err := conn.Write(p); err != nil {
		t.dropConn(conn)
		return fmt.Errorf("write tcp: %w", err)
	}
	return nil
}

func (t *TCPTransport) currentConn() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, errors.New("transport is not connected")
	}
	return t.conn, nil
}

// dropConn clears the active connection after an I/O failure so the
// accept loop starts taking new bridge connections again.
func (t *TCPTransport) dropConn(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		_ = conn.Close()
		t.conn = nil
	}
}
