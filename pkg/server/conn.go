package server

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/google/uuid"
)

// Conn is an outbound event sink for one live connection.
type Conn interface {
	ID() string
	// Send enqueues an event without blocking. A full queue closes the
	// connection and returns ErrSlowConsumer.
	Send(ev protocol.Event) error
	Close() error
}

// QueuedConn serializes all writes to a transport through one writer
// goroutine fed by a bounded queue. Nothing else may write to the transport,
// so frames never interleave on the wire.
type QueuedConn struct {
	id      string
	queue   chan []byte
	done    chan struct{}
	encode  func(protocol.Event) ([]byte, error)
	write   func([]byte) error
	closeFn func() error

	closeOnce sync.Once
	closeErr  error
}

// NewQueuedConn starts the writer goroutine for a transport.
func NewQueuedConn(queueSize int, encode func(protocol.Event) ([]byte, error), write func([]byte) error, closeFn func() error) *QueuedConn {
	if queueSize < 1 {
		queueSize = 1
	}
	c := &QueuedConn{
		id:      uuid.NewString(),
		queue:   make(chan []byte, queueSize),
		done:    make(chan struct{}),
		encode:  encode,
		write:   write,
		closeFn: closeFn,
	}
	go c.writeLoop()
	return c
}

// NewFrameConn wraps a stream connection (TCP or an SSH channel) speaking the
// binary frame protocol.
func NewFrameConn(conn io.WriteCloser, queueSize int) *QueuedConn {
	return NewQueuedConn(queueSize, encodeFrameBytes, func(data []byte) error {
		_, err := conn.Write(data)
		return err
	}, conn.Close)
}

func encodeFrameBytes(ev protocol.Event) ([]byte, error) {
	frame, err := protocol.EncodeEvent(ev)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := protocol.EncodeFrame(&buf, frame); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *QueuedConn) ID() string { return c.id }

func (c *QueuedConn) Send(ev protocol.Event) error {
	data, err := c.encode(ev)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.queue <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.Close()
		return ErrSlowConsumer
	}
}

// Close stops the writer and closes the transport. Queued events are dropped.
func (c *QueuedConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.closeFn()
	})
	return c.closeErr
}

// Done is closed once the connection is closed.
func (c *QueuedConn) Done() <-chan struct{} {
	return c.done
}

// Drain waits until the queue is empty or the timeout passes, then closes.
func (c *QueuedConn) Drain(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for len(c.queue) > 0 && time.Now().Before(deadline) {
		select {
		case <-c.done:
			return c.closeErr
		case <-time.After(5 * time.Millisecond):
		}
	}
	return c.Close()
}

func (c *QueuedConn) writeLoop() {
	for {
		select {
		case data := <-c.queue:
			if err := c.write(data); err != nil {
				debugLog.Printf("Conn %s: write failed: %v", c.id, err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
