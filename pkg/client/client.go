// Package client speaks the RoomChat frame protocol over TCP.
package client

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
)

// DefaultTimeout bounds every request/response exchange
const DefaultTimeout = 10 * time.Second

var (
	ErrClosed  = errors.New("connection closed")
	ErrTimeout = errors.New("timeout waiting for response")
)

// ServerError is an error or commandDenied event returned for a request
type ServerError struct {
	Kind   string
	Detail string
}

func (e *ServerError) Error() string {
	if e.Detail == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// EventHandler receives events that are not the answer to a pending request:
// messages, forced logouts, removed rooms and errors of fire-and-forget sends.
type EventHandler func(ev protocol.Event)

// waiter collects the events that answer one request
type waiter struct {
	match    func(protocol.Event) bool
	events   chan protocol.Event
	finished chan struct{}
}

// Client is a connection to a RoomChat server. Requests are serialized;
// pushed events are delivered to the handler from the receive goroutine.
type Client struct {
	addr    string
	conn    net.Conn
	onEvent EventHandler
	Timeout time.Duration

	sendMu sync.Mutex
	reqMu  sync.Mutex

	mu     sync.Mutex
	waiter *waiter
	name   string
	closed bool

	done chan struct{}
	err  error
}

// Dial connects to addr and starts the receive loop
func Dial(addr string, onEvent EventHandler) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c := &Client{
		addr:    addr,
		conn:    conn,
		onEvent: onEvent,
		Timeout: DefaultTimeout,
		done:    make(chan struct{}),
	}
	go c.receiveLoop()
	return c, nil
}

// Addr returns the server address
func (c *Client) Addr() string { return c.addr }

// Name returns the identity this client is logged in as
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection
func (c *Client) Err() error {
	<-c.done
	return c.err
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Send writes one event without waiting for an answer
func (c *Client) Send(ev protocol.Event) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	frame, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}
	if err := protocol.EncodeFrame(c.conn, frame); err != nil {
		return fmt.Errorf("write frame failed: %w", err)
	}
	return nil
}

func (c *Client) receiveLoop() {
	defer close(c.done)
	for {
		frame, err := protocol.DecodeFrame(c.conn)
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				c.err = err
			}
			c.mu.Unlock()
			return
		}
		ev, err := protocol.DecodeEvent(frame)
		if err != nil {
			// Unknown or malformed events from a newer server are skipped
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev protocol.Event) {
	if _, ok := ev.(*protocol.ForcedLogout); ok {
		c.mu.Lock()
		c.name = ""
		c.mu.Unlock()
	}

	c.mu.Lock()
	w := c.waiter
	c.mu.Unlock()

	if w != nil && (isFailure(ev) || w.match(ev)) {
		select {
		case w.events <- ev:
			// Messages are still shown even when they answer a request
			if _, ok := ev.(*protocol.Message); !ok {
				return
			}
		case <-w.finished:
		}
	}
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

func isFailure(ev protocol.Event) bool {
	switch ev.(type) {
	case *protocol.Error, *protocol.CommandDenied:
		return true
	}
	return false
}

func asError(ev protocol.Event) error {
	switch ev := ev.(type) {
	case *protocol.Error:
		return &ServerError{Kind: ev.Kind, Detail: ev.Detail}
	case *protocol.CommandDenied:
		return &ServerError{Kind: "CommandDenied", Detail: ev.CommandName}
	}
	return nil
}

// exchange sends a request and hands each answering event to collect until
// it reports completion
func (c *Client) exchange(req protocol.Event, match func(protocol.Event) bool, collect func(protocol.Event) (bool, error)) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	w := &waiter{match: match, events: make(chan protocol.Event, 64), finished: make(chan struct{})}
	c.mu.Lock()
	c.waiter = w
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.waiter = nil
		c.mu.Unlock()
		close(w.finished)
	}()

	if err := c.Send(req); err != nil {
		return err
	}

	timeout := time.NewTimer(c.Timeout)
	defer timeout.Stop()
	for {
		select {
		case ev := <-w.events:
			if err := asError(ev); err != nil {
				return err
			}
			finished, err := collect(ev)
			if err != nil || finished {
				return err
			}
		case <-c.done:
			return ErrClosed
		case <-timeout.C:
			return fmt.Errorf("%w: %s", ErrTimeout, protocol.EventName(req.EventType()))
		}
	}
}

func isType[T protocol.Event](ev protocol.Event) bool {
	_, ok := ev.(T)
	return ok
}

// Session is the result of a successful login
type Session struct {
	LoggedIn *protocol.LoggedIn
	// Missed holds the replay of messages sent while the identity was away
	Missed []protocol.Message
}

func (c *Client) attach(req protocol.Event) (*Session, error) {
	var sess Session
	err := c.exchange(req,
		func(ev protocol.Event) bool {
			return isType[*protocol.LoggedIn](ev) || isType[*protocol.HistoryBatch](ev)
		},
		func(ev protocol.Event) (bool, error) {
			switch ev := ev.(type) {
			case *protocol.LoggedIn:
				sess.LoggedIn = ev
			case *protocol.HistoryBatch:
				sess.Missed = append(sess.Missed, ev.Messages...)
				return ev.Final, nil
			}
			return false, nil
		})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.name = sess.LoggedIn.Name
	c.mu.Unlock()
	return &sess, nil
}

// Register creates an identity and logs in as it
func (c *Client) Register(name, password string) (*Session, error) {
	return c.attach(&protocol.Register{Name: name, Password: password})
}

func (c *Client) Login(name, password string) (*Session, error) {
	return c.attach(&protocol.Login{Name: name, Password: password})
}

// Resume re-attaches an identity with the resume token of its last login
func (c *Client) Resume(name, token, deviceID string) (*Session, error) {
	return c.attach(&protocol.ReconnectAttach{Name: name, Token: token, DeviceID: deviceID})
}

func (c *Client) Logout() error {
	err := c.exchange(&protocol.Logout{}, isType[*protocol.LoggedOut], func(protocol.Event) (bool, error) {
		return true, nil
	})
	if err == nil {
		c.mu.Lock()
		c.name = ""
		c.mu.Unlock()
	}
	return err
}

func (c *Client) Join(room string, password *string) error {
	return c.exchange(&protocol.JoinRoom{RoomName: room, Password: password}, isType[*protocol.JoinConfirmed], func(protocol.Event) (bool, error) {
		return true, nil
	})
}

func (c *Client) Leave(room string) error {
	return c.exchange(&protocol.LeaveRoom{RoomName: room}, isType[*protocol.LeaveConfirmed], func(protocol.Event) (bool, error) {
		return true, nil
	})
}

// CreateRoom creates a public room; the server joins the creator to it
func (c *Client) CreateRoom(room string, password *string) error {
	return c.exchange(&protocol.CreateRoom{RoomName: room, Password: password},
		func(ev protocol.Event) bool {
			return isType[*protocol.RoomCreated](ev) || isType[*protocol.JoinConfirmed](ev)
		},
		func(ev protocol.Event) (bool, error) {
			return isType[*protocol.JoinConfirmed](ev), nil
		})
}

// Say posts to a room and waits for the server's echo of the message
func (c *Client) Say(room string, lines ...string) (*protocol.Message, error) {
	return c.post(&protocol.SendChatMessage{RoomName: room, Text: lines}, strings.ToLower(room), lines)
}

// Whisper sends a private message; the echo arrives from the recipient's whisper room
func (c *Client) Whisper(to string, lines ...string) (*protocol.Message, error) {
	return c.post(&protocol.SendWhisper{RecipientName: to, Text: lines}, strings.ToLower(to)+"-whisper", lines)
}

func (c *Client) post(req protocol.Event, room string, lines []string) (*protocol.Message, error) {
	me := c.Name()
	var echo *protocol.Message
	err := c.exchange(req,
		func(ev protocol.Event) bool {
			msg, ok := ev.(*protocol.Message)
			return ok && msg.Sender == me && msg.Room == room && slices.Equal(msg.Text, lines)
		},
		func(ev protocol.Event) (bool, error) {
			echo = ev.(*protocol.Message)
			return true, nil
		})
	return echo, err
}

// History asks for the newest messages across followed rooms. A limit of 0
// uses the server default.
func (c *Client) History(limit int) ([]protocol.Message, error) {
	req := &protocol.RequestHistory{}
	if limit > 0 {
		req.LineLimit = &limit
	}
	var msgs []protocol.Message
	err := c.exchange(req, isType[*protocol.HistoryBatch], func(ev protocol.Event) (bool, error) {
		batch := ev.(*protocol.HistoryBatch)
		msgs = append(msgs, batch.Messages...)
		return batch.Final, nil
	})
	return msgs, err
}

// Rooms lists the rooms visible to the logged-in identity
func (c *Client) Rooms() ([]protocol.RoomInfo, error) {
	var rooms []protocol.RoomInfo
	err := c.exchange(&protocol.ListRooms{}, isType[*protocol.RoomList], func(ev protocol.Event) (bool, error) {
		rooms = ev.(*protocol.RoomList).Rooms
		return true, nil
	})
	return rooms, err
}
