package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aeolun/roomchat/pkg/database"
	"github.com/aeolun/roomchat/pkg/protocol"
)

// Message classes
const (
	ClassPlain     = "plain"
	ClassWhisper   = "whisper"
	ClassBroadcast = "broadcast"
	ClassImportant = "important"
	ClassMorse     = "morse"
)

// SystemSender is the sender name of server-originated messages
const SystemSender = "SYSTEM"

// Outgoing is a message before it is stamped and recorded
type Outgoing struct {
	Sender string
	Target RoomRef
	Text   []string
	Class  string
	Meta   json.RawMessage
}

// PublishOptions control fan-out of a published message
type PublishOptions struct {
	// From is the sending connection, nil for server messages
	From *Session
	// SelfEcho delivers the message to the sender's connection exactly once
	SelfEcho bool
	// AlsoMirrorTo appends the message to a second room's history as well
	AlsoMirrorTo *RoomRef
}

// Dispatcher records messages and fans them out to subscribed connections.
// A message is never delivered unless it was first appended to the target
// room's history.
type Dispatcher struct {
	store   Store
	rooms   *RoomManager
	subs    *subscriptionIndex
	metrics *Metrics
	now     func() time.Time
}

func NewDispatcher(store Store, rooms *RoomManager, subs *subscriptionIndex) *Dispatcher {
	return &Dispatcher{store: store, rooms: rooms, subs: subs, now: time.Now}
}

// SetMetrics attaches metrics to the dispatcher
func (d *Dispatcher) SetMetrics(metrics *Metrics) {
	d.metrics = metrics
}

// Publish stamps, records and fans out a message. Plain and morse messages
// require the sender's connection to be subscribed to the target room and
// never reach the broadcast or important rooms, which every identity follows.
func (d *Dispatcher) Publish(ctx context.Context, out Outgoing, opts PublishOptions) (*database.Message, error) {
	target := out.Target.Name()

	if routedByRoom(out.Class) && (out.Target.Kind == RoomBroadcast || out.Target.Kind == RoomImportant) {
		return nil, accessDenied("%s messages cannot be sent to %s", out.Class, target)
	}
	if routedByRoom(out.Class) && opts.From != nil && !opts.From.IsSubscribed(target) {
		return nil, fmt.Errorf("%w: %s", ErrNotFollowingRoom, target)
	}

	// Whisper, device and system rooms come into existence on first use
	if out.Target.Kind != RoomPublic {
		if _, err := d.rooms.EnsureRoom(ctx, out.Target); err != nil {
			return nil, err
		}
	}

	var mirror string
	if opts.AlsoMirrorTo != nil && opts.AlsoMirrorTo.Name() != target {
		mirror = opts.AlsoMirrorTo.Name()
		if _, err := d.rooms.EnsureRoom(ctx, *opts.AlsoMirrorTo); err != nil {
			return nil, err
		}
	}

	locked := []string{target}
	if mirror != "" {
		locked = append(locked, mirror)
	}
	unlock := d.rooms.LockRooms(locked...)
	defer unlock()

	msg := &database.Message{
		Room:   target,
		Sender: out.Sender,
		Text:   out.Text,
		Time:   d.now().UnixMilli(),
		Class:  out.Class,
		Meta:   out.Meta,
	}

	// A started append always runs to completion, even if the sender disconnects
	writeCtx := context.WithoutCancel(ctx)
	if err := d.store.AppendHistory(writeCtx, msg); err != nil {
		err = persistenceError("appendHistory", target, err)
		d.metrics.RecordPersistenceFailure("appendHistory")
		errorLog.Printf("Room %s: %v", target, err)
		return nil, err
	}

	var mirrorErr error
	if mirror != "" {
		mirrored := *msg
		mirrored.Seq = 0
		mirrored.Room = mirror
		if err := d.store.AppendHistory(writeCtx, &mirrored); err != nil {
			mirrorErr = persistenceError("appendHistory", mirror, err)
			d.metrics.RecordPersistenceFailure("appendHistory")
			errorLog.Printf("Room %s: mirror failed: %v", mirror, mirrorErr)
		}
	}

	d.fanOut(msg, opts)
	return msg, mirrorErr
}

// routedByRoom reports whether a class is delivered to a room the sender must follow
func routedByRoom(class string) bool {
	return class == ClassPlain || class == ClassMorse
}

// fanOut delivers a recorded message. Called with the target room locked so
// every subscriber sees one room's messages in append order.
func (d *Dispatcher) fanOut(msg *database.Message, opts PublishOptions) {
	start := time.Now()
	ev := MessageEvent(msg)

	recipients := d.subs.Subscribers(msg.Room)
	seen := make(map[string]struct{}, len(recipients)+1)
	var senderID string
	if opts.From != nil {
		senderID = opts.From.ID()
	}

	deliver := func(sess *Session) {
		if _, dup := seen[sess.ID()]; dup {
			return
		}
		seen[sess.ID()] = struct{}{}
		if err := sess.Conn.Send(ev); err != nil {
			debugLog.Printf("Conn %s: message %d not delivered: %v", sess.ID(), msg.Seq, err)
		}
	}

	for _, sess := range recipients {
		if sess.ID() == senderID && !opts.SelfEcho {
			continue
		}
		deliver(sess)
	}
	if opts.SelfEcho && opts.From != nil {
		deliver(opts.From)
	}

	d.metrics.RecordFanout(len(seen), time.Since(start))
}

// MessageEvent converts a history entry into its outbound event
func MessageEvent(msg *database.Message) *protocol.Message {
	return &protocol.Message{
		ID:     msg.Seq,
		Room:   msg.Room,
		Sender: msg.Sender,
		Text:   msg.Text,
		Time:   msg.Time,
		Class:  msg.Class,
		Meta:   json.RawMessage(msg.Meta),
	}
}
