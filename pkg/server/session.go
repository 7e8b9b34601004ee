package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/google/uuid"
)

// Session represents an active client connection
type Session struct {
	Conn       Conn
	RemoteAddr string
	Transport  string // "tcp", "ssh" or "ws"

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex // Protects identity and deviceID
	identity string       // "" while anonymous
	deviceID string

	// Rooms the connection is subscribed to for fan-out
	rooms map[string]struct{}
	subMu sync.RWMutex // Protects rooms
}

// NewSession wraps a connection. The session context is cancelled when the
// connection is removed from the registry.
func NewSession(conn Conn, remoteAddr, transport string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		Conn:       conn,
		RemoteAddr: remoteAddr,
		Transport:  transport,
		ctx:        ctx,
		cancel:     cancel,
		rooms:      make(map[string]struct{}),
	}
}

func (s *Session) ID() string { return s.Conn.ID() }

// Context is cancelled when the connection goes away
func (s *Session) Context() context.Context { return s.ctx }

// Identity returns the attached identity name ("" if anonymous)
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// DeviceID returns the device the identity attached from ("" if none)
func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

func (s *Session) bind(identity, deviceID string) {
	s.mu.Lock()
	s.identity = identity
	s.deviceID = deviceID
	s.mu.Unlock()
}

// IsSubscribed reports whether the connection receives fan-out for a room
func (s *Session) IsSubscribed(room string) bool {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	_, ok := s.rooms[room]
	return ok
}

// Rooms returns the rooms the connection is subscribed to
func (s *Session) Rooms() []string {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Registry owns the binding of connections to identities. At most one live
// connection is bound to an identity; a newer attach evicts the older one.
type Registry struct {
	store   Store
	subs    *subscriptionIndex
	locks   *keyedMutex // per identity
	metrics *Metrics

	mu         sync.RWMutex
	sessions   map[string]*Session // connection ID -> session
	byIdentity map[string]*Session // identity -> bound session
	tokens     map[string]string   // identity -> latest resume token
}

// NewRegistry creates a registry sharing the subscription index owned by the room manager.
func NewRegistry(store Store, subs *subscriptionIndex) *Registry {
	return &Registry{
		store:      store,
		subs:       subs,
		locks:      newKeyedMutex(),
		sessions:   make(map[string]*Session),
		byIdentity: make(map[string]*Session),
		tokens:     make(map[string]string),
	}
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// LockIdentity serializes mutations for one identity. Identity locks are
// always taken before room locks.
func (r *Registry) LockIdentity(name string) func() {
	return r.locks.Lock(name)
}

// Add registers a new anonymous connection
func (r *Registry) Add(sess *Session) {
	r.mu.Lock()
	r.sessions[sess.ID()] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.RecordActiveSessions(count)
	r.metrics.RecordSessionCreated()
}

// Get returns a session by connection ID
func (r *Registry) Get(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[connID]
	return sess, ok
}

// All returns every live connection
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IdentityOf returns the identity bound to a connection
func (r *Registry) IdentityOf(connID string) (string, bool) {
	sess, ok := r.Get(connID)
	if !ok {
		return "", false
	}
	name := sess.Identity()
	return name, name != ""
}

// SessionFor returns the live session bound to an identity
func (r *Registry) SessionFor(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byIdentity[name]
	return sess, ok
}

// ValidToken reports whether token is the latest resume token handed out for name
func (r *Registry) ValidToken(name, token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current, ok := r.tokens[name]
	return ok && current == token
}

// Attach binds an identity to a connection. Any other connection bound to the
// same identity is evicted first: last-seen is moved to now, and the old
// connection is unsubscribed from all non-device rooms, sent forcedLogout and
// unbound. Returns a fresh resume token.
// The caller detaches any identity sess is already bound to.
func (r *Registry) Attach(ctx context.Context, sess *Session, name, deviceID string) (string, error) {
	unlock := r.LockIdentity(name)
	defer unlock()

	// byIdentity only changes under the identity lock
	r.mu.RLock()
	prev, hadPrev := r.byIdentity[name]
	r.mu.RUnlock()
	hadPrev = hadPrev && prev != sess

	if hadPrev {
		// prev saw everything up to now live. One millisecond back so the
		// strictly-newer replay keeps messages stamped in this millisecond.
		if err := r.store.SetIdentityLastSeen(ctx, name, time.Now().UnixMilli()-1); err != nil {
			return "", persistenceError("setIdentityLastSeen", name, err)
		}
	}
	if err := r.store.SetIdentityOnline(ctx, name, true); err != nil {
		return "", persistenceError("setIdentityOnline", name, err)
	}
	var device *string
	if deviceID != "" {
		device = &deviceID
	}
	if err := r.store.SetIdentityDevice(ctx, name, device); err != nil {
		return "", persistenceError("setIdentityDevice", name, err)
	}

	if hadPrev {
		r.mu.Lock()
		delete(r.byIdentity, name)
		r.mu.Unlock()
		r.evict(prev, "logged in elsewhere")
	}

	token := uuid.NewString()
	sess.bind(name, deviceID)

	r.mu.Lock()
	r.byIdentity[name] = sess
	r.tokens[name] = token
	r.mu.Unlock()

	return token, nil
}

// evict invalidates a session that lost its identity to a newer attach. The
// connection stays open as an anonymous one.
func (r *Registry) evict(sess *Session, reason string) {
	r.subs.UnsubscribeAll(sess, func(room string) bool {
		ref, err := ParseRoomName(room)
		return err == nil && ref.Kind == RoomDevice
	})
	if err := sess.Conn.Send(&protocol.ForcedLogout{Reason: reason}); err != nil {
		debugLog.Printf("Conn %s: forcedLogout not delivered: %v", sess.ID(), err)
	}
	sess.bind("", "")
	r.metrics.RecordForcedLogout()
	log.Printf("Conn %s: forced logout (%s)", sess.ID(), reason)
}

// ForceLogout evicts the live session of an identity, if any
func (r *Registry) ForceLogout(ctx context.Context, name, reason string) bool {
	unlock := r.LockIdentity(name)
	defer unlock()

	r.mu.Lock()
	sess, ok := r.byIdentity[name]
	if ok {
		delete(r.byIdentity, name)
		delete(r.tokens, name)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.evict(sess, reason)
	r.markOffline(ctx, name)
	return true
}

// Detach unbinds the connection's identity, marking it offline with
// last-seen = now. Followed rooms are untouched. The connection itself stays
// registered.
func (r *Registry) Detach(ctx context.Context, sess *Session) error {
	name := sess.Identity()
	if name == "" {
		return nil
	}

	unlock := r.LockIdentity(name)
	defer unlock()
	return r.release(ctx, sess, name)
}

// release must be called with the identity lock held.
func (r *Registry) release(ctx context.Context, sess *Session, name string) error {
	r.subs.UnsubscribeAll(sess, nil)
	sess.bind("", "")

	r.mu.Lock()
	current, ok := r.byIdentity[name]
	owned := ok && current == sess
	if owned {
		delete(r.byIdentity, name)
	}
	r.mu.Unlock()

	// An evicted connection no longer owns the identity's online state
	if !owned {
		return nil
	}
	return r.markOffline(ctx, name)
}

func (r *Registry) markOffline(ctx context.Context, name string) error {
	if err := r.store.SetIdentityLastSeen(ctx, name, time.Now().UnixMilli()); err != nil {
		err = persistenceError("setIdentityLastSeen", name, err)
		errorLog.Printf("Identity %s: %v", name, err)
		return err
	}
	if err := r.store.SetIdentityOnline(ctx, name, false); err != nil {
		err = persistenceError("setIdentityOnline", name, err)
		errorLog.Printf("Identity %s: %v", name, err)
		return err
	}
	return nil
}

// Remove handles a disconnect: detaches the identity, cancels the
// connection's context and closes it.
func (r *Registry) Remove(sess *Session) {
	r.mu.Lock()
	_, ok := r.sessions[sess.ID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sess.ID())
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.RecordActiveSessions(count)
	r.metrics.RecordSessionDisconnected()

	sess.cancel()
	// The in-flight command context is gone; the offline write must still land
	if err := r.Detach(context.WithoutCancel(sess.ctx), sess); err != nil {
		errorLog.Printf("Conn %s: detach failed: %v", sess.ID(), err)
	}
	r.subs.UnsubscribeAll(sess, nil)
	sess.Conn.Close()
}

// CloseAll detaches and closes every connection
func (r *Registry) CloseAll() {
	for _, sess := range r.All() {
		r.Remove(sess)
	}
}

// subscriptionIndex is the room fan-out set: room -> connection ID -> session,
// mirrored by each session's own room set. It is owned by the RoomManager;
// the Registry only removes subscriptions on eviction and disconnect.
type subscriptionIndex struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Session
}

func newSubscriptionIndex() *subscriptionIndex {
	return &subscriptionIndex{rooms: make(map[string]map[string]*Session)}
}

func (x *subscriptionIndex) Subscribe(sess *Session, room string) {
	sess.subMu.Lock()
	sess.rooms[room] = struct{}{}
	sess.subMu.Unlock()

	x.mu.Lock()
	if x.rooms[room] == nil {
		x.rooms[room] = make(map[string]*Session)
	}
	x.rooms[room][sess.ID()] = sess
	x.mu.Unlock()
}

func (x *subscriptionIndex) Unsubscribe(sess *Session, room string) {
	sess.subMu.Lock()
	delete(sess.rooms, room)
	sess.subMu.Unlock()

	x.mu.Lock()
	x.removeLocked(sess.ID(), room)
	x.mu.Unlock()
}

// UnsubscribeAll removes the session from every room except those keep
// reports true for (nil keeps nothing). Returns the rooms removed.
func (x *subscriptionIndex) UnsubscribeAll(sess *Session, keep func(room string) bool) []string {
	sess.subMu.Lock()
	removed := make([]string, 0, len(sess.rooms))
	for room := range sess.rooms {
		if keep != nil && keep(room) {
			continue
		}
		removed = append(removed, room)
		delete(sess.rooms, room)
	}
	sess.subMu.Unlock()

	x.mu.Lock()
	for _, room := range removed {
		x.removeLocked(sess.ID(), room)
	}
	x.mu.Unlock()
	return removed
}

// DropRoom removes every subscription to a room and returns the former subscribers
func (x *subscriptionIndex) DropRoom(room string) []*Session {
	x.mu.Lock()
	subscribers := x.rooms[room]
	delete(x.rooms, room)
	x.mu.Unlock()

	result := make([]*Session, 0, len(subscribers))
	for _, sess := range subscribers {
		sess.subMu.Lock()
		delete(sess.rooms, room)
		sess.subMu.Unlock()
		result = append(result, sess)
	}
	return result
}

// Subscribers returns the sessions receiving fan-out for a room
func (x *subscriptionIndex) Subscribers(room string) []*Session {
	x.mu.RLock()
	defer x.mu.RUnlock()

	subscribers := x.rooms[room]
	if len(subscribers) == 0 {
		return nil
	}
	result := make([]*Session, 0, len(subscribers))
	for _, sess := range subscribers {
		result = append(result, sess)
	}
	return result
}

func (x *subscriptionIndex) removeLocked(connID, room string) {
	if subscribers := x.rooms[room]; subscribers != nil {
		delete(subscribers, connID)
		if len(subscribers) == 0 {
			delete(x.rooms, room)
		}
	}
}

var _ identityResolver = (*Registry)(nil)
