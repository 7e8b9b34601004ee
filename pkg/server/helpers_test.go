package server

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aeolun/roomchat/pkg/database"
	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// recordingConn is a Conn that keeps every event sent to it
type recordingConn struct {
	id string

	mu     sync.Mutex
	events []protocol.Event
	closed bool
}

func newRecordingConn() *recordingConn {
	return &recordingConn{id: uuid.NewString()}
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(ev protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) Events() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Event(nil), c.events...)
}

func (c *recordingConn) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

func (c *recordingConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// eventsOf returns the recorded events of one type, in order
func eventsOf[T protocol.Event](c *recordingConn) []T {
	var out []T
	for _, ev := range c.Events() {
		if typed, ok := ev.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

// messageTexts flattens delivered chat messages to their first line
func messageTexts(c *recordingConn) []string {
	var out []string
	for _, msg := range eventsOf[*protocol.Message](c) {
		out = append(out, msg.Text[0])
	}
	return out
}

var errInjected = errors.New("injected store failure")

// failingStore wraps a Store and fails the named operations
type failingStore struct {
	Store

	mu   sync.Mutex
	fail map[string]func(arg string) bool
}

func newFailingStore(inner Store) *failingStore {
	return &failingStore{Store: inner, fail: make(map[string]func(string) bool)}
}

// FailOn makes op fail whenever match reports true for its key argument
// (nil matches everything).
func (s *failingStore) FailOn(op string, match func(arg string) bool) {
	if match == nil {
		match = func(string) bool { return true }
	}
	s.mu.Lock()
	s.fail[op] = match
	s.mu.Unlock()
}

func (s *failingStore) Heal() {
	s.mu.Lock()
	clear(s.fail)
	s.mu.Unlock()
}

func (s *failingStore) failing(op, arg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	match, ok := s.fail[op]
	return ok && match(arg)
}

func (s *failingStore) GetIdentity(ctx context.Context, name string) (*database.Identity, error) {
	if s.failing("GetIdentity", name) {
		return nil, errInjected
	}
	return s.Store.GetIdentity(ctx, name)
}

func (s *failingStore) AppendHistory(ctx context.Context, msg *database.Message) error {
	if s.failing("AppendHistory", msg.Room) {
		return errInjected
	}
	return s.Store.AppendHistory(ctx, msg)
}

func (s *failingStore) History(ctx context.Context, rooms []string, filter database.HistoryFilter) ([]*database.Message, error) {
	if s.failing("History", "") {
		return nil, errInjected
	}
	return s.Store.History(ctx, rooms, filter)
}

func (s *failingStore) AddFollowedRoom(ctx context.Context, name, room string) error {
	if s.failing("AddFollowedRoom", room) {
		return errInjected
	}
	return s.Store.AddFollowedRoom(ctx, name, room)
}

func (s *failingStore) SetIdentityLastSeen(ctx context.Context, name string, lastSeen int64) error {
	if s.failing("SetIdentityLastSeen", name) {
		return errInjected
	}
	return s.Store.SetIdentityLastSeen(ctx, name, lastSeen)
}

func (s *failingStore) DeleteHistory(ctx context.Context, room string) error {
	if s.failing("DeleteHistory", room) {
		return errInjected
	}
	return s.Store.DeleteHistory(ctx, room)
}

func (s *failingStore) DeleteRoom(ctx context.Context, name string) error {
	if s.failing("DeleteRoom", name) {
		return errInjected
	}
	return s.Store.DeleteRoom(ctx, name)
}

func (s *failingStore) ListCommands(ctx context.Context) ([]*database.Command, error) {
	if s.failing("ListCommands", "") {
		return nil, errInjected
	}
	return s.Store.ListCommands(ctx)
}

func testConfig() ServerConfig {
	config := DefaultConfig()
	config.TCPPort = -1
	config.SSHPort = -1
	config.HTTPPort = -1
	config.MetricsPort = -1
	config.ReplayChunkSize = 3
	return config
}

func newTestMemDB(t testing.TB) *database.MemDB {
	t.Helper()
	sqliteDB, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	mem, err := database.NewMemDB(context.Background(), sqliteDB)
	require.NoError(t, err)
	return mem
}

// newTestServer builds a server without listeners. Options adjust the config
// before seeding.
func newTestServer(t testing.TB, opts ...func(*ServerConfig)) *Server {
	t.Helper()
	srv, _ := newTestServerWithStore(t, opts...)
	return srv
}

// newTestServerWithStore also returns the failure-injecting store the server runs on
func newTestServerWithStore(t testing.TB, opts ...func(*ServerConfig)) (*Server, *failingStore) {
	t.Helper()
	mem := newTestMemDB(t)
	store := newFailingStore(mem)

	config := testConfig()
	for _, opt := range opts {
		opt(&config)
	}

	srv, err := newServer(context.Background(), store, config)
	require.NoError(t, err)
	srv.closer = mem
	t.Cleanup(func() { srv.Stop() })
	return srv, store
}

// connect registers an anonymous in-process connection
func connect(srv *Server) (*Session, *recordingConn) {
	conn := newRecordingConn()
	return srv.addConnection(conn, "127.0.0.1:1000", "test"), conn
}

const testPassword = "secret123"

// register connects and registers a new identity, discarding the login events
func register(t testing.TB, srv *Server, name string) (*Session, *recordingConn) {
	t.Helper()
	sess, conn := connect(srv)
	srv.handleEvent(sess, &protocol.Register{Name: name, Password: testPassword})
	require.Len(t, eventsOf[*protocol.LoggedIn](conn), 1, "register %s: %v", name, conn.Events())
	conn.Reset()
	return sess, conn
}

// login connects and logs an existing identity in, keeping the login events
func login(t testing.TB, srv *Server, name string) (*Session, *recordingConn) {
	t.Helper()
	sess, conn := connect(srv)
	srv.handleEvent(sess, &protocol.Login{Name: name, Password: testPassword})
	require.Len(t, eventsOf[*protocol.LoggedIn](conn), 1, "login %s: %v", name, conn.Events())
	return sess, conn
}

// registerAt creates an identity at the given level and logs it in
func registerAt(t testing.TB, srv *Server, name string, level int) (*Session, *recordingConn) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, srv.store.CreateIdentity(context.Background(), &database.Identity{
		Name:            name,
		PasswordHash:    string(hash),
		AccessLevel:     level,
		VisibilityLevel: level,
	}))
	sess, conn := login(t, srv, name)
	conn.Reset()
	return sess, conn
}

func identity(t testing.TB, srv *Server, name string) *database.Identity {
	t.Helper()
	ident, err := srv.store.GetIdentity(context.Background(), name)
	require.NoError(t, err)
	return ident
}

// lastError returns the kind of the most recent error event
func lastError(t testing.TB, conn *recordingConn) string {
	t.Helper()
	errs := eventsOf[*protocol.Error](conn)
	require.NotEmpty(t, errs, "expected an error event, got %v", conn.Events())
	return errs[len(errs)-1].Kind
}
