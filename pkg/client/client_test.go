package client

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/aeolun/roomchat/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) string {
	t.Helper()
	config := server.DefaultConfig()
	config.TCPPort = 0
	config.SSHPort = -1
	config.HTTPPort = -1
	config.MetricsPort = -1
	config.ReplayChunkSize = 2
	config.DatabasePath = filepath.Join(t.TempDir(), "roomchat.db")

	srv, err := server.NewServer(context.Background(), config)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv.TCPAddr().String()
}

// inbox records pushed events
type inbox struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (b *inbox) handle(ev protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *inbox) messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, ev := range b.events {
		if msg, ok := ev.(*protocol.Message); ok {
			out = append(out, msg.Sender+": "+msg.Text[0])
		}
	}
	return out
}

func dial(t *testing.T, addr string) (*Client, *inbox) {
	t.Helper()
	box := &inbox{}
	c, err := Dial(addr, box.handle)
	require.NoError(t, err)
	c.Timeout = 5 * time.Second
	t.Cleanup(func() { c.Close() })
	return c, box
}

func TestClientConversation(t *testing.T) {
	addr := startServer(t)

	alice, _ := dial(t, addr)
	sess, err := alice.Register("alice", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.LoggedIn.Name)
	assert.Empty(t, sess.Missed)
	assert.Equal(t, "alice", alice.Name())

	bob, bobBox := dial(t, addr)
	_, err = bob.Register("bob", "secret123")
	require.NoError(t, err)

	require.NoError(t, alice.Join("public", nil))
	require.NoError(t, bob.Join("public", nil))

	echo, err := alice.Say("public", "hello")
	require.NoError(t, err)
	assert.Equal(t, "public", echo.Room)
	assert.Positive(t, echo.ID)

	require.Eventually(t, func() bool {
		return len(bobBox.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"alice: hello"}, bobBox.messages())

	whisper, err := bob.Whisper("Alice", "psst")
	require.NoError(t, err)
	assert.Equal(t, "alice-whisper", whisper.Room)

	history, err := alice.History(10)
	require.NoError(t, err)
	var texts []string
	for _, msg := range history {
		texts = append(texts, msg.Text[0])
	}
	assert.Equal(t, []string{"hello", "psst"}, texts)

	rooms, err := alice.Rooms()
	require.NoError(t, err)
	names := make([]string, 0, len(rooms))
	for _, room := range rooms {
		names = append(names, room.Name)
	}
	assert.Contains(t, names, "public")
	assert.Contains(t, names, "alice-whisper")
	assert.NotContains(t, names, "bob-whisper")
}

func TestClientServerErrors(t *testing.T) {
	addr := startServer(t)
	c, _ := dial(t, addr)

	_, err := c.Login("nobody", "secret123")
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "AuthorizationDenied", serverErr.Kind)

	_, err = c.Register("carol", "secret123")
	require.NoError(t, err)

	_, err = c.Say("public", "not following")
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "NotFollowingRoom", serverErr.Kind)

	err = c.Join("nowhere", nil)
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "NotFound", serverErr.Kind)

	// The connection stays usable after errors
	require.NoError(t, c.CreateRoom("carols", nil))
	_, err = c.Say("carols", "mine")
	require.NoError(t, err)
}

func TestClientResumeReplaysMissed(t *testing.T) {
	addr := startServer(t)

	first, _ := dial(t, addr)
	sess, err := first.Register("dave", "secret123")
	require.NoError(t, err)
	require.NoError(t, first.Join("public", nil))
	token := sess.LoggedIn.ResumeToken
	require.NoError(t, first.Close())
	<-first.Done()

	// Wait until the server has recorded dave as gone
	time.Sleep(100 * time.Millisecond)

	eve, _ := dial(t, addr)
	_, err = eve.Register("eve", "secret123")
	require.NoError(t, err)
	require.NoError(t, eve.Join("public", nil))
	for _, text := range []string{"one", "two", "three"} {
		_, err := eve.Say("public", text)
		require.NoError(t, err)
	}

	second, _ := dial(t, addr)
	resumed, err := second.Resume("dave", token, "laptop")
	require.NoError(t, err)
	var missed []string
	for _, msg := range resumed.Missed {
		missed = append(missed, msg.Text[0])
	}
	assert.Equal(t, []string{"one", "two", "three"}, missed)
}

func TestClientForcedLogout(t *testing.T) {
	addr := startServer(t)

	first, box := dial(t, addr)
	_, err := first.Register("frank", "secret123")
	require.NoError(t, err)

	second, _ := dial(t, addr)
	_, err = second.Login("frank", "secret123")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		box.mu.Lock()
		defer box.mu.Unlock()
		for _, ev := range box.events {
			if _, ok := ev.(*protocol.ForcedLogout); ok {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, first.Name())
	assert.Equal(t, "frank", second.Name())
}

func TestClientTimeout(t *testing.T) {
	addr := startServer(t)
	c, _ := dial(t, addr)
	_, err := c.Register("gina", "secret123")
	require.NoError(t, err)

	// Leaving your own whisper room is a silent no-op
	c.Timeout = 200 * time.Millisecond
	err = c.Leave("gina-whisper")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClientClosed(t *testing.T) {
	addr := startServer(t)
	c, _ := dial(t, addr)
	require.NoError(t, c.Close())
	<-c.Done()

	_, err := c.Login("hank", "secret123")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, c.Err(), "a local close is not an error")
}
