package server

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/aeolun/roomchat/pkg/database"
	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func history(t testing.TB, srv *Server, rooms ...string) []*database.Message {
	t.Helper()
	msgs, err := srv.store.History(context.Background(), rooms, database.HistoryFilter{})
	require.NoError(t, err)
	return msgs
}

func TestPublishRequiresFollowing(t *testing.T) {
	srv := newTestServer(t)
	sess, conn := register(t, srv, "alice")

	say(srv, sess, "public", "hello?")
	assert.Equal(t, KindNotFollowingRoom, lastError(t, conn))
	assert.Empty(t, history(t, srv, "public"))
	assert.Empty(t, messageTexts(conn))
}

func TestPublishSelfEchoOnce(t *testing.T) {
	srv := newTestServer(t)
	alice, aliceConn := register(t, srv, "alice")
	bob, bobConn := register(t, srv, "bob")
	joinRoom(t, srv, alice, aliceConn, "public")
	joinRoom(t, srv, bob, bobConn, "public")

	say(srv, alice, "public", "hello")

	assert.Equal(t, []string{"hello"}, messageTexts(aliceConn))
	assert.Equal(t, []string{"hello"}, messageTexts(bobConn))

	recorded := history(t, srv, "public")
	require.Len(t, recorded, 1)
	delivered := eventsOf[*protocol.Message](bobConn)[0]
	assert.Equal(t, recorded[0].Seq, delivered.ID)
	assert.Equal(t, "alice", delivered.Sender)
	assert.Equal(t, ClassPlain, delivered.Class)
}

func TestPublishWithoutSelfEcho(t *testing.T) {
	srv := newTestServer(t)
	alice, aliceConn := register(t, srv, "alice")
	joinRoom(t, srv, alice, aliceConn, "public")

	_, err := srv.dispatcher.Publish(context.Background(), Outgoing{
		Sender: "alice",
		Target: PublicRoom("public"),
		Text:   []string{"quiet"},
		Class:  ClassPlain,
	}, PublishOptions{From: alice})
	require.NoError(t, err)

	assert.Empty(t, messageTexts(aliceConn))
	assert.Len(t, history(t, srv, "public"), 1)
}

func TestPublishOrderPerRoom(t *testing.T) {
	srv := newTestServer(t)
	alice, aliceConn := register(t, srv, "alice")
	bob, bobConn := register(t, srv, "bob")
	joinRoom(t, srv, alice, aliceConn, "public")
	joinRoom(t, srv, bob, bobConn, "public")

	texts := []string{"one", "two", "three", "four"}
	for _, text := range texts {
		say(srv, alice, "public", text)
	}

	assert.Equal(t, texts, messageTexts(bobConn))
	recorded := history(t, srv, "public")
	require.Len(t, recorded, len(texts))
	for i, msg := range recorded {
		assert.Equal(t, texts[i], msg.Text[0])
	}
}

// TestConcurrentPublishersShareOneOrder has several connections post to one
// room at once. Every subscriber must see the same order, and it must be the
// order the history holds.
func TestConcurrentPublishersShareOneOrder(t *testing.T) {
	srv := newTestServer(t)

	const publishers, perPublisher = 4, 25
	var sessions []*Session
	var conns []*recordingConn
	for i := range publishers + 2 {
		sess, conn := register(t, srv, fmt.Sprintf("user%d", i))
		joinRoom(t, srv, sess, conn, "public")
		sessions = append(sessions, sess)
		conns = append(conns, conn)
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, sess := range sessions[:publishers] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for n := range perPublisher {
				say(srv, sess, "public", fmt.Sprintf("p%d-%d", i, n))
			}
		}()
	}
	close(start)
	wg.Wait()

	recorded := history(t, srv, "public")
	require.Len(t, recorded, publishers*perPublisher)
	want := make([]int64, len(recorded))
	for i, msg := range recorded {
		want[i] = msg.Seq
	}

	for i, conn := range conns {
		msgs := eventsOf[*protocol.Message](conn)
		got := make([]int64, len(msgs))
		for j, msg := range msgs {
			got[j] = msg.ID
		}
		assert.Equal(t, want, got, "subscriber %d", i)
	}
}

func TestWhisperMirror(t *testing.T) {
	srv := newTestServer(t)
	_, bobConn := register(t, srv, "bob")
	alice, aliceConn := register(t, srv, "alice")

	srv.handleEvent(alice, &protocol.SendWhisper{RecipientName: "Bob", Text: []string{"psst"}})

	assert.Equal(t, []string{"psst"}, messageTexts(bobConn))
	assert.Equal(t, []string{"psst"}, messageTexts(aliceConn), "sender sees its whisper once")

	toBob := history(t, srv, "bob-whisper")
	require.Len(t, toBob, 1)
	assert.Equal(t, ClassWhisper, toBob[0].Class)
	assert.Equal(t, "alice", toBob[0].Sender)

	mirrored := history(t, srv, "alice-whisper")
	require.Len(t, mirrored, 1)
	assert.Equal(t, toBob[0].Text, mirrored[0].Text)
	assert.Equal(t, toBob[0].Time, mirrored[0].Time)
	assert.NotEqual(t, toBob[0].Seq, mirrored[0].Seq)
}

func TestWhisperUnknownRecipient(t *testing.T) {
	srv := newTestServer(t)
	alice, aliceConn := register(t, srv, "alice")

	srv.handleEvent(alice, &protocol.SendWhisper{RecipientName: "ghost", Text: []string{"hi"}})
	assert.Equal(t, KindNotFound, lastError(t, aliceConn))
	assert.Empty(t, history(t, srv, "alice-whisper"))
}

func TestPublishAppendFailureDeliversNothing(t *testing.T) {
	srv, store := newTestServerWithStore(t)
	alice, aliceConn := register(t, srv, "alice")
	bob, bobConn := register(t, srv, "bob")
	joinRoom(t, srv, alice, aliceConn, "public")
	joinRoom(t, srv, bob, bobConn, "public")

	store.FailOn("AppendHistory", func(room string) bool { return room == "public" })
	say(srv, alice, "public", "lost")

	assert.Equal(t, KindPersistenceFailure, lastError(t, aliceConn))
	assert.Empty(t, messageTexts(aliceConn))
	assert.Empty(t, messageTexts(bobConn))
	assert.Empty(t, history(t, srv, "public"))

	store.Heal()
	say(srv, alice, "public", "found")
	assert.Equal(t, []string{"found"}, messageTexts(bobConn))
}

func TestWhisperMirrorFailureStillDelivers(t *testing.T) {
	srv, store := newTestServerWithStore(t)
	_, bobConn := register(t, srv, "bob")
	alice, aliceConn := register(t, srv, "alice")

	store.FailOn("AppendHistory", func(room string) bool { return room == "alice-whisper" })
	srv.handleEvent(alice, &protocol.SendWhisper{RecipientName: "bob", Text: []string{"psst"}})

	assert.Equal(t, []string{"psst"}, messageTexts(bobConn))
	assert.Equal(t, KindPersistenceFailure, lastError(t, aliceConn))
	assert.Len(t, history(t, srv, "bob-whisper"), 1)
	assert.Empty(t, history(t, srv, "alice-whisper"))
}

func TestBroadcastReachesEveryone(t *testing.T) {
	srv := newTestServer(t)
	_, aliceConn := register(t, srv, "alice")
	_, bobConn := register(t, srv, "bob")
	op, opConn := registerAt(t, srv, "op", srv.config.Access.TrustedLevel)

	srv.handleEvent(op, &protocol.SendBroadcast{Text: []string{"maintenance at noon"}})

	for _, conn := range []*recordingConn{aliceConn, bobConn, opConn} {
		msgs := eventsOf[*protocol.Message](conn)
		require.Len(t, msgs, 1)
		assert.Equal(t, BroadcastRoom, msgs[0].Room)
		assert.Equal(t, ClassBroadcast, msgs[0].Class)
	}
	assert.Len(t, history(t, srv, BroadcastRoom), 1)
}

func TestImportantRequiresAdmin(t *testing.T) {
	srv := newTestServer(t)
	op, opConn := registerAt(t, srv, "op", srv.config.Access.TrustedLevel)

	srv.handleEvent(op, &protocol.SendImportant{Text: []string{"hear ye"}})
	denied := eventsOf[*protocol.CommandDenied](opConn)
	require.Len(t, denied, 1)
	assert.Equal(t, "sendImportant", denied[0].CommandName)
	assert.Empty(t, history(t, srv, ImportantRoom))

	admin, _ := registerAt(t, srv, "root", srv.config.Access.AdminLevel)
	srv.handleEvent(admin, &protocol.SendImportant{Text: []string{"hear ye"}})
	assert.Equal(t, []string{"hear ye"}, messageTexts(opConn))
}

// TestChatCannotTargetSystemRooms checks that plain and morse messages cannot
// reach the rooms every identity follows, whatever the sender's level.
func TestChatCannotTargetSystemRooms(t *testing.T) {
	srv := newTestServer(t)
	alice, aliceConn := register(t, srv, "alice")
	_, bobConn := register(t, srv, "bob")
	admin, adminConn := registerAt(t, srv, "root", srv.config.Access.AdminLevel)

	for _, sess := range []*Session{alice, admin} {
		conn := aliceConn
		if sess == admin {
			conn = adminConn
		}
		for _, room := range []string{ImportantRoom, BroadcastRoom, "Important"} {
			conn.Reset()
			srv.handleEvent(sess, &protocol.SendChatMessage{RoomName: room, Text: []string{"everyone look"}})
			assert.Equal(t, KindRoomAccessDenied, lastError(t, conn), "chat to %s", room)

			conn.Reset()
			srv.handleEvent(sess, &protocol.SendMorse{RoomName: room, Text: []string{". ."}})
			assert.Equal(t, KindRoomAccessDenied, lastError(t, conn), "morse to %s", room)
		}
	}

	assert.Empty(t, history(t, srv, ImportantRoom, BroadcastRoom))
	assert.Empty(t, messageTexts(bobConn))
}

// TestAdminRoomChat checks that the admin room takes plain chat from the
// administrators who joined it and nobody else.
func TestAdminRoomChat(t *testing.T) {
	srv := newTestServer(t)
	alice, aliceConn := register(t, srv, "alice")
	admin, adminConn := registerAt(t, srv, "root", srv.config.Access.AdminLevel)

	say(srv, alice, AdminRoom, "let me in")
	assert.Equal(t, KindNotFollowingRoom, lastError(t, aliceConn))
	srv.handleEvent(alice, &protocol.JoinRoom{RoomName: AdminRoom})
	assert.Equal(t, KindRoomAccessDenied, lastError(t, aliceConn))

	joinRoom(t, srv, admin, adminConn, AdminRoom)
	say(srv, admin, AdminRoom, "status ok")
	assert.Equal(t, []string{"status ok"}, messageTexts(adminConn))
	assert.Empty(t, messageTexts(aliceConn))

	recorded := history(t, srv, AdminRoom)
	require.Len(t, recorded, 1)
	assert.Equal(t, "root", recorded[0].Sender)
}

func TestMorseMessage(t *testing.T) {
	srv := newTestServer(t)
	alice, aliceConn := register(t, srv, "alice")
	joinRoom(t, srv, alice, aliceConn, "public")

	srv.handleEvent(alice, &protocol.SendMorse{RoomName: "public", Text: []string{"... --- ..."}})
	msgs := eventsOf[*protocol.Message](aliceConn)
	require.Len(t, msgs, 1)
	assert.Equal(t, ClassMorse, msgs[0].Class)
}

func TestFanOutSkipsClosedConnections(t *testing.T) {
	srv := newTestServer(t)
	alice, aliceConn := register(t, srv, "alice")
	bob, bobConn := register(t, srv, "bob")
	joinRoom(t, srv, alice, aliceConn, "public")
	joinRoom(t, srv, bob, bobConn, "public")

	require.NoError(t, bobConn.Close())
	say(srv, alice, "public", "anyone?")

	assert.Equal(t, []string{"anyone?"}, messageTexts(aliceConn))
	assert.Empty(t, eventsOf[*protocol.Error](aliceConn))
	assert.Len(t, history(t, srv, "public"), 1)
}
