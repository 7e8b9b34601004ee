package database

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func openTestDB(t testing.TB, path string) *MemDB {
	t.Helper()
	sqliteDB, err := Open(path)
	require.NoError(t, err)
	mem, err := NewMemDB(context.Background(), sqliteDB)
	require.NoError(t, err)
	return mem
}

func newTestMemDB(t testing.TB) (*MemDB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	mem := openTestDB(t, path)
	t.Cleanup(func() { mem.Close() })
	return mem, path
}

func strPtr(s string) *string { return &s }

func TestIdentityLifecycle(t *testing.T) {
	ctx := context.Background()
	mem, _ := newTestMemDB(t)

	require.NoError(t, mem.CreateIdentity(ctx, &Identity{Name: "alice", PasswordHash: "x", AccessLevel: 1, VisibilityLevel: 1}))

	err := mem.CreateIdentity(ctx, &Identity{Name: "alice", PasswordHash: "y"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = mem.GetIdentity(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mem.SetIdentityOnline(ctx, "alice", true))
	require.NoError(t, mem.SetIdentityLastSeen(ctx, "alice", 1234))
	require.NoError(t, mem.SetIdentityBanned(ctx, "alice", true))
	require.NoError(t, mem.SetIdentityDevice(ctx, "alice", strPtr("phone")))

	ident, err := mem.GetIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ident.Online)
	assert.True(t, ident.Banned)
	assert.Equal(t, int64(1234), ident.LastSeen)
	require.NotNil(t, ident.DeviceID)
	assert.Equal(t, "phone", *ident.DeviceID)

	assert.ErrorIs(t, mem.SetIdentityOnline(ctx, "nobody", true), ErrNotFound)
}

func TestGetIdentityReturnsCopy(t *testing.T) {
	ctx := context.Background()
	mem, _ := newTestMemDB(t)

	require.NoError(t, mem.CreateIdentity(ctx, &Identity{Name: "alice", PasswordHash: "x"}))
	require.NoError(t, mem.CreateRoom(ctx, &Room{Name: "public"}))
	require.NoError(t, mem.AddFollowedRoom(ctx, "alice", "public"))

	ident, err := mem.GetIdentity(ctx, "alice")
	require.NoError(t, err)
	ident.FollowedRooms[0] = "tampered"
	ident.AccessLevel = 99

	again, err := mem.GetIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"public"}, again.FollowedRooms)
	assert.Zero(t, again.AccessLevel)
}

func TestFollowedRoomsSurviveReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reload.db")

	mem := openTestDB(t, path)
	require.NoError(t, mem.CreateIdentity(ctx, &Identity{Name: "alice", PasswordHash: "x"}))
	for _, room := range []string{"public", "games", "music"} {
		require.NoError(t, mem.CreateRoom(ctx, &Room{Name: room}))
		require.NoError(t, mem.AddFollowedRoom(ctx, "alice", room))
	}
	require.NoError(t, mem.AddFollowedRoom(ctx, "alice", "games")) // idempotent
	require.NoError(t, mem.RemoveFollowedRoom(ctx, "alice", "music"))
	require.NoError(t, mem.SetIdentityOnline(ctx, "alice", true))
	require.NoError(t, mem.Close())

	reloaded := openTestDB(t, path)
	defer reloaded.Close()

	ident, err := reloaded.GetIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"games", "public"}, ident.FollowedRooms)
	assert.False(t, ident.Online, "nobody is online after a restart")
}

func TestFollowUnknownRoom(t *testing.T) {
	ctx := context.Background()
	mem, _ := newTestMemDB(t)

	require.NoError(t, mem.CreateIdentity(ctx, &Identity{Name: "alice", PasswordHash: "x"}))
	assert.ErrorIs(t, mem.AddFollowedRoom(ctx, "alice", "ghost"), ErrNotFound)
}

func TestSeedCommandKeepsExisting(t *testing.T) {
	ctx := context.Background()
	mem, _ := newTestMemDB(t)

	require.NoError(t, mem.SeedCommand(ctx, &Command{Name: "joinRoom", AccessLevel: 1, Category: "rooms"}))
	require.NoError(t, mem.SeedCommand(ctx, &Command{Name: "joinRoom", AccessLevel: 5}))
	require.NoError(t, mem.SeedCommand(ctx, &Command{Name: "banIdentity", AccessLevel: 4}))

	cmd, err := mem.GetCommand(ctx, "joinRoom")
	require.NoError(t, err)
	assert.Equal(t, 1, cmd.AccessLevel)
	assert.Equal(t, "rooms", cmd.Category)

	cmds, err := mem.ListCommands(ctx)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, "banIdentity", cmds[0].Name)

	_, err = mem.GetCommand(ctx, "dance")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoomLifecycle(t *testing.T) {
	ctx := context.Background()
	mem, path := newTestMemDB(t)

	require.NoError(t, mem.CreateIdentity(ctx, &Identity{Name: "alice", PasswordHash: "x"}))
	require.NoError(t, mem.CreateRoom(ctx, &Room{Name: "games", Owner: strPtr("alice"), AccessLevel: 1}))
	assert.ErrorIs(t, mem.CreateRoom(ctx, &Room{Name: "games"}), ErrAlreadyExists)

	owned, err := mem.RoomsOwnedBy(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"games"}, owned)

	hash := "hash"
	require.NoError(t, mem.UpdateRoom(ctx, &Room{Name: "games", AccessLevel: 2, VisibilityLevel: 3, PasswordHash: &hash}))
	require.NoError(t, mem.AddRoomBan(ctx, "games", "mallory"))

	room, err := mem.GetRoom(ctx, "games")
	require.NoError(t, err)
	assert.Equal(t, 2, room.AccessLevel)
	assert.Equal(t, 3, room.VisibilityLevel)
	require.NotNil(t, room.PasswordHash)
	assert.True(t, room.IsBanned("mallory"))
	assert.False(t, room.IsBanned("alice"))

	require.NoError(t, mem.AddFollowedRoom(ctx, "alice", "games"))
	require.NoError(t, mem.AppendHistory(ctx, &Message{Room: "games", Sender: "alice", Text: []string{"hi"}, Time: 10, Class: "plain"}))

	require.NoError(t, mem.DeleteRoom(ctx, "games"))

	_, err = mem.GetRoom(ctx, "games")
	assert.ErrorIs(t, err, ErrNotFound)
	ident, err := mem.GetIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, ident.FollowedRooms)
	owned, err = mem.RoomsOwnedBy(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, owned)

	// Recreating the room starts with an empty log, also on disk
	require.NoError(t, mem.CreateRoom(ctx, &Room{Name: "games"}))
	history, err := mem.History(ctx, []string{"games"}, HistoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, history)

	require.NoError(t, mem.Close())
	reloaded := openTestDB(t, path)
	defer reloaded.Close()
	history, err = reloaded.History(ctx, []string{"games"}, HistoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, history)

	assert.ErrorIs(t, reloaded.DeleteRoom(ctx, "ghost"), ErrNotFound)
}

func TestDeleteHistoryKeepsRoom(t *testing.T) {
	ctx := context.Background()
	mem, path := newTestMemDB(t)

	require.NoError(t, mem.CreateRoom(ctx, &Room{Name: "games"}))
	require.NoError(t, mem.CreateRoom(ctx, &Room{Name: "chess"}))
	for _, room := range []string{"games", "chess"} {
		require.NoError(t, mem.AppendHistory(ctx, &Message{Room: room, Sender: "alice", Text: []string{"hi"}, Time: 10, Class: "plain"}))
	}

	require.NoError(t, mem.DeleteHistory(ctx, "games"))

	_, err := mem.GetRoom(ctx, "games")
	require.NoError(t, err)
	history, err := mem.History(ctx, []string{"games", "chess"}, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "chess", history[0].Room)

	require.NoError(t, mem.Close())
	reloaded := openTestDB(t, path)
	defer reloaded.Close()
	history, err = reloaded.History(ctx, []string{"games"}, HistoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestAppendHistoryUnknownRoom(t *testing.T) {
	ctx := context.Background()
	mem, _ := newTestMemDB(t)

	err := mem.AppendHistory(ctx, &Message{Room: "ghost", Sender: "alice", Text: []string{"hi"}, Time: 1, Class: "plain"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistoryFilters(t *testing.T) {
	ctx := context.Background()
	mem, path := newTestMemDB(t)

	for _, room := range []string{"a1", "b1"} {
		require.NoError(t, mem.CreateRoom(ctx, &Room{Name: room}))
	}
	for i := 1; i <= 5; i++ {
		for _, room := range []string{"a1", "b1"} {
			require.NoError(t, mem.AppendHistory(ctx, &Message{
				Room: room, Sender: "alice", Text: []string{fmt.Sprintf("%s-%d", room, i)},
				Time: int64(i * 100), Class: "plain", Meta: []byte(`{"color":"red"}`),
			}))
		}
	}

	since := int64(300)
	got, err := mem.History(ctx, []string{"a1"}, HistoryFilter{Since: &since})
	require.NoError(t, err)
	require.Len(t, got, 2, "since is exclusive")
	assert.Equal(t, []string{"a1-4"}, got[0].Text)

	got, err = mem.History(ctx, []string{"a1", "b1"}, HistoryFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 4, "limit applies per room")
	assert.Equal(t, []string{"a1-4"}, got[0].Text)
	assert.Equal(t, []string{"b1-5"}, got[3].Text)

	// The SQLite layer answers the same queries identically
	require.NoError(t, mem.Close())
	sqliteDB, err := Open(path)
	require.NoError(t, err)
	defer sqliteDB.Close()

	fromDisk, err := sqliteDB.History(ctx, []string{"a1", "b1"}, HistoryFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, got, fromDisk)
}

// TestHistoryOrderProperty checks that a room's log is always returned in
// non-decreasing time order with append order breaking ties, both from
// memory and after a reload from SQLite.
func TestHistoryOrderProperty(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "order.db")
	mem := openTestDB(t, path)
	defer mem.Close()

	iteration := 0
	rapid.Check(t, func(rt *rapid.T) {
		iteration++
		room := fmt.Sprintf("room_%d", iteration)
		if err := mem.CreateRoom(ctx, &Room{Name: room}); err != nil {
			rt.Fatalf("create room: %v", err)
		}

		// Coarse timestamps so ties are common
		times := rapid.SliceOfN(rapid.Int64Range(0, 5), 1, 40).Draw(rt, "times")
		for i, ts := range times {
			msg := &Message{Room: room, Sender: "alice", Text: []string{fmt.Sprint(i)}, Time: ts, Class: "plain"}
			if err := mem.AppendHistory(ctx, msg); err != nil {
				rt.Fatalf("append: %v", err)
			}
		}

		got, err := mem.History(ctx, []string{room}, HistoryFilter{})
		if err != nil {
			rt.Fatalf("history: %v", err)
		}
		if len(got) != len(times) {
			rt.Fatalf("expected %d entries, got %d", len(times), len(got))
		}
		if !slices.IsSortedFunc(got, (*Message).Compare) {
			rt.Fatalf("history not in (time, seq) order")
		}

		fromDisk, err := mem.sqliteDB.History(ctx, []string{room}, HistoryFilter{})
		if err != nil {
			rt.Fatalf("sqlite history: %v", err)
		}
		for i := range got {
			if got[i].Seq != fromDisk[i].Seq {
				rt.Fatalf("memory and disk disagree at %d: %d != %d", i, got[i].Seq, fromDisk[i].Seq)
			}
		}
	})
}
