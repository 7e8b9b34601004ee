package database

import (
	"errors"
	"slices"
	"time"
)

var (
	// ErrNotFound indicates the identity, command or room does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a name collision on insert.
	ErrAlreadyExists = errors.New("already exists")
)

// Identity is a registered chat participant
type Identity struct {
	Name            string // lowercase, unique
	PasswordHash    string // bcrypt hash
	AccessLevel     int
	VisibilityLevel int
	Verified        bool
	Banned          bool
	Online          bool
	LastSeen        int64 // Unix timestamp in milliseconds
	Team            *string
	DeviceID        *string
	FollowedRooms   []string // sorted
	CreatedAt       int64    // Unix timestamp in milliseconds
}

// Clone returns a deep copy safe to hand out of the cache
func (i *Identity) Clone() *Identity {
	c := *i
	c.FollowedRooms = slices.Clone(i.FollowedRooms)
	if i.Team != nil {
		team := *i.Team
		c.Team = &team
	}
	if i.DeviceID != nil {
		dev := *i.DeviceID
		c.DeviceID = &dev
	}
	return &c
}

// Follows reports whether the identity follows the room
func (i *Identity) Follows(room string) bool {
	_, found := slices.BinarySearch(i.FollowedRooms, room)
	return found
}

// Command is a command catalog entry
type Command struct {
	Name            string
	AccessLevel     int
	VisibilityLevel int
	Category        string
}

// Room is a named chat room
type Room struct {
	Name            string // lowercase, unique
	AccessLevel     int
	VisibilityLevel int
	PasswordHash    *string // bcrypt hash, nil when the room is open
	Owner           *string
	Banned          []string // sorted identity names
	CreatedAt       int64    // Unix timestamp in milliseconds
}

// Clone returns a deep copy safe to hand out of the cache
func (r *Room) Clone() *Room {
	c := *r
	c.Banned = slices.Clone(r.Banned)
	if r.PasswordHash != nil {
		hash := *r.PasswordHash
		c.PasswordHash = &hash
	}
	if r.Owner != nil {
		owner := *r.Owner
		c.Owner = &owner
	}
	return &c
}

// IsBanned reports whether the identity is banned from the room
func (r *Room) IsBanned(name string) bool {
	_, found := slices.BinarySearch(r.Banned, name)
	return found
}

// Message is one entry of a room's history log.
// Seq is assigned by the store on append and breaks timestamp ties.
type Message struct {
	Seq    int64
	Room   string
	Sender string
	Text   []string
	Time   int64 // Unix timestamp in milliseconds
	Class  string
	Meta   []byte // opaque JSON rendering hints
}

// Compare orders messages by time, then by append order
func (m *Message) Compare(other *Message) int {
	if m.Time != other.Time {
		if m.Time < other.Time {
			return -1
		}
		return 1
	}
	switch {
	case m.Seq < other.Seq:
		return -1
	case m.Seq > other.Seq:
		return 1
	}
	return 0
}

// HistoryFilter narrows a history query.
// Since keeps only entries strictly newer than the given time.
// Limit keeps only the newest N entries of each room (0 = unlimited).
type HistoryFilter struct {
	Since *int64
	Limit int
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func insertSorted(list []string, v string) []string {
	i, found := slices.BinarySearch(list, v)
	if found {
		return list
	}
	return slices.Insert(list, i, v)
}

func removeSorted(list []string, v string) []string {
	i, found := slices.BinarySearch(list, v)
	if !found {
		return list
	}
	return slices.Delete(list, i, i+1)
}
