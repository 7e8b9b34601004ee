package database

import (
	"cmp"
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"
)

// MemDB is an in-memory front over SQLite.
// Every mutation is written to SQLite first and applied to memory only after
// the write succeeds, so anything readable from MemDB is durable.
type MemDB struct {
	mu sync.RWMutex

	// Core data
	identities map[string]*Identity
	commands   map[string]*Command
	rooms      map[string]*Room

	// Indexes for fast lookups
	historyByRoom map[string][]*Message // room -> messages sorted by (time, seq)
	roomsByOwner  map[string][]string   // owner -> sorted room names

	sqliteDB *DB
}

// NewMemDB creates a new in-memory database and loads initial state from SQLite
func NewMemDB(ctx context.Context, sqliteDB *DB) (*MemDB, error) {
	m := &MemDB{
		identities:    make(map[string]*Identity),
		commands:      make(map[string]*Command),
		rooms:         make(map[string]*Room),
		historyByRoom: make(map[string][]*Message),
		roomsByOwner:  make(map[string][]string),
		sqliteDB:      sqliteDB,
	}

	if err := m.loadFromSQLite(ctx); err != nil {
		return nil, fmt.Errorf("failed to load from SQLite: %w", err)
	}

	log.Printf("MemDB: initialized with %d identities, %d commands, %d rooms",
		len(m.identities), len(m.commands), len(m.rooms))

	return m, nil
}

// loadFromSQLite loads all data from SQLite into memory
func (m *MemDB) loadFromSQLite(ctx context.Context) error {
	startTotal := time.Now()

	identities, err := m.sqliteDB.ListIdentities(ctx)
	if err != nil {
		return fmt.Errorf("failed to load identities: %w", err)
	}
	for _, ident := range identities {
		// Nobody is online right after a restart
		ident.Online = false
		m.identities[ident.Name] = ident
	}

	commands, err := m.sqliteDB.ListCommands(ctx)
	if err != nil {
		return fmt.Errorf("failed to load commands: %w", err)
	}
	for _, cmd := range commands {
		m.commands[cmd.Name] = cmd
	}

	rooms, err := m.sqliteDB.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rooms: %w", err)
	}
	for _, room := range rooms {
		m.rooms[room.Name] = room
		if room.Owner != nil {
			m.roomsByOwner[*room.Owner] = insertSorted(m.roomsByOwner[*room.Owner], room.Name)
		}
	}

	startHistory := time.Now()
	messages, err := m.sqliteDB.AllHistory(ctx)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	// AllHistory is already in (time, seq) order
	for _, msg := range messages {
		m.historyByRoom[msg.Room] = append(m.historyByRoom[msg.Room], msg)
	}
	log.Printf("MemDB: loaded %d history entries in %v", len(messages), time.Since(startHistory))

	log.Printf("MemDB: total load time %v", time.Since(startTotal))
	return nil
}

// Close closes the underlying SQLite database
func (m *MemDB) Close() error {
	return m.sqliteDB.Close()
}

// === Identity Operations ===

// CreateIdentity inserts a new identity
func (m *MemDB) CreateIdentity(ctx context.Context, ident *Identity) error {
	if err := m.sqliteDB.CreateIdentity(ctx, ident); err != nil {
		return err
	}

	m.mu.Lock()
	m.identities[ident.Name] = ident.Clone()
	m.mu.Unlock()
	return nil
}

// GetIdentity retrieves an identity by name
func (m *MemDB) GetIdentity(ctx context.Context, name string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ident, exists := m.identities[name]
	if !exists {
		return nil, ErrNotFound
	}
	return ident.Clone(), nil
}

// mutateIdentity persists a change and then applies it to the cached record
func (m *MemDB) mutateIdentity(name string, persist func() error, apply func(*Identity)) error {
	m.mu.RLock()
	_, exists := m.identities[name]
	m.mu.RUnlock()
	if !exists {
		return ErrNotFound
	}

	if err := persist(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ident, ok := m.identities[name]; ok {
		apply(ident)
	}
	return nil
}

// SetIdentityOnline flips the online flag
func (m *MemDB) SetIdentityOnline(ctx context.Context, name string, online bool) error {
	return m.mutateIdentity(name,
		func() error { return m.sqliteDB.SetIdentityOnline(ctx, name, online) },
		func(ident *Identity) { ident.Online = online })
}

// SetIdentityLastSeen records the last time the identity was seen online
func (m *MemDB) SetIdentityLastSeen(ctx context.Context, name string, lastSeen int64) error {
	return m.mutateIdentity(name,
		func() error { return m.sqliteDB.SetIdentityLastSeen(ctx, name, lastSeen) },
		func(ident *Identity) { ident.LastSeen = lastSeen })
}

// SetIdentityBanned flips the banned flag
func (m *MemDB) SetIdentityBanned(ctx context.Context, name string, banned bool) error {
	return m.mutateIdentity(name,
		func() error { return m.sqliteDB.SetIdentityBanned(ctx, name, banned) },
		func(ident *Identity) { ident.Banned = banned })
}

// SetIdentityDevice binds (or clears) the identity's device
func (m *MemDB) SetIdentityDevice(ctx context.Context, name string, deviceID *string) error {
	return m.mutateIdentity(name,
		func() error { return m.sqliteDB.SetIdentityDevice(ctx, name, deviceID) },
		func(ident *Identity) {
			if deviceID == nil {
				ident.DeviceID = nil
				return
			}
			dev := *deviceID
			ident.DeviceID = &dev
		})
}

// AddFollowedRoom adds a room to the identity's followed set
func (m *MemDB) AddFollowedRoom(ctx context.Context, name, room string) error {
	m.mu.RLock()
	_, roomExists := m.rooms[room]
	m.mu.RUnlock()
	if !roomExists {
		return fmt.Errorf("%w: room %s", ErrNotFound, room)
	}

	return m.mutateIdentity(name,
		func() error { return m.sqliteDB.AddFollowedRoom(ctx, name, room) },
		func(ident *Identity) { ident.FollowedRooms = insertSorted(ident.FollowedRooms, room) })
}

// RemoveFollowedRoom removes a room from the identity's followed set
func (m *MemDB) RemoveFollowedRoom(ctx context.Context, name, room string) error {
	return m.mutateIdentity(name,
		func() error { return m.sqliteDB.RemoveFollowedRoom(ctx, name, room) },
		func(ident *Identity) { ident.FollowedRooms = removeSorted(ident.FollowedRooms, room) })
}

// === Command Operations ===

// SeedCommand inserts a catalog entry unless one with that name already exists
func (m *MemDB) SeedCommand(ctx context.Context, cmd *Command) error {
	if err := m.sqliteDB.SeedCommand(ctx, cmd); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.commands[cmd.Name]; !exists {
		c := *cmd
		m.commands[cmd.Name] = &c
	}
	return nil
}

// GetCommand retrieves a catalog entry
func (m *MemDB) GetCommand(ctx context.Context, name string) (*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cmd, exists := m.commands[name]
	if !exists {
		return nil, ErrNotFound
	}
	c := *cmd
	return &c, nil
}

// ListCommands returns the whole catalog sorted by name
func (m *MemDB) ListCommands(ctx context.Context) ([]*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	commands := make([]*Command, 0, len(m.commands))
	for _, cmd := range m.commands {
		c := *cmd
		commands = append(commands, &c)
	}
	slices.SortFunc(commands, func(a, b *Command) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return commands, nil
}

// === Room Operations ===

// CreateRoom inserts a room with an empty history log
func (m *MemDB) CreateRoom(ctx context.Context, room *Room) error {
	m.mu.RLock()
	_, exists := m.rooms[room.Name]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: room %s", ErrAlreadyExists, room.Name)
	}

	if err := m.sqliteDB.CreateRoom(ctx, room); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.Name] = room.Clone()
	m.historyByRoom[room.Name] = nil
	if room.Owner != nil {
		m.roomsByOwner[*room.Owner] = insertSorted(m.roomsByOwner[*room.Owner], room.Name)
	}
	return nil
}

// GetRoom retrieves a room by name
func (m *MemDB) GetRoom(ctx context.Context, name string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, exists := m.rooms[name]
	if !exists {
		return nil, ErrNotFound
	}
	return room.Clone(), nil
}

// ListRooms returns all rooms sorted by name
func (m *MemDB) ListRooms(ctx context.Context) ([]*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room.Clone())
	}
	slices.SortFunc(rooms, func(a, b *Room) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return rooms, nil
}

// RoomsOwnedBy returns the sorted names of the rooms owned by an identity
func (m *MemDB) RoomsOwnedBy(ctx context.Context, owner string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.roomsByOwner[owner]), nil
}

// UpdateRoom persists the mutable room settings (levels and password)
func (m *MemDB) UpdateRoom(ctx context.Context, room *Room) error {
	m.mu.RLock()
	_, exists := m.rooms[room.Name]
	m.mu.RUnlock()
	if !exists {
		return ErrNotFound
	}

	if err := m.sqliteDB.UpdateRoom(ctx, room); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.rooms[room.Name]; ok {
		updated := room.Clone()
		cached.AccessLevel = updated.AccessLevel
		cached.VisibilityLevel = updated.VisibilityLevel
		cached.PasswordHash = updated.PasswordHash
	}
	return nil
}

// AddRoomBan adds an identity to a room's ban set
func (m *MemDB) AddRoomBan(ctx context.Context, room, name string) error {
	m.mu.RLock()
	_, exists := m.rooms[room]
	m.mu.RUnlock()
	if !exists {
		return ErrNotFound
	}

	if err := m.sqliteDB.AddRoomBan(ctx, room, name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.rooms[room]; ok {
		cached.Banned = insertSorted(cached.Banned, name)
	}
	return nil
}

// DeleteRoom removes a room together with its history and followers
func (m *MemDB) DeleteRoom(ctx context.Context, name string) error {
	if err := m.sqliteDB.DeleteRoom(ctx, name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if room, ok := m.rooms[name]; ok && room.Owner != nil {
		owned := removeSorted(m.roomsByOwner[*room.Owner], name)
		if len(owned) == 0 {
			delete(m.roomsByOwner, *room.Owner)
		} else {
			m.roomsByOwner[*room.Owner] = owned
		}
	}
	delete(m.rooms, name)
	delete(m.historyByRoom, name)
	for _, ident := range m.identities {
		ident.FollowedRooms = removeSorted(ident.FollowedRooms, name)
	}
	return nil
}

// === History Operations ===

// AppendHistory appends a message to its room's log and assigns msg.Seq
func (m *MemDB) AppendHistory(ctx context.Context, msg *Message) error {
	m.mu.RLock()
	_, exists := m.rooms[msg.Room]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: room %s", ErrNotFound, msg.Room)
	}

	if err := m.sqliteDB.AppendHistory(ctx, msg); err != nil {
		return err
	}

	stored := *msg
	stored.Text = slices.Clone(msg.Text)
	stored.Meta = slices.Clone(msg.Meta)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[msg.Room]; !ok {
		// Room removed while the write was in flight
		return nil
	}
	entries := m.historyByRoom[msg.Room]
	// Appends are almost always newest; fall back to a sorted insert otherwise
	i, _ := slices.BinarySearchFunc(entries, &stored, (*Message).Compare)
	m.historyByRoom[msg.Room] = slices.Insert(entries, i, &stored)
	return nil
}

// History retrieves the logs of the given rooms, each in (time, seq) order.
// Rooms are concatenated in argument order; merging across rooms is the caller's job.
func (m *MemDB) History(ctx context.Context, rooms []string, filter HistoryFilter) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for _, room := range rooms {
		entries := m.historyByRoom[room]
		if filter.Since != nil {
			since := *filter.Since
			// First entry strictly newer than since
			start, _ := slices.BinarySearchFunc(entries, since, func(msg *Message, t int64) int {
				if msg.Time <= t {
					return -1
				}
				return 1
			})
			entries = entries[start:]
		}
		if filter.Limit > 0 && len(entries) > filter.Limit {
			entries = entries[len(entries)-filter.Limit:]
		}
		for _, msg := range entries {
			c := *msg
			out = append(out, &c)
		}
	}
	return out, nil
}

// DeleteHistory clears a room's log without removing the room
func (m *MemDB) DeleteHistory(ctx context.Context, room string) error {
	if err := m.sqliteDB.DeleteHistory(ctx, room); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.historyByRoom[room]; ok {
		m.historyByRoom[room] = nil
	}
	return nil
}
