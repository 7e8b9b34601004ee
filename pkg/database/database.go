package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion is the version recorded in schema_migrations by initSchema
const SchemaVersion = 1

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Allow multiple readers in WAL mode
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := configureConn(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// Create dedicated write connection (single connection, no pooling)
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0) // Never expire

	if err := configureConn(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func configureConn(conn *sql.DB) error {
	pragmas := []struct {
		stmt string
		what string
	}{
		// WAL allows multiple readers and one writer at the same time
		{"PRAGMA journal_mode = WAL", "enable WAL mode"},
		// Wait and retry instead of immediately failing with SQLITE_BUSY
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		// SQLite has foreign keys disabled by default
		{"PRAGMA foreign_keys = ON", "enable foreign keys"},
		{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
-- Identity table
CREATE TABLE IF NOT EXISTS Identity (
	name TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	access_level INTEGER NOT NULL DEFAULT 1,
	visibility_level INTEGER NOT NULL DEFAULT 1,
	verified INTEGER NOT NULL DEFAULT 0,
	banned INTEGER NOT NULL DEFAULT 0,
	online INTEGER NOT NULL DEFAULT 0,
	last_seen INTEGER NOT NULL DEFAULT 0,
	team TEXT,
	device_id TEXT,
	created_at INTEGER NOT NULL
);

-- Command catalog
CREATE TABLE IF NOT EXISTS Command (
	name TEXT PRIMARY KEY,
	access_level INTEGER NOT NULL,
	visibility_level INTEGER NOT NULL,
	category TEXT NOT NULL DEFAULT ''
);

-- Room table
CREATE TABLE IF NOT EXISTS Room (
	name TEXT PRIMARY KEY,
	access_level INTEGER NOT NULL DEFAULT 0,
	visibility_level INTEGER NOT NULL DEFAULT 0,
	password_hash TEXT,
	owner TEXT,
	created_at INTEGER NOT NULL
);

-- Identities banned from a room
CREATE TABLE IF NOT EXISTS RoomBan (
	room TEXT NOT NULL,
	identity TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (room, identity),
	FOREIGN KEY (room) REFERENCES Room(name) ON DELETE CASCADE
);

-- Rooms an identity follows
CREATE TABLE IF NOT EXISTS FollowedRoom (
	identity TEXT NOT NULL,
	room TEXT NOT NULL,
	followed_at INTEGER NOT NULL,
	PRIMARY KEY (identity, room),
	FOREIGN KEY (identity) REFERENCES Identity(name) ON DELETE CASCADE,
	FOREIGN KEY (room) REFERENCES Room(name) ON DELETE CASCADE
);

-- Per-room append-only history; seq breaks timestamp ties
CREATE TABLE IF NOT EXISTS History (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	room TEXT NOT NULL,
	sender TEXT NOT NULL,
	text TEXT NOT NULL,
	time INTEGER NOT NULL,
	class TEXT NOT NULL,
	meta TEXT,
	FOREIGN KEY (room) REFERENCES Room(name) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_room_owner ON Room(owner);
CREATE INDEX IF NOT EXISTS idx_followed_room ON FollowedRoom(room);
CREATE INDEX IF NOT EXISTS idx_history_room_time ON History(room, time, seq);
`
	if _, err := db.writeConn.Exec(schema); err != nil {
		return err
	}

	_, err := db.writeConn.Exec(`
		INSERT OR IGNORE INTO schema_migrations (version, applied_at) VALUES (?, ?)
	`, SchemaVersion, nowMillis())
	return err
}

// translateError maps SQLite failures onto the package sentinels
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// === Identity Operations ===

// CreateIdentity inserts a new identity (ErrAlreadyExists if the name is taken)
func (db *DB) CreateIdentity(ctx context.Context, ident *Identity) error {
	if ident.CreatedAt == 0 {
		ident.CreatedAt = nowMillis()
	}
	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Identity (name, password_hash, access_level, visibility_level, verified, banned,
		                      online, last_seen, team, device_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ident.Name, ident.PasswordHash, ident.AccessLevel, ident.VisibilityLevel,
		boolToInt(ident.Verified), boolToInt(ident.Banned), boolToInt(ident.Online),
		ident.LastSeen, ident.Team, ident.DeviceID, ident.CreatedAt)
	return translateError(err)
}

const identityColumns = `name, password_hash, access_level, visibility_level, verified, banned,
	online, last_seen, team, device_id, created_at`

func scanIdentity(row interface{ Scan(...any) error }) (*Identity, error) {
	var ident Identity
	var team, deviceID sql.NullString
	err := row.Scan(&ident.Name, &ident.PasswordHash, &ident.AccessLevel, &ident.VisibilityLevel,
		&ident.Verified, &ident.Banned, &ident.Online, &ident.LastSeen, &team, &deviceID, &ident.CreatedAt)
	if err != nil {
		return nil, err
	}
	if team.Valid {
		ident.Team = &team.String
	}
	if deviceID.Valid {
		ident.DeviceID = &deviceID.String
	}
	return &ident, nil
}

// GetIdentity retrieves an identity with its followed rooms
func (db *DB) GetIdentity(ctx context.Context, name string) (*Identity, error) {
	ident, err := scanIdentity(db.conn.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM Identity WHERE name = ?`, name))
	if err != nil {
		return nil, translateError(err)
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT room FROM FollowedRoom WHERE identity = ? ORDER BY room`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			return nil, err
		}
		ident.FollowedRooms = append(ident.FollowedRooms, room)
	}
	return ident, rows.Err()
}

// ListIdentities retrieves every identity with its followed rooms
func (db *DB) ListIdentities(ctx context.Context) ([]*Identity, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+identityColumns+` FROM Identity ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byName := make(map[string]*Identity)
	var identities []*Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		byName[ident.Name] = ident
		identities = append(identities, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	followRows, err := db.conn.QueryContext(ctx,
		`SELECT identity, room FROM FollowedRoom ORDER BY identity, room`)
	if err != nil {
		return nil, err
	}
	defer followRows.Close()

	for followRows.Next() {
		var name, room string
		if err := followRows.Scan(&name, &room); err != nil {
			return nil, err
		}
		if ident := byName[name]; ident != nil {
			ident.FollowedRooms = append(ident.FollowedRooms, room)
		}
	}
	return identities, followRows.Err()
}

func (db *DB) updateIdentity(ctx context.Context, name, set string, value any) error {
	result, err := db.writeConn.ExecContext(ctx,
		`UPDATE Identity SET `+set+` = ? WHERE name = ?`, value, name)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetIdentityOnline flips the online flag
func (db *DB) SetIdentityOnline(ctx context.Context, name string, online bool) error {
	return db.updateIdentity(ctx, name, "online", boolToInt(online))
}

// SetIdentityLastSeen records the last time the identity was seen online
func (db *DB) SetIdentityLastSeen(ctx context.Context, name string, lastSeen int64) error {
	return db.updateIdentity(ctx, name, "last_seen", lastSeen)
}

// SetIdentityBanned flips the banned flag
func (db *DB) SetIdentityBanned(ctx context.Context, name string, banned bool) error {
	return db.updateIdentity(ctx, name, "banned", boolToInt(banned))
}

// SetIdentityDevice binds (or clears, nil) the identity's device
func (db *DB) SetIdentityDevice(ctx context.Context, name string, deviceID *string) error {
	return db.updateIdentity(ctx, name, "device_id", deviceID)
}

// AddFollowedRoom adds a room to the identity's followed set (no-op if already followed)
func (db *DB) AddFollowedRoom(ctx context.Context, name, room string) error {
	_, err := db.writeConn.ExecContext(ctx, `
		INSERT OR IGNORE INTO FollowedRoom (identity, room, followed_at) VALUES (?, ?, ?)
	`, name, room, nowMillis())
	return translateError(err)
}

// RemoveFollowedRoom removes a room from the identity's followed set
func (db *DB) RemoveFollowedRoom(ctx context.Context, name, room string) error {
	_, err := db.writeConn.ExecContext(ctx,
		`DELETE FROM FollowedRoom WHERE identity = ? AND room = ?`, name, room)
	return err
}

// === Command Operations ===

// SeedCommand inserts a catalog entry unless one with that name already exists
func (db *DB) SeedCommand(ctx context.Context, cmd *Command) error {
	_, err := db.writeConn.ExecContext(ctx, `
		INSERT OR IGNORE INTO Command (name, access_level, visibility_level, category)
		VALUES (?, ?, ?, ?)
	`, cmd.Name, cmd.AccessLevel, cmd.VisibilityLevel, cmd.Category)
	return err
}

// GetCommand retrieves a catalog entry
func (db *DB) GetCommand(ctx context.Context, name string) (*Command, error) {
	var cmd Command
	err := db.conn.QueryRowContext(ctx, `
		SELECT name, access_level, visibility_level, category FROM Command WHERE name = ?
	`, name).Scan(&cmd.Name, &cmd.AccessLevel, &cmd.VisibilityLevel, &cmd.Category)
	if err != nil {
		return nil, translateError(err)
	}
	return &cmd, nil
}

// ListCommands retrieves the whole catalog sorted by name
func (db *DB) ListCommands(ctx context.Context) ([]*Command, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT name, access_level, visibility_level, category FROM Command ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []*Command
	for rows.Next() {
		var cmd Command
		if err := rows.Scan(&cmd.Name, &cmd.AccessLevel, &cmd.VisibilityLevel, &cmd.Category); err != nil {
			return nil, err
		}
		commands = append(commands, &cmd)
	}
	return commands, rows.Err()
}

// === Room Operations ===

// CreateRoom inserts a room (ErrAlreadyExists if the name is taken).
// History rows reference the room, so its log exists exactly when the room does.
func (db *DB) CreateRoom(ctx context.Context, room *Room) error {
	if room.CreatedAt == 0 {
		room.CreatedAt = nowMillis()
	}
	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Room (name, access_level, visibility_level, password_hash, owner, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, room.Name, room.AccessLevel, room.VisibilityLevel, room.PasswordHash, room.Owner, room.CreatedAt)
	return translateError(err)
}

const roomColumns = `name, access_level, visibility_level, password_hash, owner, created_at`

func scanRoom(row interface{ Scan(...any) error }) (*Room, error) {
	var room Room
	var passwordHash, owner sql.NullString
	err := row.Scan(&room.Name, &room.AccessLevel, &room.VisibilityLevel, &passwordHash, &owner, &room.CreatedAt)
	if err != nil {
		return nil, err
	}
	if passwordHash.Valid {
		room.PasswordHash = &passwordHash.String
	}
	if owner.Valid {
		room.Owner = &owner.String
	}
	return &room, nil
}

// GetRoom retrieves a room with its ban set
func (db *DB) GetRoom(ctx context.Context, name string) (*Room, error) {
	room, err := scanRoom(db.conn.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM Room WHERE name = ?`, name))
	if err != nil {
		return nil, translateError(err)
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT identity FROM RoomBan WHERE room = ? ORDER BY identity`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ident string
		if err := rows.Scan(&ident); err != nil {
			return nil, err
		}
		room.Banned = append(room.Banned, ident)
	}
	return room, rows.Err()
}

// ListRooms retrieves all rooms with their ban sets, sorted by name
func (db *DB) ListRooms(ctx context.Context) ([]*Room, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+roomColumns+` FROM Room ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byName := make(map[string]*Room)
	var rooms []*Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		byName[room.Name] = room
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	banRows, err := db.conn.QueryContext(ctx, `SELECT room, identity FROM RoomBan ORDER BY room, identity`)
	if err != nil {
		return nil, err
	}
	defer banRows.Close()

	for banRows.Next() {
		var roomName, ident string
		if err := banRows.Scan(&roomName, &ident); err != nil {
			return nil, err
		}
		if room := byName[roomName]; room != nil {
			room.Banned = append(room.Banned, ident)
		}
	}
	return rooms, banRows.Err()
}

// UpdateRoom persists the mutable room settings (levels and password)
func (db *DB) UpdateRoom(ctx context.Context, room *Room) error {
	result, err := db.writeConn.ExecContext(ctx, `
		UPDATE Room SET access_level = ?, visibility_level = ?, password_hash = ? WHERE name = ?
	`, room.AccessLevel, room.VisibilityLevel, room.PasswordHash, room.Name)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddRoomBan adds an identity to a room's ban set
func (db *DB) AddRoomBan(ctx context.Context, room, name string) error {
	_, err := db.writeConn.ExecContext(ctx, `
		INSERT OR IGNORE INTO RoomBan (room, identity, created_at) VALUES (?, ?, ?)
	`, room, name, nowMillis())
	return translateError(err)
}

// DeleteRoom removes a room together with its history, bans and followers in one transaction
func (db *DB) DeleteRoom(ctx context.Context, name string) error {
	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM History WHERE room = ?`,
		`DELETE FROM FollowedRoom WHERE room = ?`,
		`DELETE FROM RoomBan WHERE room = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, name); err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM Room WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// === History Operations ===

// AppendHistory appends a message to its room's log and assigns msg.Seq
func (db *DB) AppendHistory(ctx context.Context, msg *Message) error {
	text, err := json.Marshal(msg.Text)
	if err != nil {
		return fmt.Errorf("failed to encode message text: %w", err)
	}
	var meta *string
	if len(msg.Meta) > 0 {
		s := string(msg.Meta)
		meta = &s
	}

	result, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO History (room, sender, text, time, class, meta) VALUES (?, ?, ?, ?, ?, ?)
	`, msg.Room, msg.Sender, string(text), msg.Time, msg.Class, meta)
	if err != nil {
		return translateError(err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return err
	}
	msg.Seq = seq
	return nil
}

// History retrieves the logs of the given rooms, each in (time, seq) order.
// Rooms are concatenated in argument order; merging across rooms is the caller's job.
func (db *DB) History(ctx context.Context, rooms []string, filter HistoryFilter) ([]*Message, error) {
	var out []*Message
	for _, room := range rooms {
		msgs, err := db.roomHistory(ctx, room, filter)
		if err != nil {
			return nil, fmt.Errorf("room %s: %w", room, err)
		}
		out = append(out, msgs...)
	}
	return out, nil
}

func (db *DB) roomHistory(ctx context.Context, room string, filter HistoryFilter) ([]*Message, error) {
	query := `SELECT seq, room, sender, text, time, class, meta FROM History WHERE room = ?`
	args := []any{room}
	if filter.Since != nil {
		query += ` AND time > ?`
		args = append(args, *filter.Since)
	}
	// Newest first so LIMIT keeps the tail of the log
	query += ` ORDER BY time DESC, seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var messages []*Message

	for rows.Next() {
		msg := &Message{}
		var text string
		var meta sql.NullString

		if err := rows.Scan(&msg.Seq, &msg.Room, &msg.Sender, &text, &msg.Time, &msg.Class, &meta); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(text), &msg.Text); err != nil {
			return nil, fmt.Errorf("message %d: corrupt text: %w", msg.Seq, err)
		}
		if meta.Valid {
			msg.Meta = []byte(meta.String)
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// AllHistory loads every history entry in (time, seq) order
func (db *DB) AllHistory(ctx context.Context) ([]*Message, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT seq, room, sender, text, time, class, meta FROM History ORDER BY time ASC, seq ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// DeleteHistory clears a room's log without removing the room
func (db *DB) DeleteHistory(ctx context.Context, room string) error {
	_, err := db.writeConn.ExecContext(ctx, `DELETE FROM History WHERE room = ?`, room)
	return err
}

// RoomsOwnedBy returns the sorted names of the rooms owned by an identity
func (db *DB) RoomsOwnedBy(ctx context.Context, owner string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT name FROM Room WHERE owner = ? ORDER BY name`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
