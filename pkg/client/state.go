package client

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/lo"
	_ "modernc.org/sqlite"
)

// State keeps what a client needs across runs: the device id, the last
// identity name and the resume token of the last login per server.
type State struct {
	db *sql.DB
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS Config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS ResumeToken (
	server TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	token TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// OpenState opens or creates the client state database
func OpenState(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(stateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state schema: %w", err)
	}

	return &State{db: db}, nil
}

func (s *State) Close() error {
	return s.db.Close()
}

// GetConfig retrieves a configuration value, empty when unset
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)", key, value)
	return err
}

func (s *State) GetLastName() string {
	name, _ := s.GetConfig("last_name")
	return name
}

func (s *State) SetLastName(name string) error {
	return s.SetConfig("last_name", name)
}

var deviceIDCharset = []rune("abcdefghijklmnopqrstuvwxyz0123456789")

// DeviceID returns this client's device id, generating it on first use
func (s *State) DeviceID() (string, error) {
	id, err := s.GetConfig("device_id")
	if err != nil || id != "" {
		return id, err
	}
	id = lo.RandomString(16, deviceIDCharset)
	if err := s.SetConfig("device_id", id); err != nil {
		return "", err
	}
	return id, nil
}

// ResumeToken returns the name and token saved for a server
func (s *State) ResumeToken(server string) (name, token string, err error) {
	err = s.db.QueryRow("SELECT name, token FROM ResumeToken WHERE server = ?", server).Scan(&name, &token)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	return name, token, err
}

func (s *State) SaveResumeToken(server, name, token string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ResumeToken (server, name, token, updated_at)
		VALUES (?, ?, ?, ?)
	`, server, name, token, time.Now().Unix())
	return err
}

// ForgetResumeToken drops the token for a server, used after an explicit logout
func (s *State) ForgetResumeToken(server string) error {
	_, err := s.db.Exec("DELETE FROM ResumeToken WHERE server = ?", server)
	return err
}
