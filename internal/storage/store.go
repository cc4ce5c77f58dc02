// Package storage is the embedded SQLite persistence layer for the LAN chat
// server: rooms, memberships, event history, stored-file metadata, and room
// bans. The peer transport keeps no durable store and never touches this
// package.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"peerchat/internal/protocol"
)

const defaultBusyTimeout = 5000

// Store wraps the SQLite handle and exposes helper methods used by the server.
type Store struct {
	db *sql.DB
}

// Room represents a row in the rooms table. Members are loaded separately
// and attached by LoadRooms.
type Room struct {
	RoomID       string
	Name         string
	Creator      string
	PasswordHash string
	PasswordSalt string
	Public       bool
	CreatedAt    int64
	Topic        string
	Members      map[string]string // username -> role
}

// StoredFile is one completed, content-addressed file transfer.
type StoredFile struct {
	FileID     string `json:"file_id"`
	RoomID     string `json:"room_id"`
	Sender     string `json:"sender"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum"`
	StoredName string `json:"-"` // server-side name, never sent to clients
	UploadedAt int64  `json:"uploaded_at"`
}

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "peerchat.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			room_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			creator TEXT NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			password_salt TEXT NOT NULL DEFAULT '',
			public INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			topic TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS members (
			room_id TEXT NOT NULL,
			username TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			joined_at INTEGER NOT NULL,
			PRIMARY KEY (room_id, username),
			FOREIGN KEY(room_id) REFERENCES rooms(room_id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_room_ts ON events(room_id, timestamp);`,
		`CREATE TABLE IF NOT EXISTS files (
			file_id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			filename TEXT NOT NULL,
			size INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			stored_name TEXT NOT NULL,
			uploaded_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS banned (
			room_id TEXT NOT NULL,
			username TEXT NOT NULL,
			banned_by TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			banned_at INTEGER NOT NULL,
			PRIMARY KEY (room_id, username)
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveRoom inserts or replaces a room row. Membership rows are managed
// separately via AddMember and RemoveMember.
func (s *Store) SaveRoom(ctx context.Context, r *Room) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO rooms(room_id, name, creator, password_hash, password_salt, public, created_at, topic)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RoomID, r.Name, r.Creator, r.PasswordHash, r.PasswordSalt, boolToInt(r.Public), r.CreatedAt, r.Topic)
	return err
}

// LoadRooms returns every persisted room with its membership map attached.
func (s *Store) LoadRooms(ctx context.Context) ([]*Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, name, creator, password_hash, password_salt, public, created_at, topic FROM rooms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*Room
	for rows.Next() {
		var r Room
		var public int
		if err := rows.Scan(&r.RoomID, &r.Name, &r.Creator, &r.PasswordHash, &r.PasswordSalt, &public, &r.CreatedAt, &r.Topic); err != nil {
			return nil, err
		}
		r.Public = public != 0
		rooms = append(rooms, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range rooms {
		members, err := s.LoadMembers(ctx, r.RoomID)
		if err != nil {
			return nil, err
		}
		r.Members = members
	}
	return rooms, nil
}

// DeleteRoom removes the room and everything keyed to it.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, table := range []string{"members", "events", "files", "banned", "rooms"} {
		if _, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE room_id=?`, table), roomID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AddMember records (or refreshes) a membership row.
func (s *Store) AddMember(ctx context.Context, roomID, username, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO members(room_id, username, role, joined_at) VALUES(?, ?, ?, ?)`,
		roomID, username, role, protocol.NowMs())
	return err
}

// RemoveMember drops a membership row if one exists.
func (s *Store) RemoveMember(ctx context.Context, roomID, username string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM members WHERE room_id=? AND username=?`, roomID, username)
	return err
}

// LoadMembers returns the username to role mapping for one room.
func (s *Store) LoadMembers(ctx context.Context, roomID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, role FROM members WHERE room_id=?`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	members := make(map[string]string)
	for rows.Next() {
		var username, role string
		if err := rows.Scan(&username, &role); err != nil {
			return nil, err
		}
		members[username] = role
	}
	return members, rows.Err()
}

// IsBanned reports whether a username is on the room's ban list.
func (s *Store) IsBanned(ctx context.Context, roomID, username string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM banned WHERE room_id=? AND username=?`, roomID, username)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// BanMember revokes membership and records the ban in one transaction.
func (s *Store) BanMember(ctx context.Context, roomID, username, bannedBy, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM members WHERE room_id=? AND username=?`, roomID, username); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO banned(room_id, username, banned_by, reason, banned_at) VALUES(?, ?, ?, ?, ?)`,
		roomID, username, bannedBy, reason, protocol.NowMs()); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveEvent persists one immutable room event. Duplicate event ids are
// ignored rather than treated as errors.
func (s *Store) SaveEvent(ctx context.Context, ev *protocol.ChatEvent) error {
	content, err := json.Marshal(ev.Content)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events(event_id, room_id, sender, type, content, timestamp) VALUES(?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.RoomID, ev.Sender, ev.Type, string(content), ev.Timestamp)
	return err
}

// History returns up to limit most-recent events for a room, oldest first.
func (s *Store) History(ctx context.Context, roomID string, limit int) ([]*protocol.ChatEvent, error) {
	if limit <= 0 || limit > protocol.MaxHistory {
		limit = protocol.MaxHistory
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, room_id, sender, type, content, timestamp
		 FROM events WHERE room_id=? ORDER BY timestamp DESC, event_id DESC LIMIT ?`,
		roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*protocol.ChatEvent
	for rows.Next() {
		var ev protocol.ChatEvent
		var content string
		if err := rows.Scan(&ev.EventID, &ev.RoomID, &ev.Sender, &ev.Type, &content, &ev.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(content), &ev.Content); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// query returns newest first, flip to chronological order for replay
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// SaveFile records metadata for a completed transfer.
func (s *Store) SaveFile(ctx context.Context, f *StoredFile) error {
	if f.UploadedAt == 0 {
		f.UploadedAt = protocol.NowMs()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO files(file_id, room_id, sender, filename, size, checksum, stored_name, uploaded_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		f.FileID, f.RoomID, f.Sender, f.Filename, f.Size, f.Checksum, f.StoredName, f.UploadedAt)
	return err
}

// ListFiles returns a room's stored files, newest first.
func (s *Store) ListFiles(ctx context.Context, roomID string) ([]*StoredFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id, room_id, sender, filename, size, checksum, stored_name, uploaded_at
		 FROM files WHERE room_id=? ORDER BY uploaded_at DESC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var files []*StoredFile
	for rows.Next() {
		var f StoredFile
		if err := rows.Scan(&f.FileID, &f.RoomID, &f.Sender, &f.Filename, &f.Size, &f.Checksum, &f.StoredName, &f.UploadedAt); err != nil {
			return nil, err
		}
		files = append(files, &f)
	}
	return files, rows.Err()
}

// GetFile fetches one file's metadata by id. Returns nil when not found.
func (s *Store) GetFile(ctx context.Context, fileID string) (*StoredFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT file_id, room_id, sender, filename, size, checksum, stored_name, uploaded_at
		 FROM files WHERE file_id=?`, fileID)
	var f StoredFile
	if err := row.Scan(&f.FileID, &f.RoomID, &f.Sender, &f.Filename, &f.Size, &f.Checksum, &f.StoredName, &f.UploadedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
