// Package store persists room transcripts, handoff summaries, room
// membership and telephony call status in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
    room_name  TEXT PRIMARY KEY,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transcripts (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    room_name TEXT,
    transcript TEXT,
    timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (room_name) REFERENCES rooms (room_name)
);

CREATE TABLE IF NOT EXISTS summaries (
    room_name  TEXT PRIMARY KEY,
    summary    TEXT,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (room_name) REFERENCES rooms (room_name)
);

CREATE TABLE IF NOT EXISTS room_members (
    room_name TEXT,
    identity  TEXT,
    joined_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (room_name, identity),
    FOREIGN KEY (room_name) REFERENCES rooms (room_name)
);

CREATE TABLE IF NOT EXISTS call_status (
    room_name       TEXT PRIMARY KEY,
    twilio_call_sid TEXT,
    status          TEXT,
    phone_number    TEXT,
    updated_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (room_name) REFERENCES rooms (room_name)
);
`

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// CallStatus tracks the state of an outbound telephony call for a room.
type CallStatus struct {
	RoomName    string    `json:"room_name"`
	CallSID     string    `json:"call_sid"`
	Status      string    `json:"status"`
	PhoneNumber string    `json:"phone_number"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is a SQLite-backed room store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite store at path and applies
// the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureRoom creates the room row if it does not exist.
func (s *Store) EnsureRoom(ctx context.Context, roomName string) error {
	if roomName == "" {
		return fmt.Errorf("room name is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO rooms (room_name) VALUES (?)`, roomName)
	if err != nil {
		return fmt.Errorf("ensure room %s: %w", roomName, err)
	}
	return nil
}

// AppendTranscript appends a transcript segment to the room's history.
func (s *Store) AppendTranscript(ctx context.Context, roomName, transcript string) error {
	if err := s.EnsureRoom(ctx, roomName); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts (room_name, transcript) VALUES (?, ?)`,
		roomName, transcript)
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE rooms SET updated_at = CURRENT_TIMESTAMP WHERE room_name = ?`, roomName)
	if err != nil {
		return fmt.Errorf("touch room: %w", err)
	}
	return nil
}

// Transcripts returns all transcript segments for a room in insertion order.
func (s *Store) Transcripts(ctx context.Context, roomName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT transcript FROM transcripts WHERE room_name = ? ORDER BY id`, roomName)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcripts: %w", err)
	}
	return out, nil
}

// Transcript returns the room's transcript segments joined by newlines.
func (s *Store) Transcript(ctx context.Context, roomName string) (string, error) {
	segments, err := s.Transcripts(ctx, roomName)
	if err != nil {
		return "", err
	}
	return strings.Join(segments, "\n"), nil
}

// SetSummary upserts the handoff summary for a room.
func (s *Store) SetSummary(ctx context.Context, roomName, summaryText string) error {
	if err := s.EnsureRoom(ctx, roomName); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO summaries (room_name, summary, updated_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP)`,
		roomName, summaryText)
	if err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	return nil
}

// Summary returns the room's summary, or empty string when none is stored.
func (s *Store) Summary(ctx context.Context, roomName string) (string, error) {
	var out string
	err := s.db.QueryRowContext(ctx,
		`SELECT summary FROM summaries WHERE room_name = ?`, roomName).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get summary: %w", err)
	}
	return out, nil
}

// AddRoomMember records an identity as a member of a room.
func (s *Store) AddRoomMember(ctx context.Context, roomName, identity string) error {
	if err := s.EnsureRoom(ctx, roomName); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO room_members (room_name, identity) VALUES (?, ?)`,
		roomName, identity)
	if err != nil {
		return fmt.Errorf("add room member: %w", err)
	}
	return nil
}

// IsRoomMember reports whether the identity is recorded as a room member.
func (s *Store) IsRoomMember(ctx context.Context, roomName, identity string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM room_members WHERE room_name = ? AND identity = ?`,
		roomName, identity).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check room member: %w", err)
	}
	return n > 0, nil
}

// SetCallStatus upserts the telephony call status for a room.
func (s *Store) SetCallStatus(ctx context.Context, cs CallStatus) error {
	if err := s.EnsureRoom(ctx, cs.RoomName); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO call_status
		   (room_name, twilio_call_sid, status, phone_number, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		cs.RoomName, cs.CallSID, cs.Status, cs.PhoneNumber)
	if err != nil {
		return fmt.Errorf("set call status: %w", err)
	}
	return nil
}

// CallStatus returns the stored call status for a room. ErrNotFound when
// no call has been recorded.
func (s *Store) CallStatus(ctx context.Context, roomName string) (CallStatus, error) {
	var cs CallStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT room_name, twilio_call_sid, status, phone_number, updated_at
		   FROM call_status WHERE room_name = ?`, roomName).
		Scan(&cs.RoomName, &cs.CallSID, &cs.Status, &cs.PhoneNumber, &cs.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CallStatus{}, ErrNotFound
	}
	if err != nil {
		return CallStatus{}, fmt.Errorf("get call status: %w", err)
	}
	return cs, nil
}
