package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB is the SQLite transcript archive. It is write-only from the server's
// point of view: nothing stored here is loaded back into MemDB on startup.
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
	runID     string  // Identifies the server process that wrote each row
}

// Open opens the SQLite archive at the given path and initializes the schema
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	// SQLite allows a single writer
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		runID:     uuid.NewString(),
	}

	if err := db.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", path).Str("run_id", db.runID).Msg("transcript archive opened")
	return db, nil
}

func applyPragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes both connections
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// RunID returns the identifier stamped on rows written by this process
func (db *DB) RunID() string {
	return db.runID
}

func (db *DB) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS Room (
	run_id TEXT NOT NULL,
	id INTEGER NOT NULL,
	name TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, id)
);

CREATE TABLE IF NOT EXISTS Message (
	run_id TEXT NOT NULL,
	id INTEGER NOT NULL,
	room_id INTEGER NOT NULL,
	room_name TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	author TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, id)
);

CREATE INDEX IF NOT EXISTS idx_message_room ON Message(run_id, room_id, sequence);
`
	_, err := db.writeConn.Exec(schema)
	return err
}

// User is a registered account. Users are never deleted.
type User struct {
	Username      string
	PasswordHash  string
	CurrentRoomID *int64 // nil when the user is not in any room
	CreatedAt     int64  // Unix timestamp in milliseconds
}

// Room is a named chat room. Several rooms may share a name.
type Room struct {
	ID           int64 // Creation index, unique per process
	Name         string
	NextSequence int
	CreatedAt    int64
}

// Message is an immutable entry in a room's log
type Message struct {
	ID        int64 // Position in the global log
	RoomID    int64
	RoomName  string
	Sequence  int
	Author    string
	Body      string
	CreatedAt int64
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// insertRooms writes rooms in one transaction
func (db *DB) insertRooms(rooms []*Room) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO Room (run_id, id, name, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare room insert: %w", err)
	}
	defer stmt.Close()

	for _, room := range rooms {
		if _, err := stmt.Exec(db.runID, room.ID, room.Name, room.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert room %d: %w", room.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// insertMessages performs batched multi-row INSERT OR REPLACE for messages
func (db *DB) insertMessages(messages []*Message) error {
	const fieldsPerMessage = 8
	const batchSize = 500

	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := 0; i < len(messages); i += batchSize {
		end := i + batchSize
		if end > len(messages) {
			end = len(messages)
		}
		batch := messages[i:end]

		var queryBuilder strings.Builder
		queryBuilder.WriteString(`INSERT OR REPLACE INTO Message
			(run_id, id, room_id, room_name, sequence, author, body, created_at)
			VALUES `)

		args := make([]interface{}, 0, len(batch)*fieldsPerMessage)
		for j, msg := range batch {
			if j > 0 {
				queryBuilder.WriteString(", ")
			}
			queryBuilder.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args,
				db.runID, msg.ID, msg.RoomID, msg.RoomName, msg.Sequence,
				msg.Author, msg.Body, msg.CreatedAt,
			)
		}

		if _, err := tx.Exec(queryBuilder.String(), args...); err != nil {
			return fmt.Errorf("failed to execute batch insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Transcript returns the archived messages of this run for a room ID in sequence order
func (db *DB) Transcript(roomID int64) ([]*Message, error) {
	rows, err := db.conn.Query(`
		SELECT id, room_id, room_name, sequence, author, body, created_at
		FROM Message
		WHERE run_id = ? AND room_id = ?
		ORDER BY sequence ASC
	`, db.runID, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.RoomName, &msg.Sequence, &msg.Author, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// ArchivedRoomNames returns the names of rooms archived by this run in creation order
func (db *DB) ArchivedRoomNames() ([]string, error) {
	rows, err := db.conn.Query(`SELECT name FROM Room WHERE run_id = ? ORDER BY id ASC`, db.runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
