package database

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrUserNotFound indicates no user is registered under the name.
	ErrUserNotFound = errors.New("user not found")
	// ErrRoomNotFound indicates no room exists with the name.
	ErrRoomNotFound = errors.New("room not found")
	// ErrNotInRoom indicates the user's current room is not the named room.
	ErrNotInRoom = errors.New("user not in room")
)

// Stats is a point-in-time count of store contents
type Stats struct {
	Users    int
	Rooms    int
	Messages int
}

// MemDB holds every user, room and message in memory behind one RWMutex.
// Optionally it streams new rooms and messages to a SQLite archive.
type MemDB struct {
	mu sync.RWMutex

	// Core data
	users    map[string]*User
	rooms    []*Room    // creation order
	messages []*Message // global append order

	// Indexes
	usernames      []string         // ascending
	roomsByName    map[string]*Room // earliest-created room per name
	messagesByRoom map[int64][]int  // roomID -> positions in messages

	// Archive queue, drained by flushLoop
	pendingRooms    []*Room
	pendingMessages []*Message

	archive       *DB
	flushInterval time.Duration
	shutdown      chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
}

// NewMemDB creates an empty store. When archive is non-nil, new rooms and
// messages are written to it every flushInterval and once more on Close.
func NewMemDB(archive *DB, flushInterval time.Duration) *MemDB {
	m := &MemDB{
		users:          make(map[string]*User),
		roomsByName:    make(map[string]*Room),
		messagesByRoom: make(map[int64][]int),
		archive:        archive,
		flushInterval:  flushInterval,
		shutdown:       make(chan struct{}),
	}

	if archive != nil {
		if m.flushInterval <= 0 {
			m.flushInterval = 30 * time.Second
		}
		m.wg.Add(1)
		go m.flushLoop()
	}

	return m
}

// flushLoop periodically writes queued rows to the archive
func (m *MemDB) flushLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Flush(); err != nil {
				log.Error().Err(err).Msg("archive flush failed")
			}
		case <-m.shutdown:
			if err := m.Flush(); err != nil {
				log.Error().Err(err).Msg("final archive flush failed")
			} else {
				log.Info().Msg("final archive flush completed")
			}
			return
		}
	}
}

// Flush writes queued rooms and messages to the archive. Rows that fail to
// write are queued again for the next attempt.
func (m *MemDB) Flush() error {
	if m.archive == nil {
		return nil
	}
	start := time.Now()

	m.mu.Lock()
	rooms := m.pendingRooms
	messages := m.pendingMessages
	m.pendingRooms = nil
	m.pendingMessages = nil
	m.mu.Unlock()

	if len(rooms) == 0 && len(messages) == 0 {
		return nil
	}

	// Rooms first so every archived message has its room row
	if len(rooms) > 0 {
		if err := m.archive.insertRooms(rooms); err != nil {
			m.requeue(rooms, messages)
			return err
		}
	}
	if len(messages) > 0 {
		if err := m.archive.insertMessages(messages); err != nil {
			m.requeue(nil, messages)
			return err
		}
	}

	log.Debug().
		Int("rooms", len(rooms)).
		Int("messages", len(messages)).
		Dur("took", time.Since(start)).
		Msg("archive flush completed")
	return nil
}

func (m *MemDB) requeue(rooms []*Room, messages []*Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingRooms = append(rooms, m.pendingRooms...)
	m.pendingMessages = append(messages, m.pendingMessages...)
}

// Close stops the flush loop after a final flush. Safe to call more than once.
func (m *MemDB) Close() error {
	m.closeOnce.Do(func() {
		close(m.shutdown)
	})
	m.wg.Wait()
	return nil
}

// === User Operations ===

// AddUser registers a user, or replaces the password hash of an existing one.
// Returns true when a new user was created.
func (m *MemDB) AddUser(username, passwordHash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user, ok := m.users[username]; ok {
		user.PasswordHash = passwordHash
		return false
	}

	m.users[username] = &User{
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    nowMillis(),
	}

	i := sort.SearchStrings(m.usernames, username)
	m.usernames = append(m.usernames, "")
	copy(m.usernames[i+1:], m.usernames[i:])
	m.usernames[i] = username
	return true
}

// UserCount returns the number of registered users
func (m *MemDB) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

// GetUser returns a copy of the named user
func (m *MemDB) GetUser(username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}

	userCopy := *user
	if user.CurrentRoomID != nil {
		roomID := *user.CurrentRoomID
		userCopy.CurrentRoomID = &roomID
	}
	return &userCopy, nil
}

// ListUsers returns all usernames in ascending order
func (m *MemDB) ListUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, len(m.usernames))
	copy(names, m.usernames)
	return names
}

// === Room Operations ===

// CreateRoom appends a new room. Duplicate names are allowed; lookups by
// name keep resolving to the earliest room with that name.
func (m *MemDB) CreateRoom(name string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	room := &Room{
		ID:        int64(len(m.rooms)),
		Name:      name,
		CreatedAt: nowMillis(),
	}
	m.rooms = append(m.rooms, room)
	if _, exists := m.roomsByName[name]; !exists {
		m.roomsByName[name] = room
	}
	if m.archive != nil {
		m.pendingRooms = append(m.pendingRooms, room)
	}

	roomCopy := *room
	return &roomCopy
}

// GetRoom returns a copy of the room a name resolves to
func (m *MemDB) GetRoom(name string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.roomsByName[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	roomCopy := *room
	return &roomCopy, nil
}

// ListRooms returns every room name in creation order
func (m *MemDB) ListRooms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, len(m.rooms))
	for i, room := range m.rooms {
		names[i] = room.Name
	}
	return names
}

// EnterRoom makes the room the user's current room if the user has none.
// A user already in a room keeps it; changed reports whether membership moved.
func (m *MemDB) EnterRoom(username, roomName string) (changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.roomsByName[roomName]
	if !ok {
		return false, ErrRoomNotFound
	}
	user, ok := m.users[username]
	if !ok {
		return false, ErrUserNotFound
	}

	if user.CurrentRoomID != nil {
		return false, nil
	}
	roomID := room.ID
	user.CurrentRoomID = &roomID
	return true, nil
}

// LeaveRoom clears the user's current room if it is the named room
func (m *MemDB) LeaveRoom(username, roomName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.roomsByName[roomName]
	if !ok {
		return ErrRoomNotFound
	}
	user, ok := m.users[username]
	if !ok {
		return ErrUserNotFound
	}
	if !inRoom(user, room) {
		return ErrNotInRoom
	}

	user.CurrentRoomID = nil
	return nil
}

// UsersInRoom returns, in ascending order, the users whose current room is the named room
func (m *MemDB) UsersInRoom(roomName string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := []string{}
	room, ok := m.roomsByName[roomName]
	if !ok {
		return names
	}
	for _, username := range m.usernames {
		if inRoom(m.users[username], room) {
			names = append(names, username)
		}
	}
	return names
}

func inRoom(user *User, room *Room) bool {
	return user.CurrentRoomID != nil && *user.CurrentRoomID == room.ID
}

// === Message Operations ===

// PostMessage appends a message to the named room. The room's sequence number
// is assigned and advanced in the same critical section as the append.
func (m *MemDB) PostMessage(roomName, author, body string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.roomsByName[roomName]
	if !ok {
		return nil, ErrRoomNotFound
	}
	user, ok := m.users[author]
	if !ok {
		return nil, ErrUserNotFound
	}
	if !inRoom(user, room) {
		return nil, ErrNotInRoom
	}

	msg := &Message{
		ID:        int64(len(m.messages)),
		RoomID:    room.ID,
		RoomName:  room.Name,
		Sequence:  room.NextSequence,
		Author:    author,
		Body:      body,
		CreatedAt: nowMillis(),
	}
	room.NextSequence++

	m.messagesByRoom[room.ID] = append(m.messagesByRoom[room.ID], len(m.messages))
	m.messages = append(m.messages, msg)
	if m.archive != nil {
		m.pendingMessages = append(m.pendingMessages, msg)
	}

	msgCopy := *msg
	return &msgCopy, nil
}

// MessagesSince returns the named room's messages with sequence >= since, in
// log order. The reader must currently be in the room.
func (m *MemDB) MessagesSince(username, roomName string, since int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	room, ok := m.roomsByName[roomName]
	if !ok || !inRoom(user, room) {
		return nil, ErrNotInRoom
	}

	var result []Message
	for _, pos := range m.messagesByRoom[room.ID] {
		msg := m.messages[pos]
		if msg.Sequence >= since {
			result = append(result, *msg)
		}
	}
	return result, nil
}

// Stats returns the current number of users, rooms and messages
func (m *MemDB) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Users:    len(m.users),
		Rooms:    len(m.rooms),
		Messages: len(m.messages),
	}
}
