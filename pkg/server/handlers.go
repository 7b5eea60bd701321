package server

import (
	"errors"

	"github.com/aeolun/ircserver/pkg/database"
	"github.com/aeolun/ircserver/pkg/protocol"
	"github.com/rs/zerolog/log"
)

// Response reasons. Only the leading token is part of the contract; the
// parenthesized text follows the historical server.
const (
	reasonNoUsers            = "NO USERS"
	reasonNoUsersMessages    = "No users"
	reasonWrongPassword      = "Wrong password"
	reasonNoRoom             = "No room"
	reasonRoomDNE            = "Room DNE"
	reasonNoUserInRoom       = "No user in room"
	reasonSenderNotInRoom    = "user not in room"
	reasonReaderNotInRoom    = "User not in room"
	reasonBadSequence        = "Bad message number"
	reasonTooManyConnections = "Too many connections"
	reasonInternal           = "Internal error"
	reasonEmptyUserName      = "Empty user name"
	reasonEmptyRoomName      = "Empty room name"
)

// handleRequest dispatches a parsed request to its handler
func (s *Server) handleRequest(sess *Session, req *protocol.Request) *protocol.Response {
	var resp *protocol.Response

	switch req.Command {
	case protocol.CmdAddUser:
		resp = s.handleAddUser(sess, req)
	case protocol.CmdCreateRoom:
		resp = s.handleCreateRoom(sess, req)
	case protocol.CmdEnterRoom:
		resp = s.handleEnterRoom(sess, req)
	case protocol.CmdLeaveRoom:
		resp = s.handleLeaveRoom(sess, req)
	case protocol.CmdSendMessage:
		resp = s.handleSendMessage(sess, req)
	case protocol.CmdGetMessages:
		resp = s.handleGetMessages(sess, req)
	case protocol.CmdGetUsersInRoom:
		resp = s.handleGetUsersInRoom(sess, req)
	case protocol.CmdGetAllUsers:
		resp = s.handleGetAllUsers(sess, req)
	case protocol.CmdListRooms:
		resp = s.handleListRooms(sess, req)
	default:
		sess.transition(StateRejected)
		return protocol.UnknownCommand()
	}

	if sess.State() == StateAuthenticated {
		sess.transition(StateDispatched)
	}
	return resp
}

// commandLabel bounds metric label cardinality to the known verbs
func commandLabel(command string) string {
	switch command {
	case protocol.CmdAddUser, protocol.CmdCreateRoom, protocol.CmdEnterRoom,
		protocol.CmdLeaveRoom, protocol.CmdSendMessage, protocol.CmdGetMessages,
		protocol.CmdGetUsersInRoom, protocol.CmdGetAllUsers, protocol.CmdListRooms:
		return command
	default:
		return "UNKNOWN"
	}
}

// authenticate checks that at least one user exists and that the password
// matches. It returns nil on success, otherwise the response to send. An
// unknown user and a wrong password produce the same response.
func (s *Server) authenticate(sess *Session, req *protocol.Request, noUsers *protocol.Response) *protocol.Response {
	if s.db.UserCount() == 0 {
		sess.transition(StateRejected)
		return noUsers
	}

	var hash string
	if user, err := s.db.GetUser(req.User); err == nil {
		hash = user.PasswordHash
	}

	if !s.credentials.Verify(hash, req.Password) {
		sess.transition(StateRejected)
		s.metrics.RecordAuthFailure()
		log.Debug().Uint64("session", sess.ID).Str("user", req.User).Str("command", req.Command).Msg("authentication failed")
		return protocol.Error(reasonWrongPassword)
	}

	sess.transition(StateAuthenticated)
	return nil
}

// dbError logs an unexpected store error and returns a generic error response
func (s *Server) dbError(sess *Session, operation string, err error) *protocol.Response {
	log.Error().Err(err).Uint64("session", sess.ID).Str("operation", operation).Msg("store operation failed")
	return protocol.Error(reasonInternal)
}

func (s *Server) handleAddUser(sess *Session, req *protocol.Request) *protocol.Response {
	// An empty name would encode as the list terminator
	if req.User == "" {
		sess.transition(StateRejected)
		return protocol.Error(reasonEmptyUserName)
	}

	// Registration needs no credentials
	sess.transition(StateAuthenticated)

	hash, err := s.credentials.Hash(req.Password)
	if err != nil {
		return s.dbError(sess, "hash password", err)
	}

	created := s.db.AddUser(req.User, hash)
	log.Info().Uint64("session", sess.ID).Str("user", req.User).Bool("created", created).Msg("user registered")
	return protocol.OK()
}

func (s *Server) handleCreateRoom(sess *Session, req *protocol.Request) *protocol.Response {
	if resp := s.authenticate(sess, req, protocol.Denied(reasonNoUsers)); resp != nil {
		return resp
	}
	if req.Args == "" {
		return protocol.Error(reasonEmptyRoomName)
	}

	room := s.db.CreateRoom(req.Args)
	log.Info().Uint64("session", sess.ID).Str("user", req.User).Str("room", room.Name).Int64("room_id", room.ID).Msg("room created")
	return protocol.OK()
}

func (s *Server) handleEnterRoom(sess *Session, req *protocol.Request) *protocol.Response {
	if resp := s.authenticate(sess, req, protocol.Denied(reasonNoUsers)); resp != nil {
		return resp
	}

	changed, err := s.db.EnterRoom(req.User, req.Args)
	if errors.Is(err, database.ErrRoomNotFound) {
		return protocol.Error(reasonNoRoom)
	}
	if err != nil {
		return s.dbError(sess, "enter room", err)
	}

	if !changed {
		log.Debug().Uint64("session", sess.ID).Str("user", req.User).Str("room", req.Args).Msg("user already in a room, membership unchanged")
	}
	return protocol.OK()
}

func (s *Server) handleLeaveRoom(sess *Session, req *protocol.Request) *protocol.Response {
	if resp := s.authenticate(sess, req, protocol.Denied(reasonNoUsers)); resp != nil {
		return resp
	}

	err := s.db.LeaveRoom(req.User, req.Args)
	switch {
	case errors.Is(err, database.ErrRoomNotFound):
		return protocol.Error(reasonRoomDNE)
	case errors.Is(err, database.ErrNotInRoom):
		return protocol.Error(reasonNoUserInRoom)
	case err != nil:
		return s.dbError(sess, "leave room", err)
	}
	return protocol.OK()
}

func (s *Server) handleSendMessage(sess *Session, req *protocol.Request) *protocol.Response {
	if resp := s.authenticate(sess, req, protocol.Denied(reasonNoUsers)); resp != nil {
		return resp
	}

	room, body := protocol.SplitRoomMessage(req.Args)
	msg, err := s.db.PostMessage(room, req.User, body)
	switch {
	case errors.Is(err, database.ErrRoomNotFound):
		return protocol.Error(reasonNoRoom)
	case errors.Is(err, database.ErrNotInRoom):
		return protocol.Error(reasonSenderNotInRoom)
	case err != nil:
		return s.dbError(sess, "post message", err)
	}

	log.Debug().Uint64("session", sess.ID).Str("room", room).Int("seq", msg.Sequence).Msg("message posted")
	return protocol.OK()
}

func (s *Server) handleGetMessages(sess *Session, req *protocol.Request) *protocol.Response {
	if resp := s.authenticate(sess, req, protocol.Error(reasonNoUsersMessages)); resp != nil {
		return resp
	}

	since, room, err := protocol.SplitSequenceRoom(req.Args)
	if err != nil {
		return protocol.Error(reasonBadSequence)
	}

	messages, err := s.db.MessagesSince(req.User, room, since)
	if errors.Is(err, database.ErrNotInRoom) {
		return protocol.Error(reasonReaderNotInRoom)
	}
	if err != nil {
		return s.dbError(sess, "get messages", err)
	}

	if len(messages) == 0 {
		return protocol.NoNewMessages()
	}

	lines := make([]string, len(messages))
	for i, msg := range messages {
		lines[i] = protocol.FormatMessage(msg.Sequence, msg.Author, msg.Body)
	}
	return protocol.List(lines)
}

func (s *Server) handleGetUsersInRoom(sess *Session, req *protocol.Request) *protocol.Response {
	if resp := s.authenticate(sess, req, protocol.Denied(reasonNoUsers)); resp != nil {
		return resp
	}
	return protocol.List(s.db.UsersInRoom(req.Args))
}

func (s *Server) handleGetAllUsers(sess *Session, req *protocol.Request) *protocol.Response {
	if resp := s.authenticate(sess, req, protocol.Denied(reasonNoUsers)); resp != nil {
		return resp
	}
	return protocol.List(s.db.ListUsers())
}

func (s *Server) handleListRooms(sess *Session, req *protocol.Request) *protocol.Response {
	if resp := s.authenticate(sess, req, protocol.Denied(reasonNoUsers)); resp != nil {
		return resp
	}
	return protocol.List(s.db.ListRooms())
}
