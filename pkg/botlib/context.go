package botlib

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Context provides methods for responding to messages.
// It is passed to message handlers and provides a convenient API
// for common bot actions.
type Context struct {
	ctx     context.Context
	bot     *Bot
	message *Message
}

// Message returns the message that triggered this context.
func (c *Context) Message() *Message {
	return c.message
}

// Reply posts content to the room the message came from.
func (c *Context) Reply(content string) error {
	return c.bot.client.SendMessage(c.ctx, c.message.Room, content)
}

// Room returns the room where the message was received.
func (c *Context) Room() string {
	return c.message.Room
}

// Author returns the nickname of the message author.
func (c *Context) Author() string {
	return c.message.Author
}

// BotNickname returns the bot's nickname.
func (c *Context) BotNickname() string {
	return c.bot.config.Nickname
}

// UsersInRoom lists the members of the current room.
func (c *Context) UsersInRoom() ([]string, error) {
	return c.bot.client.UsersInRoom(c.ctx, c.message.Room)
}

// Rooms lists every room on the server.
func (c *Context) Rooms() ([]string, error) {
	return c.bot.client.ListRooms(c.ctx)
}

// Logger returns the bot's logger tagged with the triggering message.
func (c *Context) Logger() *zerolog.Logger {
	logger := c.bot.logger.With().Int("seq", c.message.Sequence).Str("author", c.message.Author).Logger()
	return &logger
}

// String returns a debug representation of the context.
func (c *Context) String() string {
	return fmt.Sprintf("Context{room=%s, seq=%d, author=%s}",
		c.message.Room, c.message.Sequence, c.message.Author)
}
