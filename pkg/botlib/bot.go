package botlib

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aeolun/ircserver/pkg/client"
)

// MessageHandler is called when a new message is received.
type MessageHandler func(ctx *Context, msg *Message)

// Config holds the bot configuration.
type Config struct {
	// Server address (host:port, ssh:// or ws://)
	Server string

	// Nickname and password the bot registers with
	Nickname string
	Password string

	// Room to create if missing, enter and watch
	Room string

	// Logger for debug output (optional, defaults to the global logger)
	Logger *zerolog.Logger

	// ResponseTimeout bounds each request (default: 10s)
	ResponseTimeout time.Duration

	// PollInterval between GET-MESSAGES requests (default: 1s)
	PollInterval time.Duration

	// ReplayHistory delivers messages posted before the bot joined
	ReplayHistory bool
}

// Bot watches one room. A user can only be in one room at a time, so a bot
// that needs several rooms runs several bots under different nicknames.
type Bot struct {
	config   Config
	client   *client.Client
	logger   zerolog.Logger
	lastSeen int

	// Handlers
	onMessage MessageHandler
	onMention MessageHandler
	onCommand map[string]MessageHandler
}

// New creates a new Bot with the given configuration.
func New(config Config) (*Bot, error) {
	if config.Nickname == "" || config.Password == "" || config.Room == "" {
		return nil, errors.New("nickname, password and room are required")
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = client.DefaultTimeout
	}
	if config.PollInterval == 0 {
		config.PollInterval = time.Second
	}

	c, err := client.New(config.Server, config.Nickname, config.Password)
	if err != nil {
		return nil, err
	}
	c.Timeout = config.ResponseTimeout

	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Bot{
		config:    config,
		client:    c,
		logger:    logger.With().Str("bot", config.Nickname).Str("room", config.Room).Logger(),
		lastSeen:  -1,
		onCommand: make(map[string]MessageHandler),
	}, nil
}

// OnMessage registers a handler for all new messages.
func (b *Bot) OnMessage(handler MessageHandler) {
	b.onMessage = handler
}

// OnMention registers a handler for messages that mention the bot.
func (b *Bot) OnMention(handler MessageHandler) {
	b.onMention = handler
}

// OnCommand registers a handler for "!name ..." messages.
func (b *Bot) OnCommand(name string, handler MessageHandler) {
	b.onCommand[name] = handler
}

// Run registers the bot, enters its room and polls until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info().Str("server", b.client.Address()).Msg("connecting")

	if err := b.join(ctx); err != nil {
		return err
	}
	b.logger.Info().Msg("bot is running")

	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return nil
		case <-ticker.C:
			if err := b.poll(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn().Err(err).Msg("poll failed")
			}
		}
	}
}

func (b *Bot) join(ctx context.Context) error {
	if err := b.client.Register(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	rooms, err := b.client.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	if !slices.Contains(rooms, b.config.Room) {
		if err := b.client.CreateRoom(ctx, b.config.Room); err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		b.logger.Info().Msg("created room")
	}

	if err := b.client.EnterRoom(ctx, b.config.Room); err != nil {
		return fmt.Errorf("enter room: %w", err)
	}

	if !b.config.ReplayHistory {
		// Skip the backlog: start after the newest message
		history, err := b.client.GetMessages(ctx, b.config.Room, -1)
		if err != nil {
			return fmt.Errorf("read history: %w", err)
		}
		if len(history) > 0 {
			b.lastSeen = history[len(history)-1].Sequence
		}
	}
	return nil
}

func (b *Bot) shutdown() {
	// Leave with a fresh context, the run context is already done
	ctx, cancel := context.WithTimeout(context.Background(), b.config.ResponseTimeout)
	defer cancel()

	if err := b.client.LeaveRoom(ctx, b.config.Room); err != nil {
		b.logger.Debug().Err(err).Msg("leave room failed")
	}
	b.logger.Info().Msg("bot stopped")
}

// poll fetches messages after lastSeen and dispatches them in sequence order.
// GET-MESSAGES is inclusive of the requested sequence.
func (b *Bot) poll(ctx context.Context) error {
	messages, err := b.client.GetMessages(ctx, b.config.Room, b.lastSeen+1)
	if err != nil {
		return err
	}

	for _, m := range messages {
		b.lastSeen = m.Sequence
		// Skip our own messages
		if m.Author == b.config.Nickname {
			continue
		}
		b.dispatch(ctx, &Message{
			Sequence:    m.Sequence,
			Room:        b.config.Room,
			Author:      m.Author,
			Content:     m.Body,
			botNickname: b.config.Nickname,
		})
	}
	return nil
}

func (b *Bot) dispatch(ctx context.Context, msg *Message) {
	hctx := &Context{ctx: ctx, bot: b, message: msg}

	if name, _, ok := msg.Command(); ok {
		if handler, found := b.onCommand[name]; found {
			handler(hctx, msg)
			return
		}
	}

	if msg.MentionsMe() && b.onMention != nil {
		b.onMention(hctx, msg)
		return
	}

	if b.onMessage != nil {
		b.onMessage(hctx, msg)
	}
}

// Poll runs a single poll cycle. Exposed for callers that drive their own loop.
func (b *Bot) Poll(ctx context.Context) error {
	return b.poll(ctx)
}

// Join registers the bot and enters its room without starting the poll loop.
func (b *Bot) Join(ctx context.Context) error {
	return b.join(ctx)
}
