// Command bot is a room helper that answers "!" commands and mentions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/aeolun/ircserver/pkg/botlib"
	"github.com/aeolun/ircserver/pkg/logging"
)

// command is a "!name" handler with its help text
type command struct {
	help    string
	handler botlib.MessageHandler
}

func commands(started time.Time) map[string]command {
	return map[string]command{
		"ping": {"check that the bot is alive", func(ctx *botlib.Context, msg *botlib.Message) {
			reply(ctx, "pong")
		}},
		"echo": {"repeat the rest of the message", func(ctx *botlib.Context, msg *botlib.Message) {
			_, args, _ := msg.Command()
			reply(ctx, args)
		}},
		"users": {"list the users in this room", func(ctx *botlib.Context, msg *botlib.Message) {
			users, err := ctx.UsersInRoom()
			if err != nil {
				ctx.Logger().Warn().Err(err).Msg("list users failed")
				return
			}
			reply(ctx, fmt.Sprintf("%d in %s: %s", len(users), ctx.Room(), strings.Join(users, ", ")))
		}},
		"rooms": {"list every room", func(ctx *botlib.Context, msg *botlib.Message) {
			rooms, err := ctx.Rooms()
			if err != nil {
				ctx.Logger().Warn().Err(err).Msg("list rooms failed")
				return
			}
			reply(ctx, "rooms: "+strings.Join(rooms, ", "))
		}},
		"uptime": {"how long the bot has been running", func(ctx *botlib.Context, msg *botlib.Message) {
			reply(ctx, "up "+time.Since(started).Round(time.Second).String())
		}},
	}
}

func reply(ctx *botlib.Context, text string) {
	if err := ctx.Reply(text); err != nil {
		ctx.Logger().Warn().Err(err).Msg("reply failed")
	}
}

func helpText(cmds map[string]command) string {
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names)+1)
	for _, name := range names {
		parts = append(parts, "!"+name+" ("+cmds[name].help+")")
	}
	parts = append(parts, "!help")
	return "commands: " + strings.Join(parts, ", ")
}

func main() {
	_ = godotenv.Load()

	server := flag.String("server", "localhost:6667", "Server address (host:port, ssh://, ws://)")
	nickname := flag.String("nickname", "helper", "Bot nickname")
	password := flag.String("password", os.Getenv("IRCSERVER_BOT_PASSWORD"), "Bot password (or IRCSERVER_BOT_PASSWORD)")
	room := flag.String("room", "general", "Room to watch, created if missing")
	poll := flag.Duration("poll", time.Second, "Poll interval")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	if _, err := logging.Init(logging.Options{Level: *logLevel, Format: "console"}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	if *password == "" {
		log.Fatal().Msg("a password is required: pass -password or set IRCSERVER_BOT_PASSWORD")
	}

	bot, err := botlib.New(botlib.Config{
		Server:       *server,
		Nickname:     *nickname,
		Password:     *password,
		Room:         *room,
		PollInterval: *poll,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid bot configuration")
	}

	cmds := commands(time.Now())
	for name, cmd := range cmds {
		bot.OnCommand(name, cmd.handler)
	}
	bot.OnCommand("help", func(ctx *botlib.Context, msg *botlib.Message) {
		reply(ctx, helpText(cmds))
	})
	bot.OnMention(func(ctx *botlib.Context, msg *botlib.Message) {
		reply(ctx, fmt.Sprintf("hi %s, try !help", msg.Author))
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bot.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("bot failed")
	}
}
