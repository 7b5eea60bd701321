// Command loadtest drives a running server with concurrent clients that post
// to a shared room, then verifies that the room's sequence numbers are
// contiguous and that every acknowledged post is present.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aeolun/ircserver/pkg/client"
	"github.com/aeolun/ircserver/pkg/logging"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

func randomMessage(rng *rand.Rand) string {
	wordCount := 5 + rng.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rng.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64

	fetches        atomic.Int64
	fetchFailures  atomic.Int64
	sequenceErrors atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordFailure() {
	s.messagesFailed.Add(1)
}

func (s *Stats) snapshot() (posted, failed, connErrors int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}
	return
}

// checkSequences reports the first position where messages stop being
// consecutive starting at first.
func checkSequences(messages []client.Message, first int) error {
	for i, msg := range messages {
		if msg.Sequence != first+i {
			return fmt.Errorf("sequence gap at position %d: expected %d, got %d", i, first+i, msg.Sequence)
		}
	}
	return nil
}

// BotClient is one simulated user
type BotClient struct {
	id       int
	nickname string
	conn     *client.Client
	stats    *Stats
	room     string
	rng      *rand.Rand
	lastSeen int
}

func NewBotClient(id int, serverAddr, room string, stats *Stats) (*BotClient, error) {
	nickname := "bot-" + uuid.NewString()[:8]
	conn, err := client.New(serverAddr, nickname, uuid.NewString())
	if err != nil {
		return nil, err
	}

	return &BotClient{
		id:       id,
		nickname: nickname,
		conn:     conn,
		stats:    stats,
		room:     room,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
		lastSeen: -1,
	}, nil
}

// Setup registers the bot and enters the shared room
func (bc *BotClient) Setup(ctx context.Context) error {
	if err := bc.conn.Register(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := bc.conn.EnterRoom(ctx, bc.room); err != nil {
		return fmt.Errorf("enter room: %w", err)
	}
	return nil
}

func (bc *BotClient) PostRandomMessage(ctx context.Context) {
	start := time.Now()
	if err := bc.conn.SendMessage(ctx, bc.room, randomMessage(bc.rng)); err != nil {
		bc.stats.recordFailure()
		log.Debug().Err(err).Int("bot", bc.id).Msg("post failed")
		return
	}
	bc.stats.recordSuccess(time.Since(start).Microseconds())
}

// FetchMessages reads everything newer than the last seen sequence and checks
// that the returned sequences continue where the previous fetch stopped.
func (bc *BotClient) FetchMessages(ctx context.Context) {
	bc.stats.fetches.Add(1)
	messages, err := bc.conn.GetMessages(ctx, bc.room, bc.lastSeen+1)
	if err != nil {
		bc.stats.fetchFailures.Add(1)
		log.Debug().Err(err).Int("bot", bc.id).Msg("fetch failed")
		return
	}
	if len(messages) == 0 {
		return
	}
	if err := checkSequences(messages, bc.lastSeen+1); err != nil {
		bc.stats.sequenceErrors.Add(1)
		log.Warn().Err(err).Int("bot", bc.id).Msg("sequence check failed")
	}
	bc.lastSeen = messages[len(messages)-1].Sequence
}

func (bc *BotClient) Run(ctx context.Context, minDelay, maxDelay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int("bot", bc.id).Msg("bot panicked")
		}
	}()

	for {
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(bc.rng.Int63n(int64(maxDelay - minDelay)))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		// Mostly post, sometimes catch up on the room
		if bc.rng.Float32() < 0.8 {
			bc.PostRandomMessage(ctx)
		} else {
			bc.FetchMessages(ctx)
		}
	}
}

func main() {
	serverAddr := flag.String("server", "localhost:6667", "Server address (host:port, ssh://, ws://)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between requests")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between requests")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	if _, err := logging.Init(logging.Options{Level: *logLevel, Format: "console"}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The coordinator creates the room and verifies it at the end
	room := "loadtest-" + uuid.NewString()[:8]
	coordinator, err := client.New(*serverAddr, "coordinator-"+uuid.NewString()[:8], uuid.NewString())
	if err != nil {
		log.Fatal().Err(err).Msg("invalid server address")
	}
	if err := coordinator.Register(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to register coordinator")
	}
	if err := coordinator.CreateRoom(ctx, room); err != nil {
		log.Fatal().Err(err).Msg("failed to create room")
	}
	if err := coordinator.EnterRoom(ctx, room); err != nil {
		log.Fatal().Err(err).Msg("failed to enter room")
	}

	staggerDelay := *duration / 4 / time.Duration(max(*numClients, 1))
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	log.Info().
		Str("server", coordinator.Address()).
		Str("room", room).
		Int("clients", *numClients).
		Dur("duration", *duration).
		Dur("stagger", staggerDelay).
		Msg("starting load test")

	stats := &Stats{}
	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, failed, connErrors, avgUs := stats.snapshot()
				log.Info().
					Int64("posted", posted).
					Float64("rate", float64(posted)/time.Since(startTime).Seconds()).
					Int64("failed", failed).
					Int64("conn_errors", connErrors).
					Float64("avg_ms", avgUs/1000.0).
					Float64("load", getCPULoad()).
					Int("goroutines", runtime.NumGoroutine()).
					Msg("stats")
			case <-stopStats:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < *numClients; i++ {
		bot, err := NewBotClient(i, *serverAddr, room, stats)
		if err != nil {
			stats.connectionErrors.Add(1)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bot.Setup(runCtx); err != nil {
				stats.connectionErrors.Add(1)
				log.Debug().Err(err).Int("bot", bot.id).Msg("setup failed")
				return
			}
			stats.successfulClients.Add(1)
			bot.Run(runCtx, *minDelay, *maxDelay)
		}()

		select {
		case <-runCtx.Done():
		case <-time.After(staggerDelay):
		}
	}

	wg.Wait()
	close(stopStats)

	// Verification uses a fresh context so an interrupted run still reports
	verifyCtx, verifyCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer verifyCancel()

	messages, err := coordinator.GetMessages(verifyCtx, room, -1)
	posted, failed, connErrors, avgUs := stats.snapshot()
	log.Info().
		Int64("clients", stats.successfulClients.Load()).
		Int64("posted", posted).
		Int64("failed", failed).
		Int64("conn_errors", connErrors).
		Int64("fetches", stats.fetches.Load()).
		Int64("fetch_failures", stats.fetchFailures.Load()).
		Int64("sequence_errors", stats.sequenceErrors.Load()).
		Float64("avg_ms", avgUs/1000.0).
		Msg("load test finished")

	if err != nil {
		log.Fatal().Err(err).Msg("failed to read back room")
	}

	exitCode := 0
	if err := checkSequences(messages, 0); err != nil {
		log.Error().Err(err).Msg("room sequence check failed")
		exitCode = 1
	}
	// A post that timed out client-side may still have been stored
	if int64(len(messages)) < posted {
		log.Error().Int("stored", len(messages)).Int64("acknowledged", posted).Msg("acknowledged messages missing")
		exitCode = 1
	}
	if stats.sequenceErrors.Load() > 0 {
		exitCode = 1
	}
	if exitCode == 0 {
		log.Info().Int("messages", len(messages)).Msg("all sequences contiguous")
	}
	os.Exit(exitCode)
}
