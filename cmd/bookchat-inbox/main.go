package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/diplomabazar/bookchat/internal/baas"
	"github.com/diplomabazar/bookchat/internal/chat"
	"github.com/diplomabazar/bookchat/internal/logging"
	"github.com/diplomabazar/bookchat/internal/notify"
	"github.com/diplomabazar/bookchat/internal/realtime"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "ignoring .env: %v\n", err)
	}

	baseURL := flag.String("base-url", envOrDefault("BOOKCHAT_BASE_URL", "http://127.0.0.1:54321"), "backend base URL")
	apiKey := flag.String("api-key", strings.TrimSpace(os.Getenv("BOOKCHAT_API_KEY")), "backend API key")
	token := flag.String("token", strings.TrimSpace(os.Getenv("BOOKCHAT_TOKEN")), "user access token")
	userID := flag.String("user", strings.TrimSpace(os.Getenv("BOOKCHAT_USER_ID")), "local user id (defaults to the token subject)")
	interval := flag.Duration("interval", durationEnv("BOOKCHAT_INBOX_INTERVAL", 30*time.Second), "poll interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("BOOKCHAT_INBOX_INTERVAL_JITTER", 0.2), "poll interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("BOOKCHAT_TIMEOUT", 15*time.Second), "per-poll timeout")
	limit := flag.Int("limit", 20, "notifications listed per poll")
	live := flag.Bool("live", true, "also follow new notifications over the realtime feed")
	logLevel := flag.String("log-level", envOrDefault("BOOKCHAT_LOG_LEVEL", "info"), "log level")
	logFile := flag.String("log-file", strings.TrimSpace(os.Getenv("BOOKCHAT_LOG_FILE")), "also write logs to this rotated file")
	once := flag.Bool("once", false, "poll once and exit")
	flag.Parse()

	logger, logCloser := logging.New(logging.Options{Level: *logLevel, File: *logFile})
	defer logCloser.Close()

	if strings.TrimSpace(*userID) == "" {
		subject, err := baas.SubjectFromToken(*token)
		if err != nil {
			logger.Fatal().Err(err).Msg("user is required (--user, BOOKCHAT_USER_ID or a token with a subject)")
		}
		*userID = subject
	}
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	client := baas.NewClient(baas.Options{
		BaseURL:     *baseURL,
		APIKey:      *apiKey,
		AccessToken: *token,
		HTTPClient:  &http.Client{Timeout: *timeout},
		Logger:      &logger,
	})
	var feed realtime.Feed
	if *live {
		socket, err := realtime.NewSocket(realtime.SocketOptions{URL: *baseURL, APIKey: *apiKey, AccessToken: *token, Logger: &logger})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize realtime feed")
		}
		defer socket.Close()
		feed = socket
	}
	inbox := notify.NewInbox(client, feed, &logger)
	svc := chat.New(chat.NewRESTStore(client), chat.Options{Logger: &logger})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := &poller{chats: svc, inbox: inbox, user: *userID, limit: *limit, out: os.Stdout}
	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := p.pollOnce(ctx); err != nil {
			logger.Warn().Err(err).Msg("inbox poll incomplete")
			return
		}
		logger.Debug().Msg("inbox poll completed")
	}

	run()
	if *once {
		return
	}

	if feed != nil {
		watch, err := inbox.Subscribe(rootCtx, *userID, func(n notify.Notification) {
			fmt.Fprintf(p.out, "new %s: %s (%s)\n", n.Type, n.Message, notify.Route(n))
		})
		if err != nil {
			logger.Error().Err(err).Msg("live notifications unavailable")
		} else {
			defer watch.Close()
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Err(rootCtx.Err()).Msg("inbox poller stopping")
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

type conversationLister interface {
	ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error)
	CountUnread(ctx context.Context, userID string) (int, error)
}

type notificationLister interface {
	List(ctx context.Context, userID string, opts notify.ListOptions) ([]notify.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
}

type poller struct {
	chats conversationLister
	inbox notificationLister
	user  string
	limit int
	out   io.Writer
}

// pollOnce prints whatever parts of the inbox could be fetched and reports
// the parts that could not.
func (p *poller) pollOnce(ctx context.Context) error {
	var result *multierror.Error

	unreadMessages, err := p.chats.CountUnread(ctx, p.user)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("unread messages: %w", err))
	}
	unreadNotifications, err := p.inbox.UnreadCount(ctx, p.user)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("unread notifications: %w", err))
	}
	fmt.Fprintf(p.out, "%d unread messages, %d unread notifications\n", unreadMessages, unreadNotifications)

	conversations, err := p.chats.ListConversations(ctx, p.user)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("conversations: %w", err))
	}
	for _, c := range conversations {
		marker := " "
		if c.Unread {
			marker = "*"
		}
		title := ""
		if c.Listing != nil {
			title = " about " + c.Listing.Title
		}
		fmt.Fprintf(p.out, "%s %s%s: %s\n", marker, c.Counterpart.Name, title, c.LastMessage.Content)
	}

	notifications, err := p.inbox.List(ctx, p.user, notify.ListOptions{Limit: p.limit})
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("notifications: %w", err))
	}
	for _, n := range notifications {
		marker := " "
		if !n.Read {
			marker = "*"
		}
		fmt.Fprintf(p.out, "%s [%s] %s\n", marker, n.Type.Title(), n.Message)
	}
	return result.ErrorOrNil()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %s\n", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %f\n", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
