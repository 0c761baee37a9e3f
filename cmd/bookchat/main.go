package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/diplomabazar/bookchat/internal/activity"
	"github.com/diplomabazar/bookchat/internal/baas"
	"github.com/diplomabazar/bookchat/internal/backup"
	"github.com/diplomabazar/bookchat/internal/chat"
	"github.com/diplomabazar/bookchat/internal/logging"
	"github.com/diplomabazar/bookchat/internal/notify"
	"github.com/diplomabazar/bookchat/internal/realtime"
	"github.com/gabriel-vasile/mimetype"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "ignoring .env: %v\n", err)
	}

	baseURL := flag.String("base-url", envOrDefault("BOOKCHAT_BASE_URL", "http://127.0.0.1:54321"), "backend base URL")
	apiKey := flag.String("api-key", strings.TrimSpace(os.Getenv("BOOKCHAT_API_KEY")), "backend API key")
	token := flag.String("token", strings.TrimSpace(os.Getenv("BOOKCHAT_TOKEN")), "user access token")
	userID := flag.String("user", strings.TrimSpace(os.Getenv("BOOKCHAT_USER_ID")), "local user id (defaults to the token subject)")
	peerID := flag.String("with", strings.TrimSpace(os.Getenv("BOOKCHAT_PEER_ID")), "other participant user id")
	listingID := flag.String("listing", strings.TrimSpace(os.Getenv("BOOKCHAT_LISTING_ID")), "narrow the conversation to one listing")
	text := flag.String("send", "", "message text to send before watching")
	attach := flag.String("attach", "", "file to attach to the sent message")
	feedKind := flag.String("feed", envOrDefault("BOOKCHAT_FEED", "websocket"), "realtime feed: websocket or nats")
	natsURL := flag.String("nats-url", envOrDefault("BOOKCHAT_NATS_URL", "nats://127.0.0.1:4222"), "NATS server for the nats feed")
	natsPrefix := flag.String("nats-prefix", envOrDefault("BOOKCHAT_NATS_PREFIX", "bookchat.changes"), "NATS subject prefix")
	backupDSN := flag.String("backup-dsn", strings.TrimSpace(os.Getenv("BOOKCHAT_BACKUP_DSN")), "attachment backup cache DSN")
	pushURL := flag.String("push-url", strings.TrimSpace(os.Getenv("BOOKCHAT_PUSH_URL")), "push relay base URL")
	historyLimit := flag.Int("history-limit", intEnv("BOOKCHAT_HISTORY_LIMIT", chat.DefaultHistoryLimit), "maximum messages loaded")
	timeout := flag.Duration("timeout", durationEnv("BOOKCHAT_TIMEOUT", 15*time.Second), "per-request timeout")
	maxReconnects := flag.Int("max-reconnects", intEnv("BOOKCHAT_MAX_RECONNECTS", chat.DefaultMaxReconnectAttempts), "reconnect attempts before giving up")
	logLevel := flag.String("log-level", envOrDefault("BOOKCHAT_LOG_LEVEL", "info"), "log level")
	logFile := flag.String("log-file", strings.TrimSpace(os.Getenv("BOOKCHAT_LOG_FILE")), "also write logs to this rotated file")
	once := flag.Bool("once", false, "print the conversation, mark it read and exit")
	flag.Parse()

	logger, logCloser := logging.New(logging.Options{Level: *logLevel, File: *logFile})
	defer logCloser.Close()

	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	if strings.TrimSpace(*userID) == "" {
		subject, err := baas.SubjectFromToken(*token)
		if err != nil {
			logger.Fatal().Err(err).Msg("user is required (--user, BOOKCHAT_USER_ID or a token with a subject)")
		}
		*userID = subject
	}
	if strings.TrimSpace(*peerID) == "" {
		logger.Fatal().Msg("peer is required (--with or BOOKCHAT_PEER_ID)")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := baas.NewClient(baas.Options{
		BaseURL:     *baseURL,
		APIKey:      *apiKey,
		AccessToken: *token,
		HTTPClient:  &http.Client{Timeout: *timeout},
		Logger:      &logger,
	})
	feed, err := openFeed(*feedKind, *baseURL, *apiKey, *token, *natsURL, *natsPrefix, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize realtime feed")
	}
	defer feed.Close()

	backups, err := backup.Open(*backupDSN, backup.Policy{}, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open backup cache")
	}
	defer backups.Close()

	detector := activity.New(activity.Options{})
	detector.Start(rootCtx)
	defer detector.Stop()

	inbox := notify.NewInbox(client, feed, &logger)
	var pusher notify.Pusher
	if *pushURL != "" {
		pc, err := notify.NewPushClient(notify.PushOptions{BaseURL: *pushURL, APIKey: *apiKey, HTTPClient: &http.Client{Timeout: *timeout}})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize push client")
		}
		pusher = pc
	}
	dispatcher := notify.NewDispatcher(inbox, pusher, notify.DispatcherOptions{PushTimeout: *timeout, Logger: &logger})
	defer dispatcher.Close()

	svc := chat.New(chat.NewRESTStore(client), chat.Options{
		Objects:              client,
		Feed:                 feed,
		Notifier:             dispatcher,
		Backups:              backups,
		Activity:             detector,
		Logger:               &logger,
		HistoryLimit:         *historyLimit,
		MaxReconnectAttempts: *maxReconnects,
	})

	s := &session{svc: svc, user: *userID, peer: *peerID, listing: *listingID, out: os.Stdout, logger: logger, detector: detector, thread: chat.NewThread()}
	if err := s.load(rootCtx, *timeout); err != nil {
		logger.Error().Err(err).Msg("conversation history unavailable")
	}
	if *text != "" || *attach != "" {
		if err := s.send(rootCtx, *text, *attach); err != nil {
			logger.Error().Err(err).Msg("send failed")
		}
	}
	if *once {
		s.markRead(rootCtx, *timeout)
		return
	}
	if err := s.watch(rootCtx, stop); err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe")
	}
	go s.readInput(rootCtx, os.Stdin)
	<-rootCtx.Done()
	s.close()
	logger.Info().Msg("bookchat stopping")
}

func openFeed(kind, baseURL, apiKey, token, natsURL, natsPrefix string, logger *zerolog.Logger) (realtime.Feed, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "websocket", "ws":
		return realtime.NewSocket(realtime.SocketOptions{URL: baseURL, APIKey: apiKey, AccessToken: token, Logger: logger})
	case "nats":
		return realtime.NewNATSFeed(realtime.NATSOptions{URL: natsURL, SubjectPrefix: natsPrefix, Name: "bookchat", Logger: logger})
	default:
		return nil, fmt.Errorf("unsupported realtime feed: %s", kind)
	}
}

type session struct {
	svc      *chat.Service
	user     string
	peer     string
	listing  string
	out      io.Writer
	logger   zerolog.Logger
	detector *activity.Detector
	thread   *chat.Thread

	subs []*chat.Subscription
}

func (s *session) load(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	history, err := s.svc.LoadHistory(ctx, s.user, s.peer, s.listing)
	s.thread.Merge(history)
	for _, msg := range s.thread.Messages() {
		printMessage(s.out, msg)
	}
	return err
}

func (s *session) send(ctx context.Context, text, attach string) error {
	s.detector.Touch()
	req := chat.SendRequest{SenderID: s.user, ReceiverID: s.peer, ListingID: s.listing, Content: text}
	if attach == "" {
		msg, err := s.svc.SendOptimistic(ctx, s.thread, req)
		if err == nil {
			printMessage(s.out, msg)
		}
		return err
	}
	upload, closeFile, err := openUpload(attach)
	if err != nil {
		return err
	}
	defer closeFile()
	msg, err := s.svc.SendWithAttachment(ctx, req, upload)
	if err != nil {
		return err
	}
	s.thread.Apply(chat.Event{Type: chat.EventInsert, Message: msg})
	printMessage(s.out, msg)
	return nil
}

func (s *session) watch(ctx context.Context, stop func()) error {
	onEvent := func(ev chat.Event) {
		if ev.Type == chat.EventTerminal {
			s.logger.Error().Err(ev.Err).Msg("realtime updates stopped")
			stop()
			return
		}
		if !s.thread.Apply(ev) {
			return
		}
		msg, _ := s.thread.Get(ev.Message.ID)
		if ev.Type == chat.EventInsert {
			printMessage(s.out, msg)
		} else {
			fmt.Fprintf(s.out, "  %s is now %s\n", msg.ID, msg.Status)
		}
		if ev.Type == chat.EventInsert && msg.SenderID == s.peer && !msg.IsPurchaseRequest && s.detector.ShouldAlert(msg.ID, msg.CreatedAt) {
			go func(id string) {
				if err := s.svc.MarkRead(context.WithoutCancel(ctx), id); err != nil {
					s.logger.Debug().Err(err).Str("message_id", id).Msg("mark read failed")
				}
			}(msg.ID)
		}
	}
	messages, err := s.svc.Subscribe(ctx, s.user, s.peer, onEvent)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, messages)
	requests, err := s.svc.SubscribePurchaseRequests(ctx, s.user, s.peer, s.listing, onEvent)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, requests)
	s.markRead(ctx, 15*time.Second)
	return nil
}

// readInput sends every non-empty line typed on in.
func (s *session) readInput(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := s.send(ctx, line, ""); err != nil {
			s.logger.Error().Err(err).Msg("send failed")
		}
	}
}

func (s *session) markRead(ctx context.Context, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	n, err := s.svc.MarkAllRead(ctx, s.user, s.peer)
	if err != nil {
		s.logger.Warn().Err(err).Msg("mark all read failed")
		return
	}
	s.logger.Debug().Int("messages", n).Msg("conversation marked read")
}

func (s *session) close() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug().Err(err).Str("channel", sub.Name()).Msg("unsubscribe failed")
		}
	}
}

func openUpload(path string) (chat.Upload, func(), error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return chat.Upload{}, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return chat.Upload{}, nil, err
	}
	contentType := mediaType(mtype.String())
	kind := chat.KindDocument
	if strings.HasPrefix(contentType, "image/") {
		kind = chat.KindImage
	}
	return chat.Upload{Kind: kind, Name: filepath.Base(path), ContentType: contentType, Body: f}, func() { _ = f.Close() }, nil
}

// mediaType drops parameters such as charset.
func mediaType(raw string) string {
	if i := strings.IndexByte(raw, ';'); i >= 0 {
		raw = raw[:i]
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

func printMessage(w io.Writer, msg chat.Message) {
	name := msg.SenderName
	if msg.Own {
		name = "you"
	}
	if name == "" {
		name = msg.SenderID
	}
	marker := ""
	switch msg.Local {
	case chat.LocalPending:
		marker = " (sending)"
	case chat.LocalFailed:
		marker = " (failed)"
	}
	line := msg.Content
	if msg.Attachment != nil && msg.Attachment.URL != "" {
		line += " " + msg.Attachment.URL
	}
	fmt.Fprintf(w, "[%s] %s: %s [%s]%s\n", msg.CreatedAt.Local().Format("2006-01-02 15:04"), name, line, msg.Status, marker)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %d\n", name, raw, fallback)
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
