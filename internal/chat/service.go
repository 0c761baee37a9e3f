package chat

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/diplomabazar/bookchat/internal/activity"
	"github.com/diplomabazar/bookchat/internal/baas"
	"github.com/diplomabazar/bookchat/internal/backup"
	"github.com/diplomabazar/bookchat/internal/notify"
	"github.com/diplomabazar/bookchat/internal/realtime"
	"github.com/rs/zerolog"
)

const (
	DefaultHistoryLimit         = 500
	DefaultReconnectBase        = 2 * time.Second
	DefaultReconnectMax         = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHealthInterval       = 30 * time.Second
	DefaultDedupTTL             = 60 * time.Second
	DefaultSignedURLTTL         = 24 * time.Hour

	unknownUserName = "Unknown user"
)

// ObjectStore is the storage API attachments are uploaded to.
type ObjectStore interface {
	Upload(ctx context.Context, bucket, path string, body io.Reader, opts baas.UploadOptions) error
	PublicURL(bucket, path string) string
	SignedURL(ctx context.Context, bucket, path string, expiresIn time.Duration) (string, error)
}

// Notifier is told about every persisted message.
type Notifier interface {
	MessageSent(ctx context.Context, ev notify.MessageEvent) error
}

type Options struct {
	Objects  ObjectStore
	Feed     realtime.Feed
	Notifier Notifier
	Backups  backup.Cache
	Activity *activity.Detector
	Logger   *zerolog.Logger

	HistoryLimit         int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int
	HealthInterval       time.Duration
	DedupTTL             time.Duration
	SignedURLTTL         time.Duration
	Now                  func() time.Time
}

// Service is the conversation layer of the marketplace: history, live
// updates, delivery state and sending.
type Service struct {
	store    Store
	objects  ObjectStore
	feed     realtime.Feed
	notifier Notifier
	backups  backup.Cache
	activity *activity.Detector
	logger   *zerolog.Logger

	historyLimit   int
	reconnectBase  time.Duration
	reconnectMax   time.Duration
	maxAttempts    int
	healthInterval time.Duration
	dedupTTL       time.Duration
	signedURLTTL   time.Duration
	now            func() time.Time
}

func New(store Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:          store,
		objects:        opts.Objects,
		feed:           opts.Feed,
		notifier:       opts.Notifier,
		backups:        opts.Backups,
		activity:       opts.Activity,
		logger:         logger,
		historyLimit:   positiveInt(opts.HistoryLimit, DefaultHistoryLimit),
		reconnectBase:  positiveDuration(opts.ReconnectBase, DefaultReconnectBase),
		reconnectMax:   positiveDuration(opts.ReconnectMax, DefaultReconnectMax),
		maxAttempts:    positiveInt(opts.MaxReconnectAttempts, DefaultMaxReconnectAttempts),
		healthInterval: positiveDuration(opts.HealthInterval, DefaultHealthInterval),
		dedupTTL:       positiveDuration(opts.DedupTTL, DefaultDedupTTL),
		signedURLTTL:   positiveDuration(opts.SignedURLTTL, DefaultSignedURLTTL),
		now:            now,
	}
}

// isLive reports whether a message created at ts is fresh enough to count
// as a live event rather than backfill.
func (s *Service) isLive(ts time.Time) bool {
	if s.activity != nil {
		return s.activity.IsRealTime(ts)
	}
	age := s.now().Sub(ts)
	return age >= 0 && age <= activity.DefaultRealTimeWindow
}

func (s *Service) profiles(ctx context.Context, ids ...string) (map[string]Profile, error) {
	ids = uniqueNonEmpty(ids)
	out := make(map[string]Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.store.GetProfiles(ctx, ids)
	if err != nil {
		return out, err
	}
	for _, p := range rows {
		out[p.ID] = p
	}
	return out, nil
}

func checkPair(a, b string) (string, string, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" || a == b {
		return a, b, ErrInvalidInput
	}
	return a, b, nil
}

func uniqueNonEmpty(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func positiveInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func positiveDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}
