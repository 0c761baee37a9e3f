package activity

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	DefaultInactivityThreshold = 30 * time.Second
	DefaultRealTimeWindow      = 10 * time.Second
	defaultShownLimit          = 100
	defaultShownKeep           = 50
)

type Options struct {
	InactivityThreshold time.Duration
	// RealTimeWindow is the maximum age at which an event still counts as
	// live rather than backfill. Clock skew between client and server makes
	// this approximate.
	RealTimeWindow time.Duration
	Now            func() time.Time
}

// Detector tracks whether the local user is present. It is created by the
// owning process, started once, and handed to the components that need it.
type Detector struct {
	threshold time.Duration
	window    time.Duration
	now       func() time.Time

	mu           sync.Mutex
	started      bool
	lastActivity time.Time
	visible      bool
	online       bool
	shown        map[string]time.Time
	cancel       context.CancelFunc
	done         chan struct{}
	listeners    []func(active bool)
	lastActive   bool
}

func New(opts Options) *Detector {
	threshold := opts.InactivityThreshold
	if threshold <= 0 {
		threshold = DefaultInactivityThreshold
	}
	window := opts.RealTimeWindow
	if window <= 0 {
		window = DefaultRealTimeWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Detector{
		threshold:  threshold,
		window:     window,
		now:        now,
		visible:    true,
		online:     true,
		shown:      map[string]time.Time{},
		lastActive: true,
	}
}

// Start begins periodic re-evaluation of the active state so OnChange
// listeners see transitions caused by inactivity. Calling Start twice is a
// no-op.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.lastActivity = d.now()
	d.lastActive = d.activeLocked()
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	done := d.done
	interval := d.threshold / 3
	d.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.evaluate()
			}
		}
	}()
}

// Stop ends the evaluation loop and forgets shown ids.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	cancel, done := d.cancel, d.done
	d.shown = map[string]time.Time{}
	d.mu.Unlock()
	cancel()
	<-done
}

func (d *Detector) OnChange(fn func(active bool)) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Touch records user activity (input, focus, scroll).
func (d *Detector) Touch() {
	d.mu.Lock()
	d.lastActivity = d.now()
	d.mu.Unlock()
	d.evaluate()
}

func (d *Detector) SetVisible(visible bool) {
	d.mu.Lock()
	d.visible = visible
	if visible {
		d.lastActivity = d.now()
	}
	d.mu.Unlock()
	d.evaluate()
}

func (d *Detector) SetOnline(online bool) {
	d.mu.Lock()
	d.online = online
	d.mu.Unlock()
	d.evaluate()
}

func (d *Detector) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeLocked()
}

// IsRealTime reports whether an event created at ts is recent enough to be
// treated as live.
func (d *Detector) IsRealTime(ts time.Time) bool {
	if ts.IsZero() {
		return false
	}
	return d.now().Sub(ts) <= d.window
}

// ShouldAlert is true once per id for live events while the user is active.
func (d *Detector) ShouldAlert(id string, ts time.Time) bool {
	if id == "" || !d.IsRealTime(ts) {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.activeLocked() {
		return false
	}
	if _, seen := d.shown[id]; seen {
		return false
	}
	d.shown[id] = d.now()
	if len(d.shown) > defaultShownLimit {
		d.trimShownLocked()
	}
	return true
}

func (d *Detector) activeLocked() bool {
	if !d.visible || !d.online {
		return false
	}
	if d.lastActivity.IsZero() {
		return true
	}
	return d.now().Sub(d.lastActivity) < d.threshold
}

func (d *Detector) evaluate() {
	d.mu.Lock()
	active := d.activeLocked()
	changed := active != d.lastActive
	d.lastActive = active
	listeners := append([]func(bool){}, d.listeners...)
	d.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range listeners {
		fn(active)
	}
}

func (d *Detector) trimShownLocked() {
	ids := make([]string, 0, len(d.shown))
	for id := range d.shown {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return d.shown[ids[i]].After(d.shown[ids[j]]) })
	keep := make(map[string]time.Time, defaultShownKeep)
	for _, id := range ids[:defaultShownKeep] {
		keep[id] = d.shown[id]
	}
	d.shown = keep
}
