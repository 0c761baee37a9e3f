package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrChannelClosed = errors.New("channel closed")
	ErrJoinTimeout   = errors.New("channel join timed out")
	ErrNotConnected  = errors.New("feed not connected")
)

// Status is reported to the subscribe callback over a channel's lifetime.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// State is the channel's current position in its lifecycle.
type State string

const (
	StateClosed  State = "closed"
	StateJoining State = "joining"
	StateJoined  State = "joined"
	StateErrored State = "errored"
	StateLeaving State = "leaving"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

// Binding selects row changes for one table. Filter uses the
// "column=eq.value" form.
type Binding struct {
	Schema string
	Table  string
	Event  EventType
	Filter string
}

// Change is a single row-level change event.
type Change struct {
	Type            EventType       `json:"type"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// Decode unmarshals the new record, or the old one for deletes.
func (c Change) Decode(out any) error {
	raw := c.Record
	if len(raw) == 0 || string(raw) == "null" {
		raw = c.OldRecord
	}
	if len(raw) == 0 {
		return errors.New("change carries no record")
	}
	return json.Unmarshal(raw, out)
}

type Handler func(Change)

type StatusFunc func(status Status, err error)

// Channel is one named subscription on a Feed. Handlers registered with On
// are invoked from the feed's reader goroutine.
type Channel interface {
	Name() string
	On(binding Binding, handler Handler)
	Subscribe(ctx context.Context, onStatus StatusFunc) error
	State() State
	Close() error
}

type Feed interface {
	Channel(name string) Channel
	Close() error
}

func (b Binding) matches(change Change) bool {
	if b.Table != "" && !strings.EqualFold(b.Table, change.Table) {
		return false
	}
	if b.Schema != "" && change.Schema != "" && b.Schema != change.Schema {
		return false
	}
	if b.Event != "" && b.Event != EventAll && b.Event != change.Type {
		return false
	}
	if b.Filter != "" {
		raw := change.Record
		if change.Type == EventDelete {
			raw = change.OldRecord
		}
		return MatchFilter(b.Filter, raw)
	}
	return true
}

// MatchFilter evaluates a single "column=op.value" filter against a JSON
// record. Supported operators are eq, neq and in.
func MatchFilter(filter string, record json.RawMessage) bool {
	column, expr, ok := strings.Cut(strings.TrimSpace(filter), "=")
	if !ok {
		return false
	}
	op, value, ok := strings.Cut(expr, ".")
	if !ok {
		return false
	}
	var row map[string]any
	if err := json.Unmarshal(record, &row); err != nil {
		return false
	}
	actual, present := row[strings.TrimSpace(column)]
	actualText := ""
	if present && actual != nil {
		switch v := actual.(type) {
		case string:
			actualText = v
		default:
			encoded, _ := json.Marshal(v)
			actualText = string(encoded)
		}
	}
	switch op {
	case "eq":
		return present && actualText == value
	case "neq":
		return !present || actualText != value
	case "in":
		value = strings.TrimSuffix(strings.TrimPrefix(value, "("), ")")
		for _, candidate := range strings.Split(value, ",") {
			if strings.Trim(strings.TrimSpace(candidate), `"`) == actualText {
				return present
			}
		}
		return false
	default:
		return false
	}
}
