package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/fleet-sync/internal/clock"
)

// Kind tags an activity entry the way the dashboard feed labels them.
type Kind string

const (
	KindSystem  Kind = "SYSTEM"
	KindAlert   Kind = "ALERT"
	KindError   Kind = "ERROR"
	KindUser    Kind = "USER"
	KindEdit    Kind = "EDIT"
	KindWarning Kind = "WARNING"
)

type Entry struct {
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	Ref     string    `json:"ref,omitempty"`
}

// Recorder is what components need to write to the feed.
type Recorder interface {
	Record(kind Kind, ref, format string, args ...any)
}

// Sink receives every entry after it is added, in Seq order. Record must
// not block or write back to the feed.
type Sink interface {
	Record(e Entry)
}

// Feed is the bounded, newest-last activity and alert log. Alerts from
// the stream land here directly and never touch the entity store.
type Feed struct {
	// deliver serializes Add so sinks and subscribers see entries in Seq
	// order. It is taken before mu.
	deliver sync.Mutex
	mu      sync.Mutex
	entries []Entry
	limit   int
	seq     uint64
	sinks   []Sink
	subs    map[int]func(Entry)
	nextSub int

	clock  clock.Clock
	logger *slog.Logger
}

func NewFeed(limit int, clk clock.Clock, logger *slog.Logger) *Feed {
	if limit <= 0 {
		limit = 200
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{limit: limit, clock: clk, logger: logger, subs: make(map[int]func(Entry))}
}

// AddSink attaches a sink such as the Postgres journal.
func (f *Feed) AddSink(s Sink) {
	f.mu.Lock()
	f.sinks = append(f.sinks, s)
	f.mu.Unlock()
}

// Subscribe registers fn for every later entry. Like a Sink, fn must not
// write back to the feed.
func (f *Feed) Subscribe(fn func(Entry)) func() {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *Feed) Record(kind Kind, ref, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	f.Add(Entry{Kind: kind, Ref: ref, Message: msg})
}

// Add stamps and appends e, evicting the oldest entry past the limit.
func (f *Feed) Add(e Entry) Entry {
	f.deliver.Lock()
	defer f.deliver.Unlock()

	f.mu.Lock()
	f.seq++
	e.Seq = f.seq
	if e.At.IsZero() {
		e.At = f.clock.Now()
	}
	f.entries = append(f.entries, e)
	if over := len(f.entries) - f.limit; over > 0 {
		f.entries = append(f.entries[:0:0], f.entries[over:]...)
	}
	sinks := append([]Sink(nil), f.sinks...)
	ids := make([]int, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(Entry), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, f.subs[id])
	}
	f.mu.Unlock()

	level := slog.LevelInfo
	switch e.Kind {
	case KindError:
		level = slog.LevelError
	case KindWarning, KindAlert:
		level = slog.LevelWarn
	}
	f.logger.Log(context.Background(), level, "activity", "kind", string(e.Kind), "ref", e.Ref, "message", e.Message)

	for _, s := range sinks {
		s.Record(e)
	}
	for _, fn := range subs {
		fn(e)
	}
	return e
}

// Recent returns up to n entries, newest first.
func (f *Feed) Recent(n int) []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n <= 0 || n > len(f.entries) {
		n = len(f.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(f.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, f.entries[i])
	}
	return out
}

// Discard is a Recorder that drops everything.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(Kind, string, string, ...any) {}
