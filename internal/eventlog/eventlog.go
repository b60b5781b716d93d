// Package eventlog records what a session run observed and emitted.
//
// The log is a fixed-size ring: once full, each append overwrites the oldest event.
// Readers always get copies, so a writer never mutates a snapshot a poller already holds.
package eventlog

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity is the number of most recent events kept.
const DefaultCapacity = 1000

type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
	KindCommand Kind = "command"
	KindOutput  Kind = "output"
)

type Event struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
	Kind    Kind      `json:"kind"`
}

// Log is a thread-safe ring buffer of events.
type Log struct {
	mu     sync.RWMutex
	events []Event
	head   int // next write position
	size   int
	cap    int
	seq    uint64

	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Log)

// WithLogger mirrors every appended event to lg at debug level.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Log) { l.logger = lg }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates a log holding at most capacity events (DefaultCapacity when <= 0).
func New(capacity int, opts ...Option) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{
		events: make([]Event, capacity),
		cap:    capacity,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records a message and returns the stored event.
func (l *Log) Append(kind Kind, message string) Event {
	l.mu.Lock()
	l.seq++
	ev := Event{Seq: l.seq, Time: l.now(), Message: message, Kind: kind}
	l.events[l.head] = ev
	l.head = (l.head + 1) % l.cap
	if l.size < l.cap {
		l.size++
	}
	l.mu.Unlock()

	if l.logger != nil {
		l.logger.Debug("session event", "kind", string(kind), "msg", message)
	}
	return ev
}

func (l *Log) Info(format string, args ...any) { l.Append(KindInfo, fmt.Sprintf(format, args...)) }

func (l *Log) Success(format string, args ...any) {
	l.Append(KindSuccess, fmt.Sprintf(format, args...))
}

func (l *Log) Warn(format string, args ...any) { l.Append(KindWarning, fmt.Sprintf(format, args...)) }

func (l *Log) Error(format string, args ...any) { l.Append(KindError, fmt.Sprintf(format, args...)) }

func (l *Log) Command(cmd string) { l.Append(KindCommand, "$ "+cmd) }

// Output records raw shell output. Blank chunks are dropped.
func (l *Log) Output(text string) {
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		l.Append(KindOutput, trimmed)
	}
}

// Snapshot returns all events, oldest first.
func (l *Log) Snapshot() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collectLocked(0)
}

// Since returns the events with Seq greater than seq, oldest first. Pollers pass the
// Seq of the last event they rendered.
func (l *Log) Since(seq uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collectLocked(seq)
}

func (l *Log) collectLocked(after uint64) []Event {
	out := make([]Event, 0, l.size)
	start := 0
	if l.size == l.cap {
		start = l.head
	}
	for i := 0; i < l.size; i++ {
		ev := l.events[(start+i)%l.cap]
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out
}

// LastSeq returns the Seq of the most recently appended event, including cleared ones.
func (l *Log) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

func (l *Log) Capacity() int { return l.cap }

// Clear drops all events. Sequence numbers keep increasing afterwards.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = 0
	l.size = 0
	for i := range l.events {
		l.events[i] = Event{}
	}
}
