package panel

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelDanger  Level = "danger"
)

// DefaultNoticeTTL is how long a banner stays up before it is dismissed.
const DefaultNoticeTTL = 3 * time.Second

type Notice struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Notifier interface {
	Notify(Notice)
}

type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// Multi fans a notice out to every non-nil notifier.
func Multi(ns ...Notifier) Notifier {
	return NotifierFunc(func(n Notice) {
		for _, x := range ns {
			if x != nil {
				x.Notify(n)
			}
		}
	})
}

// Feed keeps recent notices and drops each one after its TTL.
type Feed struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	notices []Notice
}

func NewFeed(ttl time.Duration) *Feed {
	if ttl <= 0 {
		ttl = DefaultNoticeTTL
	}
	return &Feed{ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock replaces the time source.
func (f *Feed) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

func (f *Feed) Notify(n Notice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n.At.IsZero() {
		n.At = f.now()
	}
	f.notices = append(f.notices, n)
}

// Active returns the notices that have not expired, oldest first.
func (f *Feed) Active() []Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := f.now().Add(-f.ttl)
	kept := f.notices[:0]
	for _, n := range f.notices {
		if n.At.After(cutoff) {
			kept = append(kept, n)
		}
	}
	f.notices = kept
	return append([]Notice(nil), kept...)
}

// Latest returns the newest active notice.
func (f *Feed) Latest() (Notice, bool) {
	active := f.Active()
	if len(active) == 0 {
		return Notice{}, false
	}
	return active[len(active)-1], true
}

// Log records notices on a zap logger one level below their severity, so a
// terminal that already shows the notice is not echoed at the default level.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Notify(n Notice) {
	if l.Logger == nil {
		return
	}
	fields := []zap.Field{zap.String("level", string(n.Level))}
	switch n.Level {
	case LevelDanger:
		l.Logger.Warn(n.Message, fields...)
	case LevelWarning:
		l.Logger.Info(n.Message, fields...)
	default:
		l.Logger.Debug(n.Message, fields...)
	}
}
