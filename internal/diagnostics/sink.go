// Package diagnostics collects what an analyzer process writes to stderr and
// how it exited.
package diagnostics

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dshills/deckfold/internal/logging"
)

// Config configures a Sink.
type Config struct {
	// MaxLines bounds the stderr ring. Oldest lines are evicted first.
	MaxLines int `koanf:"max_lines"`
	// NoticeRate is the sustained number of stderr notices per second.
	NoticeRate float64 `koanf:"notice_rate"`
	// NoticeBurst is the number of notices allowed at once.
	NoticeBurst int `koanf:"notice_burst"`
}

// DefaultConfig returns the default sink configuration.
func DefaultConfig() Config {
	return Config{MaxLines: 500, NoticeRate: 1, NoticeBurst: 3}
}

// Validate checks the limits.
func (c Config) Validate() error {
	switch {
	case c.MaxLines <= 0:
		return fmt.Errorf("diagnostics.max_lines must be positive, got %d", c.MaxLines)
	case c.NoticeRate < 0:
		return fmt.Errorf("diagnostics.notice_rate must not be negative, got %v", c.NoticeRate)
	case c.NoticeBurst < 0:
		return fmt.Errorf("diagnostics.notice_burst must not be negative, got %d", c.NoticeBurst)
	}
	return nil
}

// Notifier shows a notice to the user. It must not block.
type Notifier func(msg string)

// Exit records how a process ended.
type Exit struct {
	Code     int
	Signal   string
	Expected bool
	At       time.Time
}

func (e Exit) String() string {
	if e.Signal != "" {
		return fmt.Sprintf("killed by %s", e.Signal)
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// Sink is the diagnostics sink of one session. Methods are safe for
// concurrent use and never block on the notifier's behalf beyond the call.
type Sink struct {
	mu       sync.Mutex
	name     string
	lines    []string
	head     int // index of the oldest line when the ring is full
	total    int
	partial  []byte
	limiter  *rate.Limiter
	notify   Notifier
	dropped  int
	exit     *Exit
	logger   *logging.Logger
	maxLines int
}

// New creates a sink. name prefixes every notice.
func New(cfg Config, name string, notify Notifier, logger *logging.Logger) *Sink {
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = DefaultConfig().MaxLines
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Sink{
		name:     name,
		lines:    make([]string, 0, min(cfg.MaxLines, 64)),
		limiter:  rate.NewLimiter(rate.Limit(cfg.NoticeRate), cfg.NoticeBurst),
		notify:   notify,
		logger:   logger.WithComponent("diagnostics"),
		maxLines: cfg.MaxLines,
	}
}

// maxLineBytes bounds a retained stderr line. Longer output without a newline
// is split into lines of this size.
const maxLineBytes = 4096

// OnStderr records a chunk of stderr output. Complete lines enter the ring
// and are forwarded as notices while the rate limit allows; a trailing
// partial line waits for the next chunk.
func (s *Sink) OnStderr(chunk []byte) {
	s.mu.Lock()
	var complete []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		end := i
		if i < 0 {
			end = len(chunk)
		}
		if room := maxLineBytes - len(s.partial); end > room {
			s.partial = append(s.partial, chunk[:room]...)
			chunk = chunk[room:]
			complete = append(complete, s.takeLine())
			continue
		}
		s.partial = append(s.partial, chunk[:end]...)
		if i < 0 {
			break
		}
		chunk = chunk[i+1:]
		complete = append(complete, s.takeLine())
	}
	var notices []string
	for _, line := range complete {
		if line == "" {
			continue
		}
		if s.limiter.Allow() {
			notices = append(notices, line)
		} else {
			s.dropped++
		}
	}
	notify := s.notify
	s.mu.Unlock()

	for _, line := range complete {
		s.logger.Debug("analyzer stderr", zap.String("line", line))
	}
	if notify != nil {
		for _, n := range notices {
			notify(fmt.Sprintf("%s: %s", s.name, n))
		}
	}
}

// Flush moves a pending partial line into the ring.
func (s *Sink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.partial) > 0 {
		s.takeLine()
	}
}

// takeLine moves the partial line into the ring and returns it.
func (s *Sink) takeLine() string {
	line := strings.TrimRight(string(s.partial), "\r")
	s.partial = s.partial[:0]
	s.push(line)
	return line
}

// push appends one line, evicting the oldest when the ring is full.
func (s *Sink) push(line string) {
	s.total++
	if len(s.lines) < s.maxLines {
		s.lines = append(s.lines, line)
		return
	}
	s.lines[s.head] = line
	s.head = (s.head + 1) % s.maxLines
}

// OnExit records the exit of the process and emits one notice when the exit
// was not requested. It returns false if an exit was already recorded.
func (s *Sink) OnExit(e Exit) bool {
	s.mu.Lock()
	if s.exit != nil {
		s.mu.Unlock()
		return false
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.exit = &e
	notify := s.notify
	s.mu.Unlock()

	if e.Expected {
		s.logger.Debug("analyzer exited", zap.Stringer("status", e))
		return true
	}
	s.logger.Warn("analyzer crashed", zap.Stringer("status", e))
	if notify != nil {
		notify(fmt.Sprintf("%s: analyzer stopped (%s); folds and highlights are frozen until you re-attach", s.name, e))
	}
	return true
}

// Exit returns the recorded exit, if any.
func (s *Sink) Exit() (Exit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exit == nil {
		return Exit{}, false
	}
	return *s.exit, true
}

// Lines returns the retained stderr lines, oldest first.
func (s *Sink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.lines))
	out = append(out, s.lines[s.head:]...)
	out = append(out, s.lines[:s.head]...)
	return out
}

// Stats returns the number of lines seen and notices suppressed by the rate
// limit.
func (s *Sink) Stats() (total, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, s.dropped
}

// Print renders the retained stderr and exit status as text.
func (s *Sink) Print() string {
	lines := s.Lines()
	total, _ := s.Stats()
	exit, exited := s.Exit()

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s stderr (%d of %d lines kept)\n", s.name, len(lines), total)
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	if exited {
		fmt.Fprintf(&sb, "%s %s at %s\n", s.name, exit, exit.At.Format(time.RFC3339))
	}
	return sb.String()
}
