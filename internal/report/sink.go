package report

import (
	"crypto/sha256"
	"encoding/hex"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind classifies a report
type Kind string

const (
	KindError    Kind = "error"
	KindCritical Kind = "critical"
)

// Report is one operational failure worth a human's attention
type Report struct {
	Kind      Kind
	Module    string
	Op        string
	Wallet    string
	Token     string
	Signature string
	Err       error
	Stack     string
	Extra     map[string]string
}

// Sink receives reports that survived deduplication
type Sink interface {
	Emit(Report)
}

// Reporter deduplicates repeated failures before they reach the sink. The
// same failure from the same call site is suppressed inside the window;
// critical reports always pass.
type Reporter struct {
	sink   Sink
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// New creates a reporter over the given sink
func New(sink Sink, window time.Duration) *Reporter {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Reporter{
		sink:   sink,
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// Report submits one report, deduplicating by (kind, module, call site)
func (r *Reporter) Report(rep Report) {
	if rep.Stack == "" {
		rep.Stack = string(debug.Stack())
	}

	if rep.Kind != KindCritical {
		key := dedupKey(rep)
		now := time.Now()

		r.mu.Lock()
		last, dup := r.seen[key]
		if dup && now.Sub(last) < r.window {
			r.mu.Unlock()
			return
		}
		r.seen[key] = now
		// Drop expired entries opportunistically so the map stays bounded
		for k, t := range r.seen {
			if now.Sub(t) >= r.window {
				delete(r.seen, k)
			}
		}
		r.mu.Unlock()
	}

	r.sink.Emit(rep)
}

func dedupKey(rep Report) string {
	// First frame line, skipping the "goroutine N [running]:" header so the
	// key is stable across goroutines.
	site := rep.Stack
	if idx := strings.IndexByte(site, '\n'); idx >= 0 && strings.HasPrefix(site, "goroutine ") {
		site = site[idx+1:]
	}
	if idx := strings.IndexByte(site, '\n'); idx >= 0 {
		site = site[:idx]
	}
	h := sha256.Sum256([]byte(string(rep.Kind) + "|" + rep.Module + "|" + rep.Op + "|" + site))
	return hex.EncodeToString(h[:])
}

// LogSink writes reports as structured log events
type LogSink struct{}

// Emit logs one report
func (LogSink) Emit(rep Report) {
	evt := log.Error()
	if rep.Kind == KindCritical {
		evt = log.Error().Bool("critical", true)
	}
	evt = evt.
		Str("module", rep.Module).
		Str("op", rep.Op)
	if rep.Err != nil {
		evt = evt.Err(rep.Err)
	}
	if rep.Wallet != "" {
		evt = evt.Str("wallet", rep.Wallet)
	}
	if rep.Token != "" {
		evt = evt.Str("token", rep.Token)
	}
	if rep.Signature != "" {
		evt = evt.Str("sig", rep.Signature)
	}
	for k, v := range rep.Extra {
		evt = evt.Str(k, v)
	}
	evt.Msg("operational failure")
}
