// Package invalidation marks store entries stale once a mutation settles.
// Dependencies are declared, not inferred: callers pass the static key
// patterns their mutation kind affects together with the values to bind.
package invalidation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"cookbook/metrics"
	"cookbook/mq"
	"cookbook/store"
)

// Placeholder names usable in patterns as {name}.
const (
	User   = "user"
	Recipe = "recipe"
	Target = "target"
)

// Bindings maps placeholder names to values.
type Bindings map[string]string

var placeholderRE = regexp.MustCompile(`\{([a-z]+)\}`)

// Expand substitutes every {name} in pattern. Bound values are escaped so an
// id can never act as a wildcard.
func Expand(pattern string, b Bindings) (string, error) {
	var missing []string
	out := placeholderRE.ReplaceAllStringFunc(pattern, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := b[name]
		if !ok || v == "" {
			missing = append(missing, name)
			return m
		}
		return escapeMeta(v)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("pattern %q: unbound %s", pattern, strings.Join(missing, ", "))
	}
	return out, nil
}

func escapeMeta(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Broadcaster marks matching store keys stale and announces each one.
type Broadcaster struct {
	store   *store.Store
	emitter mq.Emitter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

func WithEmitter(e mq.Emitter) Option {
	return func(b *Broadcaster) { b.emitter = e }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) { b.logger = l }
}

// New creates a broadcaster over s.
func New(s *store.Store, opts ...Option) *Broadcaster {
	b := &Broadcaster{store: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	if b.emitter == nil {
		b.emitter = mq.LogEmitter{Logger: b.logger}
	}
	if b.metrics == nil {
		b.metrics = metrics.New(nil)
	}
	return b
}

// Invalidate marks stale every present key matched by patterns and returns
// those keys, sorted. Patterns that fail to expand are logged and skipped.
func (b *Broadcaster) Invalidate(ctx context.Context, kind string, patterns []string, bindings Bindings) []string {
	present := b.store.Keys()
	matched := make(map[string]struct{})

	for _, p := range patterns {
		expanded, err := Expand(p, bindings)
		if err != nil {
			b.logger.WarnContext(ctx, "skipping invalidation pattern",
				slog.String("kind", kind), slog.String("error", err.Error()))
			continue
		}
		for _, key := range present {
			ok, err := doublestar.Match(expanded, key)
			if err != nil {
				b.logger.WarnContext(ctx, "bad invalidation pattern",
					slog.String("pattern", expanded), slog.String("error", err.Error()))
				break
			}
			if ok {
				matched[key] = struct{}{}
			}
		}
	}

	stale := make([]string, 0, len(matched))
	for key := range matched {
		if _, ok := b.store.MarkStale(key); ok {
			stale = append(stale, key)
		}
	}
	sort.Strings(stale)

	for _, key := range stale {
		ev := mq.Event{Name: mq.EventInvalidated, Key: key, Kind: kind, EntityID: bindings[entityPlaceholder(kind)]}
		if err := b.emitter.Emit(ctx, ev); err != nil {
			b.logger.WarnContext(ctx, "emit invalidation", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	b.metrics.Invalidations.WithLabelValues(kind).Add(float64(len(stale)))
	return stale
}

func entityPlaceholder(kind string) string {
	if kind == "follow" {
		return Target
	}
	return Recipe
}
