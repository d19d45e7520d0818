// Package query is the read path: it loads store keys through the transport,
// coalescing concurrent loads of the same key and serving stale data while a
// refresh runs.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"cookbook/metrics"
	"cookbook/models"
	"cookbook/resolver"
	"cookbook/session"
	"cookbook/store"
	"cookbook/transport"
)

// ErrUnsupported is returned for keys the API cannot serve, such as another
// user's favorites.
var ErrUnsupported = errors.New("key cannot be loaded")

const (
	DefaultConcurrency    = 4
	DefaultRefreshTimeout = 15 * time.Second
)

// Fetcher fills the store from the transport.
type Fetcher struct {
	store       *store.Store
	api         transport.Queries
	session     session.Session
	metrics     *metrics.Metrics
	logger      *slog.Logger
	concurrency int
	timeout     time.Duration

	group singleflight.Group
	wg    sync.WaitGroup
}

type Option func(*Fetcher)

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithConcurrency bounds how many keys RefreshStale fetches at once.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) { f.concurrency = n }
}

// WithRefreshTimeout bounds background refreshes started by Load.
func WithRefreshTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.timeout = d }
}

// New creates a fetcher reading through api on behalf of sess.
func New(s *store.Store, api transport.Queries, sess session.Session, opts ...Option) *Fetcher {
	f := &Fetcher{
		store:       s,
		api:         api,
		session:     sess,
		logger:      slog.Default(),
		concurrency: DefaultConcurrency,
		timeout:     DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.metrics == nil {
		f.metrics = metrics.New(nil)
	}
	if f.concurrency <= 0 {
		f.concurrency = DefaultConcurrency
	}
	return f
}

// Load returns the entry under key. An absent key is fetched before Load
// returns; a stale key is returned as is and refreshed in the background.
func (f *Fetcher) Load(ctx context.Context, key string) (store.Entry, error) {
	e, ok := f.store.Get(key)
	switch {
	case !ok:
		return f.Refresh(ctx, key)
	case e.Stale:
		f.revalidate(ctx, key)
		return e, nil
	default:
		return e, nil
	}
}

// Refresh fetches key regardless of what the store holds. Concurrent
// refreshes of one key share a single request; a caller giving up does not
// cancel it for the others.
func (f *Fetcher) Refresh(ctx context.Context, key string) (store.Entry, error) {
	ch := f.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		return f.fetch(fetchCtx, key)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return store.Entry{}, r.Err
		}
		e, ok := r.Val.(store.Entry)
		if !ok {
			return store.Entry{}, fmt.Errorf("load %s: unexpected result %T", key, r.Val)
		}
		return e, nil
	case <-ctx.Done():
		return store.Entry{}, ctx.Err()
	}
}

// RefreshStale refetches every stale key and returns the first error.
func (f *Fetcher) RefreshStale(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for _, key := range f.store.StaleKeys() {
		g.Go(func() error {
			_, err := f.Refresh(ctx, key)
			return err
		})
	}
	return g.Wait()
}

// Wait blocks until background refreshes started by Load are done.
func (f *Fetcher) Wait() { f.wg.Wait() }

func (f *Fetcher) revalidate(ctx context.Context, key string) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if _, err := f.Refresh(context.WithoutCancel(ctx), key); err != nil {
			f.logger.WarnContext(ctx, "background refresh failed",
				slog.String("key", key), slog.String("error", err.Error()))
		}
	}()
}

func (f *Fetcher) fetch(ctx context.Context, key string) (store.Entry, error) {
	pk, err := store.ParseKey(key)
	if err != nil {
		return store.Entry{}, err
	}
	var expect uint64
	if e, ok := f.store.Get(key); ok {
		expect = e.Version
	}
	started := time.Now()
	data, err := f.load(ctx, pk)
	f.metrics.ObserveFetch(pk.Prefix, err, time.Since(started))
	if err != nil {
		return store.Entry{}, fmt.Errorf("load %s: %w", key, err)
	}
	e, ok := f.store.SetIfVersion(key, data, expect)
	if !ok {
		// A local write or invalidation landed while the request ran. The
		// key keeps the newer local state; whoever wrote it invalidates the
		// key once the server has caught up.
		f.logger.DebugContext(ctx, "discarded overtaken fetch", slog.String("key", key))
		if e.Key == "" {
			return store.Entry{Key: key, Data: data, Stale: true}, nil
		}
		return e, nil
	}
	f.logger.DebugContext(ctx, "loaded", slog.String("key", key))
	return e, nil
}

func (f *Fetcher) load(ctx context.Context, pk store.ParsedKey) (any, error) {
	switch pk.Prefix {
	case store.PrefixRecipes:
		q, err := models.ParseRecipeQuery(pk.Scope[0])
		if err != nil {
			return nil, err
		}
		return f.api.ListRecipes(ctx, q)
	case store.PrefixRecipe:
		return f.api.GetRecipe(ctx, pk.Scope[0])
	case store.PrefixFavorites:
		if pk.Scope[0] != f.session.UserID {
			return nil, fmt.Errorf("favorites of %s: %w", pk.Scope[0], ErrUnsupported)
		}
		return f.api.ListFavorites(ctx)
	case store.PrefixFollowing:
		return f.api.ListFollowing(ctx, pk.Scope[0])
	case store.PrefixFollowers:
		return f.api.ListFollowers(ctx, pk.Scope[0])
	case store.PrefixRatings:
		return f.api.GetRatingsForRecipe(ctx, pk.Scope[0])
	case store.PrefixFavorite:
		links, err := list[[]models.FavoriteLink](ctx, f, store.FavoritesKey(pk.Scope[0]))
		if err != nil {
			return nil, err
		}
		return resolver.IsFavorited(pk.Scope[1], links), nil
	case store.PrefixFollow:
		links, err := list[[]models.FollowLink](ctx, f, store.FollowingKey(pk.Scope[0]))
		if err != nil {
			return nil, err
		}
		return resolver.IsFollowing(pk.Scope[1], links), nil
	default:
		return nil, fmt.Errorf("prefix %q: %w", pk.Prefix, ErrUnsupported)
	}
}

// list returns the fresh list a status key is derived from, fetching it when
// it is absent or stale.
func list[T any](ctx context.Context, f *Fetcher, key string) (T, error) {
	if e, ok := f.store.Get(key); ok && !e.Stale {
		if v, ok := e.Data.(T); ok {
			return v, nil
		}
	}
	var zero T
	e, err := f.Refresh(ctx, key)
	if err != nil {
		return zero, err
	}
	v, ok := e.Data.(T)
	if !ok {
		return zero, fmt.Errorf("%s holds %T", key, e.Data)
	}
	return v, nil
}
