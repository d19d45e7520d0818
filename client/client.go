// Package client wires the store, read path, mutation coordinator and derived
// state for one session. It is what a UI or the CLI talks to.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cookbook/config"
	"cookbook/invalidation"
	"cookbook/metrics"
	"cookbook/models"
	"cookbook/mq"
	"cookbook/mutation"
	"cookbook/query"
	"cookbook/resolver"
	"cookbook/session"
	"cookbook/store"
	"cookbook/transport"
)

type Client struct {
	Session   session.Session
	Store     *store.Store
	Queries   *query.Fetcher
	Mutations *mutation.Coordinator
	View      *resolver.View
	Metrics   *metrics.Metrics

	logger *slog.Logger
}

type settings struct {
	logger      *slog.Logger
	registerer  prometheus.Registerer
	emitter     mq.Emitter
	timeout     time.Duration
	memoSize    int
	concurrency int
}

type Option func(*settings)

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithRegisterer registers the client's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *settings) { s.registerer = reg }
}

// WithEmitter sets where invalidation and late-settlement events go.
func WithEmitter(e mq.Emitter) Option {
	return func(s *settings) { s.emitter = e }
}

func WithMutationTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

func WithMemoSize(n int) Option {
	return func(s *settings) { s.memoSize = n }
}

func WithRefreshConcurrency(n int) Option {
	return func(s *settings) { s.concurrency = n }
}

// New builds a client over api for sess.
func New(api transport.Transport, sess session.Session, opts ...Option) (*Client, error) {
	st := settings{logger: slog.Default(), timeout: mutation.DefaultTimeout}
	for _, opt := range opts {
		opt(&st)
	}
	if st.emitter == nil {
		st.emitter = mq.LogEmitter{Logger: st.logger}
	}
	if st.timeout <= 0 {
		st.timeout = mutation.DefaultTimeout
	}

	m := metrics.New(st.registerer)
	s := store.New(store.WithLogger(st.logger))
	b := invalidation.New(s,
		invalidation.WithEmitter(st.emitter),
		invalidation.WithMetrics(m),
		invalidation.WithLogger(st.logger))
	view, err := resolver.NewView(s, st.memoSize)
	if err != nil {
		return nil, err
	}

	return &Client{
		Session: sess,
		Store:   s,
		Queries: query.New(s, api, sess,
			query.WithMetrics(m),
			query.WithLogger(st.logger),
			query.WithConcurrency(st.concurrency)),
		Mutations: mutation.New(s, api, sess,
			mutation.WithBroadcaster(b),
			mutation.WithEmitter(st.emitter),
			mutation.WithMetrics(m),
			mutation.WithLogger(st.logger),
			mutation.WithTimeout(st.timeout)),
		View:    view,
		Metrics: m,
		logger:  st.logger,
	}, nil
}

// FromConfig builds the HTTP transport and session described by cfg.
func FromConfig(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	sess, err := cfg.Session()
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	api, err := transport.NewClient(cfg.APIURL, sess,
		transport.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		transport.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		transport.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	base := []Option{
		WithLogger(logger),
		WithMutationTimeout(cfg.MutationTimeout),
		WithMemoSize(cfg.MemoSize),
		WithRefreshConcurrency(cfg.RefreshConcurrency),
	}
	return New(api, sess, append(base, opts...)...)
}

// IsFavorited loads, if needed, and reports the session user's favorite
// state for recipeID.
func (c *Client) IsFavorited(ctx context.Context, recipeID string) (bool, error) {
	if _, err := c.Queries.FavoriteStatus(ctx, recipeID); err != nil {
		return false, err
	}
	return c.View.IsFavorited(c.Session.UserID, recipeID), nil
}

// ToggleFavorite flips the favorite state the user currently sees.
func (c *Client) ToggleFavorite(ctx context.Context, recipeID string) error {
	if c.Session.Anonymous() || recipeID == "" {
		return c.Mutations.ToggleFavorite(ctx, recipeID, false)
	}
	if err := c.settled(ctx, store.FavoriteStatusKey(c.Session.UserID, recipeID)); err != nil {
		return err
	}
	current := c.View.IsFavorited(c.Session.UserID, recipeID)
	return c.Mutations.ToggleFavorite(ctx, recipeID, current)
}

func (c *Client) IsFollowing(ctx context.Context, userID string) (bool, error) {
	if _, err := c.Queries.FollowStatus(ctx, userID); err != nil {
		return false, err
	}
	return c.View.IsFollowing(c.Session.UserID, userID), nil
}

// ToggleFollow flips the follow state the user currently sees.
func (c *Client) ToggleFollow(ctx context.Context, userID string) error {
	if c.Session.Anonymous() || userID == "" || userID == c.Session.UserID {
		return c.Mutations.ToggleFollow(ctx, userID, false)
	}
	if err := c.settled(ctx, store.FollowStatusKey(c.Session.UserID, userID)); err != nil {
		return err
	}
	current := c.View.IsFollowing(c.Session.UserID, userID)
	return c.Mutations.ToggleFollow(ctx, userID, current)
}

// settled makes sure key holds server state before a toggle derives its
// direction from it. A stale key is refetched and waited for rather than
// served while a background refresh runs.
func (c *Client) settled(ctx context.Context, key string) error {
	if e, ok := c.Store.Get(key); ok && !e.Stale {
		return nil
	}
	_, err := c.Queries.Refresh(ctx, key)
	return err
}

func (c *Client) Rate(ctx context.Context, recipeID string, rating int) error {
	return c.Mutations.SubmitRating(ctx, recipeID, rating)
}

// RatingSummary is what a recipe page shows about ratings.
type RatingSummary struct {
	Average *float64 `yaml:"average"`
	Total   int      `yaml:"total"`
	Own     *int     `yaml:"own,omitempty"`
}

func (c *Client) Ratings(ctx context.Context, recipeID string) (RatingSummary, error) {
	page, err := c.Queries.Ratings(ctx, recipeID)
	if err != nil {
		return RatingSummary{}, err
	}
	out := RatingSummary{Average: c.View.AverageRating(recipeID), Total: page.Total}
	if own, ok := c.View.OwnRating(c.Session.UserID, recipeID); ok {
		v := own.Rating
		out.Own = &v
	}
	return out, nil
}

func (c *Client) Recipes(ctx context.Context, q models.RecipeQuery) ([]models.Recipe, error) {
	return c.Queries.Recipes(ctx, q)
}

func (c *Client) Recipe(ctx context.Context, recipeID string) (models.Recipe, error) {
	return c.Queries.Recipe(ctx, recipeID)
}

// Watch calls fn after every write to key until the returned func is called.
// Unwatching never affects mutations in progress.
func (c *Client) Watch(key string, fn store.Listener) func() {
	return c.Store.Subscribe(key, fn)
}

// Refresh refetches every key left stale by settled mutations.
func (c *Client) Refresh(ctx context.Context) error {
	return c.Queries.RefreshStale(ctx)
}

// Close waits for background work and drops the session's cached state.
func (c *Client) Close() {
	c.Mutations.Wait()
	c.Queries.Wait()
	c.Store.Clear()
	c.logger.Debug("client closed", slog.String("user", c.Session.UserID))
}
