package client_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cookbook/client"
	"cookbook/config"
	"cookbook/mockapi"
	"cookbook/models"
	"cookbook/mutation"
	"cookbook/session"
	"cookbook/store"
	"cookbook/transport"
	"cookbook/transport/transporttest"
)

var discard = slog.New(slog.DiscardHandler)

func newClient(t *testing.T) (*client.Client, *transporttest.Fake) {
	t.Helper()
	api := transporttest.New("u1")
	api.SeedRecipe(models.Recipe{ID: "r1", Title: "Soup"})
	c, err := client.New(api, session.New("u1", "token"),
		client.WithLogger(discard),
		client.WithRegisterer(prometheus.NewRegistry()),
		client.WithMutationTimeout(time.Second))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, api
}

func TestToggleFavoriteFollowsWhatTheUserSees(t *testing.T) {
	ctx := context.Background()
	c, api := newClient(t)

	on, err := c.IsFavorited(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, c.ToggleFavorite(ctx, "r1"))
	assert.True(t, api.Favorited("u1", "r1"))
	assert.True(t, c.View.IsFavorited("u1", "r1"))

	require.NoError(t, c.ToggleFavorite(ctx, "r1"))
	assert.False(t, api.Favorited("u1", "r1"))
	assert.False(t, c.View.IsFavorited("u1", "r1"))
}

func TestToggleFollowUnfollowsExistingEdge(t *testing.T) {
	ctx := context.Background()
	c, api := newClient(t)
	api.SeedFollow("u1", "u2")

	following, err := c.IsFollowing(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, following)

	require.NoError(t, c.ToggleFollow(ctx, "u2"))
	assert.False(t, api.Follows("u1", "u2"))
	assert.False(t, c.View.IsFollowing("u1", "u2"))
}

func TestBackToBackFavoriteTogglesStayInSync(t *testing.T) {
	ctx := context.Background()
	c, api := newClient(t)

	want := false
	for i := range 12 {
		// Reading between toggles starts background revalidation of the keys
		// the previous toggle invalidated.
		_, err := c.IsFavorited(ctx, "r1")
		require.NoError(t, err, "read %d", i)

		require.NoError(t, c.ToggleFavorite(ctx, "r1"), "toggle %d", i)
		want = !want
		assert.Equal(t, want, api.Favorited("u1", "r1"), "server after toggle %d", i)
		assert.Equal(t, want, c.View.IsFavorited("u1", "r1"), "view after toggle %d", i)
	}
	c.Queries.Wait()
	assert.Equal(t, want, c.View.IsFavorited("u1", "r1"))
	assert.Equal(t, 6, api.Calls(transport.OpAddFavorite))
	assert.Equal(t, 6, api.Calls(transport.OpRemoveFavorite))
}

func TestBackToBackFollowTogglesStayInSync(t *testing.T) {
	ctx := context.Background()
	c, api := newClient(t)

	want := false
	for i := range 12 {
		_, err := c.IsFollowing(ctx, "u2")
		require.NoError(t, err, "read %d", i)

		require.NoError(t, c.ToggleFollow(ctx, "u2"), "toggle %d", i)
		want = !want
		assert.Equal(t, want, api.Follows("u1", "u2"), "server after toggle %d", i)
		assert.Equal(t, want, c.View.IsFollowing("u1", "u2"), "view after toggle %d", i)
	}
	c.Queries.Wait()
	assert.Equal(t, want, c.View.IsFollowing("u1", "u2"))
	assert.Equal(t, 6, api.Calls(transport.OpFollowUser))
	assert.Equal(t, 6, api.Calls(transport.OpUnfollowUser))
}

func TestToggleFollowSelfIsRejected(t *testing.T) {
	c, api := newClient(t)

	err := c.ToggleFollow(context.Background(), "u1")
	require.ErrorIs(t, err, mutation.ErrValidation)
	assert.Zero(t, api.Calls(transport.OpFollowUser))
}

func TestRateThenSummary(t *testing.T) {
	ctx := context.Background()
	c, api := newClient(t)
	api.SeedRating("u2", "r1", 2)

	require.NoError(t, c.Rate(ctx, "r1", 4))
	require.NoError(t, c.Refresh(ctx))

	sum, err := c.Ratings(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	require.NotNil(t, sum.Average)
	assert.InDelta(t, 3.0, *sum.Average, 1e-9)
	require.NotNil(t, sum.Own)
	assert.Equal(t, 4, *sum.Own)

	require.NoError(t, c.Rate(ctx, "r1", 5))
	assert.Len(t, api.RatingsOf("r1"), 2)
}

func TestFailedToggleSurfacesUserMessage(t *testing.T) {
	ctx := context.Background()
	c, api := newClient(t)
	api.FailStatus(transport.OpAddFavorite, http.StatusInternalServerError, "boom")

	err := c.ToggleFavorite(ctx, "r1")
	require.ErrorIs(t, err, mutation.ErrTransportFailure)
	assert.NotEmpty(t, mutation.UserMessage(err))
	assert.False(t, c.View.IsFavorited("u1", "r1"))
}

func TestWatchStopsAfterUnwatch(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t)
	_, err := c.IsFavorited(ctx, "r1")
	require.NoError(t, err)

	var writes atomic.Int32
	unwatch := c.Watch(store.FavoriteStatusKey("u1", "r1"), func(store.Entry) { writes.Add(1) })
	require.NoError(t, c.ToggleFavorite(ctx, "r1"))
	seen := writes.Load()
	assert.Positive(t, seen)

	unwatch()
	require.NoError(t, c.Refresh(ctx))
	assert.Equal(t, seen, writes.Load())
}

func TestCloseDropsCachedState(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t)
	_, err := c.Recipe(ctx, "r1")
	require.NoError(t, err)
	require.NotEmpty(t, c.Store.Keys())

	c.Close()
	assert.Empty(t, c.Store.Keys())
}

func TestFromConfigAgainstMockAPI(t *testing.T) {
	srv := mockapi.New("test-secret", mockapi.WithLogger(discard))
	srv.DB().AddUser(models.User{ID: "alice", Username: "alice"})
	recipe := srv.DB().AddRecipe(models.Recipe{Title: "Stew"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	token, err := srv.Token("alice")
	require.NoError(t, err)
	cfg := &config.Config{
		APIURL:             ts.URL,
		Token:              token,
		RequestTimeout:     5 * time.Second,
		MutationTimeout:    5 * time.Second,
		MemoSize:           16,
		RefreshConcurrency: 2,
	}
	c, err := client.FromConfig(cfg, discard, client.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	assert.Equal(t, "alice", c.Session.UserID)

	ctx := context.Background()
	require.NoError(t, c.ToggleFavorite(ctx, recipe.ID))
	favs := srv.DB().Favorites("alice")
	require.Len(t, favs, 1)
	assert.True(t, favs[0].Recipe.Is(recipe.ID))

	recipes, err := c.Recipes(ctx, models.RecipeQuery{})
	require.NoError(t, err)
	assert.Len(t, recipes, 1)
}

func TestFromConfigRejectsMismatchedUser(t *testing.T) {
	srv := mockapi.New("test-secret", mockapi.WithLogger(discard))
	token, err := srv.Token("alice")
	require.NoError(t, err)

	_, err = client.FromConfig(&config.Config{APIURL: "http://localhost", Token: token, UserID: "bob"}, discard)
	require.Error(t, err)
	assert.False(t, errors.Is(err, session.ErrNoUser))
}
