package query

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cookbook/metrics"
	"cookbook/models"
	"cookbook/session"
	"cookbook/store"
	"cookbook/transport"
	"cookbook/transport/transporttest"
)

func newFetcher(t *testing.T) (*Fetcher, *store.Store, *transporttest.Fake, *metrics.Metrics) {
	t.Helper()
	s := store.New()
	api := transporttest.New("u1")
	m := metrics.New(prometheus.NewRegistry())
	f := New(s, api, session.New("u1", "token"),
		WithMetrics(m),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithConcurrency(2))
	return f, s, api, m
}

func TestLoadFetchesAbsentKeyOnce(t *testing.T) {
	f, _, api, m := newFetcher(t)
	api.SeedRecipe(models.Recipe{ID: "r1", Title: "Soup"})
	ctx := context.Background()

	r, err := f.Recipe(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Soup", r.Title)

	_, err = f.Recipe(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, api.Calls(transport.OpGetRecipe))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Fetches.WithLabelValues("recipe", metrics.ResultOK)))
}

func TestLoadServesStaleWhileRevalidating(t *testing.T) {
	f, s, api, _ := newFetcher(t)
	s.Set(store.FavoritesKey("u1"), []models.FavoriteLink{})
	s.MarkStale(store.FavoritesKey("u1"))
	api.SeedFavorite("u1", "r1")

	links, err := f.Favorites(context.Background())
	require.NoError(t, err)
	assert.Empty(t, links, "stale data is served immediately")

	f.Wait()
	e, ok := s.Get(store.FavoritesKey("u1"))
	require.True(t, ok)
	assert.False(t, e.Stale)
	assert.Len(t, e.Data, 1)
}

func TestConcurrentLoadsShareOneRequest(t *testing.T) {
	f, _, api, _ := newFetcher(t)
	api.SeedRating("u2", "r1", 4)
	gate := api.Hold(transport.OpGetRatingsForRecipe)

	var wg sync.WaitGroup
	pages := make([]models.RatingsPage, 5)
	for i := range pages {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := f.Ratings(context.Background(), "r1")
			assert.NoError(t, err)
			pages[i] = p
		}()
	}
	<-gate.Entered
	time.Sleep(50 * time.Millisecond)
	gate.Release()
	wg.Wait()

	assert.Equal(t, 1, api.Calls(transport.OpGetRatingsForRecipe))
	for _, p := range pages {
		assert.Equal(t, 1, p.Total)
	}
}

func TestStatusKeysDeriveFromLists(t *testing.T) {
	f, s, api, _ := newFetcher(t)
	api.SeedFavorite("u1", "r1")
	api.SeedFollow("u1", "u2")
	ctx := context.Background()

	fav, err := f.FavoriteStatus(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, fav)
	fav, err = f.FavoriteStatus(ctx, "r2")
	require.NoError(t, err)
	assert.False(t, fav)
	assert.Equal(t, 1, api.Calls(transport.OpListFavorites), "fresh list is reused")

	following, err := f.FollowStatus(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, following)

	assert.Equal(t, []string{
		"favorite:u1:r1", "favorite:u1:r2", "favorites:u1",
		"follow:u1:u2", "following:u1",
	}, s.Keys())
}

func TestFollowersOfAnotherUser(t *testing.T) {
	f, _, api, _ := newFetcher(t)
	api.SeedFollow("u1", "u2")
	api.SeedFollow("u3", "u2")

	links, err := f.Followers(context.Background(), "u2")
	require.NoError(t, err)
	assert.Len(t, links, 2)

	mine, err := f.Following(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "u2", mine[0].Following.ID())
}

func TestRefreshStaleRefetchesEveryStaleKey(t *testing.T) {
	f, s, api, _ := newFetcher(t)
	api.SeedRecipe(models.Recipe{ID: "r1", Title: "New"})
	api.SeedRecipe(models.Recipe{ID: "r2", Title: "New"})
	for _, id := range []string{"r1", "r2", "r3"} {
		s.Set(store.RecipeKey(id), models.Recipe{ID: id, Title: "Old"})
	}
	s.MarkStale(store.RecipeKey("r1"))
	s.MarkStale(store.RecipeKey("r2"))

	require.NoError(t, f.RefreshStale(context.Background()))
	assert.Empty(t, s.StaleKeys())
	r1, _ := store.Value[models.Recipe](s, store.RecipeKey("r1"))
	r3, _ := store.Value[models.Recipe](s, store.RecipeKey("r3"))
	assert.Equal(t, "New", r1.Title)
	assert.Equal(t, "Old", r3.Title)
	assert.Equal(t, 2, api.Calls(transport.OpGetRecipe))
}

func TestLoadErrors(t *testing.T) {
	f, s, api, m := newFetcher(t)
	ctx := context.Background()

	t.Run("transport failure", func(t *testing.T) {
		api.FailStatus(transport.OpGetRecipe, http.StatusNotFound, "recipe not found")
		_, err := f.Recipe(ctx, "r1")
		require.Error(t, err)
		assert.Equal(t, http.StatusNotFound, transport.StatusOf(err))
		_, ok := s.Get(store.RecipeKey("r1"))
		assert.False(t, ok)
		assert.Equal(t, float64(1), testutil.ToFloat64(m.Fetches.WithLabelValues("recipe", metrics.ResultError)))
	})

	t.Run("another user's favorites", func(t *testing.T) {
		_, err := f.Load(ctx, store.FavoritesKey("u2"))
		assert.ErrorIs(t, err, ErrUnsupported)
	})

	t.Run("malformed key", func(t *testing.T) {
		_, err := f.Load(ctx, "nonsense")
		assert.Error(t, err)
	})
}

func TestRecipesByQuery(t *testing.T) {
	f, s, api, _ := newFetcher(t)
	for _, id := range []string{"r1", "r2", "r3"} {
		api.SeedRecipe(models.Recipe{ID: id})
	}

	page, err := f.Recipes(context.Background(), models.RecipeQuery{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "r2", page[0].ID)
	_, ok := s.Get("recipes:limit=1&offset=1")
	assert.True(t, ok)
}

func TestFetchOvertakenByLocalWriteIsDiscarded(t *testing.T) {
	f, s, api, _ := newFetcher(t)
	s.Set(store.FavoriteStatusKey("u1", "r1"), false)
	s.MarkStale(store.FavoriteStatusKey("u1", "r1"))
	gate := api.Hold(transport.OpListFavorites)

	type result struct {
		e   store.Entry
		err error
	}
	done := make(chan result, 1)
	go func() {
		e, err := f.Refresh(context.Background(), store.FavoriteStatusKey("u1", "r1"))
		done <- result{e, err}
	}()
	<-gate.Entered

	// The server still says "not favorited" when the response is built, but
	// the user favorited in the meantime.
	patched, err := s.Patch(store.FavoriteStatusKey("u1", "r1"), func(any) (any, error) { return true, nil })
	require.NoError(t, err)
	gate.Release()

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, patched.Version, r.e.Version)
	on, _ := store.Value[bool](s, store.FavoriteStatusKey("u1", "r1"))
	assert.True(t, on, "the local write survives the older response")
}

func TestFetchOvertakenByInvalidationStaysStale(t *testing.T) {
	f, s, api, _ := newFetcher(t)
	s.Set(store.FavoritesKey("u1"), []models.FavoriteLink{})
	s.MarkStale(store.FavoritesKey("u1"))
	gate := api.Hold(transport.OpListFavorites)

	done := make(chan error, 1)
	go func() {
		_, err := f.Refresh(context.Background(), store.FavoritesKey("u1"))
		done <- err
	}()
	<-gate.Entered
	s.MarkStale(store.FavoritesKey("u1"))
	gate.Release()
	require.NoError(t, <-done)

	e, ok := s.Get(store.FavoritesKey("u1"))
	require.True(t, ok)
	assert.True(t, e.Stale, "a read that began before the invalidation cannot clear it")

	_, err := f.Refresh(context.Background(), store.FavoritesKey("u1"))
	require.NoError(t, err)
	e, _ = s.Get(store.FavoritesKey("u1"))
	assert.False(t, e.Stale)
}
