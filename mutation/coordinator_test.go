package mutation

import (
	"context"
	"errors"
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
	"cookbook/mq"
	"cookbook/resolver"
	"cookbook/session"
	"cookbook/store"
	"cookbook/transport"
	"cookbook/transport/transporttest"
)

type harness struct {
	c       *Coordinator
	store   *store.Store
	api     *transporttest.Fake
	events  *mq.Recorder
	metrics *metrics.Metrics
	view    *resolver.View
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:   store.New(),
		api:     transporttest.New("u1"),
		events:  &mq.Recorder{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	base := []Option{
		WithEmitter(h.events),
		WithMetrics(h.metrics),
		WithLogger(slog.New(slog.DiscardHandler)),
	}
	h.c = New(h.store, h.api, session.New("u1", "token"), append(base, opts...)...)
	view, err := resolver.NewView(h.store, 0)
	require.NoError(t, err)
	h.view = view
	return h
}

func (h *harness) favorites(t *testing.T) []models.FavoriteLink {
	t.Helper()
	links, ok := store.Value[[]models.FavoriteLink](h.store, store.FavoritesKey("u1"))
	require.True(t, ok)
	return links
}

func async(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

func TestToggleFavoriteTwiceRestoresState(t *testing.T) {
	h := newHarness(t)
	h.store.Set(store.FavoritesKey("u1"), []models.FavoriteLink{})
	h.store.Set(store.FavoriteStatusKey("u1", "r1"), false)
	ctx := context.Background()

	require.NoError(t, h.c.ToggleFavorite(ctx, "r1", false))
	assert.True(t, h.view.IsFavorited("u1", "r1"))
	assert.True(t, h.api.Favorited("u1", "r1"))

	require.NoError(t, h.c.ToggleFavorite(ctx, "r1", true))
	assert.False(t, h.view.IsFavorited("u1", "r1"))
	assert.False(t, h.api.Favorited("u1", "r1"))
	assert.Empty(t, h.favorites(t))
}

func TestSecondToggleWhileInFlightConflicts(t *testing.T) {
	h := newHarness(t)
	h.store.Set(store.FavoritesKey("u1"), []models.FavoriteLink{})
	h.store.Set(store.FavoriteStatusKey("u1", "r1"), false)
	gate := h.api.Hold(transport.OpAddFavorite)
	ctx := context.Background()

	first := async(func() error { return h.c.ToggleFavorite(ctx, "r1", false) })
	<-gate.Entered

	key := Key{Subject: "u1", Target: "r1", Kind: KindFavorite}
	assert.Equal(t, StateInFlight, h.c.State(key))
	err := h.c.ToggleFavorite(ctx, "r1", false)
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.MutationConflicts.WithLabelValues("favorite")))

	gate.Release()
	require.NoError(t, <-first)

	assert.Equal(t, 1, h.api.Calls(transport.OpAddFavorite))
	links := h.favorites(t)
	require.Len(t, links, 1)
	assert.Equal(t, "r1", links[0].Recipe.ID())
	assert.False(t, links[0].Provisional(), "confirmed link carries the server id")
	assert.Equal(t, StateIdle, h.c.State(key))
}

func TestFailedToggleRollsBack(t *testing.T) {
	h := newHarness(t)
	h.store.Set(store.FavoritesKey("u1"), []models.FavoriteLink{})
	h.store.Set(store.FavoriteStatusKey("u1", "r1"), false)
	gate := h.api.Hold(transport.OpAddFavorite)
	h.api.FailStatus(transport.OpAddFavorite, http.StatusInternalServerError, "boom")

	done := async(func() error { return h.c.ToggleFavorite(context.Background(), "r1", false) })
	<-gate.Entered
	assert.True(t, h.view.IsFavorited("u1", "r1"), "optimistic state is visible while in flight")
	assert.Len(t, h.favorites(t), 1)

	gate.Release()
	err := <-done
	require.ErrorIs(t, err, ErrTransportFailure)
	var te *transport.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusInternalServerError, te.Status)
	assert.Equal(t, msgFavoriteAdd, UserMessage(err))

	assert.False(t, h.view.IsFavorited("u1", "r1"))
	assert.Empty(t, h.favorites(t))
	status, _ := store.Value[bool](h.store, store.FavoriteStatusKey("u1", "r1"))
	assert.False(t, status)
	assert.Equal(t, []string{"favorite:u1:r1", "favorites:u1"}, h.store.StaleKeys())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.MutationsSettled.WithLabelValues("favorite", metrics.OutcomeRolledBack)))
}

func TestToggleWithNothingLoaded(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.c.ToggleFavorite(context.Background(), "r1", false))
	assert.Empty(t, h.store.Keys())
	assert.True(t, h.api.Favorited("u1", "r1"))
}

func TestRollbackLeavesRefetchedKeyAlone(t *testing.T) {
	h := newHarness(t)
	h.store.Set(store.FavoritesKey("u1"), []models.FavoriteLink{})
	h.store.Set(store.FavoriteStatusKey("u1", "r1"), false)
	gate := h.api.Hold(transport.OpAddFavorite)
	h.api.FailStatus(transport.OpAddFavorite, http.StatusBadGateway, "")

	done := async(func() error { return h.c.ToggleFavorite(context.Background(), "r1", false) })
	<-gate.Entered

	fetched := []models.FavoriteLink{{ID: "fav9", Recipe: models.RefID[models.Recipe]("r9")}}
	h.store.Set(store.FavoritesKey("u1"), fetched)

	gate.Release()
	require.ErrorIs(t, <-done, ErrTransportFailure)
	assert.Equal(t, fetched, h.favorites(t))
	status, _ := store.Value[bool](h.store, store.FavoriteStatusKey("u1", "r1"))
	assert.False(t, status)
}

func TestRollbackRevertsOnlyItsOwnChange(t *testing.T) {
	h := newHarness(t)
	kept := h.api.SeedFavorite("u1", "r2")
	h.store.Set(store.FavoritesKey("u1"), []models.FavoriteLink{kept})
	gate := h.api.Hold(transport.OpAddFavorite)
	h.api.FailStatus(transport.OpAddFavorite, http.StatusInternalServerError, "")
	ctx := context.Background()

	add := async(func() error { return h.c.ToggleFavorite(ctx, "r1", false) })
	<-gate.Entered

	require.NoError(t, h.c.ToggleFavorite(ctx, "r2", true))
	links := h.favorites(t)
	require.Len(t, links, 1)
	assert.True(t, links[0].Recipe.Is("r1"))

	gate.Release()
	require.ErrorIs(t, <-add, ErrTransportFailure)
	assert.Empty(t, h.favorites(t), "r1 reverted, r2 stays removed")
	assert.False(t, h.api.Favorited("u1", "r2"))
}

func TestToggleFollowPatchesAndInvalidatesBothSides(t *testing.T) {
	h := newHarness(t)
	h.store.Set(store.FollowingKey("u1"), []models.FollowLink{})
	h.store.Set(store.FollowersKey("u2"), []models.FollowLink{})
	h.store.Set(store.FollowStatusKey("u1", "u2"), false)
	h.store.Set(store.FollowersKey("u3"), []models.FollowLink{})

	require.NoError(t, h.c.ToggleFollow(context.Background(), "u2", false))

	following, _ := store.Value[[]models.FollowLink](h.store, store.FollowingKey("u1"))
	followers, _ := store.Value[[]models.FollowLink](h.store, store.FollowersKey("u2"))
	require.Len(t, following, 1)
	require.Len(t, followers, 1)
	assert.Equal(t, following[0], followers[0])
	assert.False(t, following[0].Provisional())
	assert.True(t, h.view.IsFollowing("u1", "u2"))
	assert.True(t, h.api.Follows("u1", "u2"))

	stale := []string{"follow:u1:u2", "followers:u2", "following:u1"}
	assert.Equal(t, stale, h.store.StaleKeys())
	assert.Equal(t, stale, h.events.Keys(mq.EventInvalidated))
}

func TestFollowSelfIsRejected(t *testing.T) {
	h := newHarness(t)

	err := h.c.ToggleFollow(context.Background(), "u1", false)
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "You cannot follow yourself.", UserMessage(err))
	assert.Zero(t, h.api.Calls(transport.OpFollowUser))
}

func TestUnfollowFailureRestoresEdge(t *testing.T) {
	h := newHarness(t)
	edge := h.api.SeedFollow("u1", "u2")
	h.store.Set(store.FollowingKey("u1"), []models.FollowLink{edge})
	h.store.Set(store.FollowStatusKey("u1", "u2"), true)
	h.api.FailStatus(transport.OpUnfollowUser, http.StatusServiceUnavailable, "")

	err := h.c.ToggleFollow(context.Background(), "u2", true)
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.Equal(t, msgUnfollow, UserMessage(err))

	following, _ := store.Value[[]models.FollowLink](h.store, store.FollowingKey("u1"))
	assert.Equal(t, []models.FollowLink{edge}, following)
	assert.True(t, h.view.IsFollowing("u1", "u2"))
}

func TestSubmitRatingUpserts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.c.SubmitRating(ctx, "r1", 4))
	records := h.api.RatingsOf("r1")
	require.Len(t, records, 1)
	assert.Equal(t, 4, records[0].Rating)

	own, ok := h.view.OwnRating("u1", "r1")
	require.True(t, ok)
	assert.Equal(t, records[0].ID, own.ID, "confirmed create is stamped with the server id")

	require.NoError(t, h.c.SubmitRating(ctx, "r1", 5))
	records = h.api.RatingsOf("r1")
	require.Len(t, records, 1)
	assert.Equal(t, 5, records[0].Rating)
	assert.Equal(t, 1, h.api.Calls(transport.OpAddRating))
	assert.Equal(t, 1, h.api.Calls(transport.OpUpdateRating))
}

func TestSubmitRatingValidatesFirst(t *testing.T) {
	for _, v := range []int{0, 6, -1} {
		h := newHarness(t)
		err := h.c.SubmitRating(context.Background(), "r1", v)
		require.ErrorIs(t, err, ErrValidation, "rating %d", v)
		assert.Equal(t, "Rating must be between 1 and 5.", UserMessage(err))
		assert.Zero(t, h.api.Calls(transport.OpGetRatingsForRecipe))
		assert.Empty(t, h.store.Keys())
	}
}

func TestSubmitRatingPatchesOnlyOwnRecord(t *testing.T) {
	h := newHarness(t)
	mine := h.api.SeedRating("u1", "r1", 3)
	theirs := h.api.SeedRating("u2", "r1", 5)
	avg := 4.0
	h.store.Set(store.RatingsKey("r1"), models.RatingsPage{
		Records: []models.RatingRecord{mine, theirs},
		Total:   2,
		Average: &avg,
	})
	gate := h.api.Hold(transport.OpUpdateRating)
	h.api.FailStatus(transport.OpUpdateRating, http.StatusInternalServerError, "")

	done := async(func() error { return h.c.SubmitRating(context.Background(), "r1", 1) })
	<-gate.Entered

	page, _ := store.Value[models.RatingsPage](h.store, store.RatingsKey("r1"))
	assert.Equal(t, 1, page.Records[0].Rating)
	assert.Equal(t, 5, page.Records[1].Rating)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 4.0, *page.Average, "average stays as the server reported it")
	assert.Zero(t, h.api.Calls(transport.OpGetRatingsForRecipe), "fresh cached page is used")

	gate.Release()
	err := <-done
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.Equal(t, msgRating, UserMessage(err))

	page, _ = store.Value[models.RatingsPage](h.store, store.RatingsKey("r1"))
	assert.Equal(t, mine, page.Records[0])
	assert.Equal(t, 3, h.api.RatingsOf("r1")[0].Rating)
}

func TestTimeoutRollsBackAndReconcilesLateSuccess(t *testing.T) {
	h := newHarness(t, WithTimeout(20*time.Millisecond))
	h.store.Set(store.FavoriteStatusKey("u1", "r1"), false)
	gate := h.api.Hold(transport.OpAddFavorite)

	err := h.c.ToggleFavorite(context.Background(), "r1", false)
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.Contains(t, UserMessage(err), "took too long")

	key := Key{Subject: "u1", Target: "r1", Kind: KindFavorite}
	assert.Equal(t, StateIdle, h.c.State(key))
	status, _ := store.Value[bool](h.store, store.FavoriteStatusKey("u1", "r1"))
	assert.False(t, status)

	gate.Release()
	h.c.Wait()

	assert.True(t, h.api.Favorited("u1", "r1"))
	e, _ := h.store.Get(store.FavoriteStatusKey("u1", "r1"))
	assert.True(t, e.Stale, "late success leaves the key for refetch")
	assert.Equal(t, []string{"favorite:u1:r1"}, h.events.Keys(mq.EventLateSettlement))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.LateSettlements.WithLabelValues("favorite", metrics.ResultOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.MutationsSettled.WithLabelValues("favorite", metrics.OutcomeTimeout)))
}

func TestCallerCancellationDoesNotDropMutation(t *testing.T) {
	h := newHarness(t)
	h.store.Set(store.FavoriteStatusKey("u1", "r1"), false)
	gate := h.api.Hold(transport.OpAddFavorite)
	ctx, cancel := context.WithCancel(context.Background())

	done := async(func() error { return h.c.ToggleFavorite(ctx, "r1", false) })
	<-gate.Entered
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	key := Key{Subject: "u1", Target: "r1", Kind: KindFavorite}
	assert.Equal(t, StateInFlight, h.c.State(key))

	gate.Release()
	h.c.Wait()
	assert.Equal(t, StateIdle, h.c.State(key))
	assert.True(t, h.api.Favorited("u1", "r1"))
	assert.True(t, h.view.IsFavorited("u1", "r1"))
}

func TestCancelledContextStartsNothing(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, h.c.ToggleFavorite(ctx, "r1", false), context.Canceled)
	assert.Zero(t, h.api.Calls(transport.OpAddFavorite))
}

func TestTransitionsAreObservable(t *testing.T) {
	var mu sync.Mutex
	var seen []Transition
	h := newHarness(t, WithTransitionHook(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tr)
	}))

	require.NoError(t, h.c.ToggleFavorite(context.Background(), "r1", false))

	mu.Lock()
	defer mu.Unlock()
	want := [][2]State{
		{StateIdle, StateApplying},
		{StateApplying, StateInFlight},
		{StateInFlight, StateConfirmed},
		{StateConfirmed, StateIdle},
	}
	require.Len(t, seen, len(want))
	for i, tr := range seen {
		assert.Equal(t, want[i], [2]State{tr.From, tr.To}, "transition %d", i)
		assert.Equal(t, seen[0].ID, tr.ID)
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"conflict", ErrConflict, "Your last change is still being saved. Try again in a moment."},
		{"validation", &ValidationError{Field: "rating", Reason: "Pick a rating."}, "Pick a rating."},
		{"failure", &FailureError{Message: msgFollow, Err: errors.New("x")}, msgFollow},
		{"cancelled", context.Canceled, "The request was cancelled."},
		{"other", errors.New("x"), "Something went wrong. Please try again."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, UserMessage(tc.err))
		})
	}
}

func TestAffects(t *testing.T) {
	got := KindFollow.Affects()
	got[0] = "mutated"
	assert.Equal(t, "following:{user}", KindFollow.Affects()[0])
	assert.Equal(t, "in_flight", StateInFlight.String())
	assert.Equal(t, "favorite:u1:r1", Key{Subject: "u1", Target: "r1", Kind: KindFavorite}.String())
}

func TestInFlightKeysRefuseFetchedData(t *testing.T) {
	h := newHarness(t)
	statusKey := store.FavoriteStatusKey("u1", "r1")
	h.store.Set(store.FavoritesKey("u1"), []models.FavoriteLink{})
	h.store.Set(statusKey, false)
	gate := h.api.Hold(transport.OpAddFavorite)

	done := async(func() error { return h.c.ToggleFavorite(context.Background(), "r1", false) })
	<-gate.Entered

	cur, _ := h.store.Get(statusKey)
	_, ok := h.store.SetIfVersion(statusKey, false, cur.Version)
	assert.False(t, ok, "a response read before the write lands is refused")
	assert.True(t, h.view.IsFavorited("u1", "r1"))

	gate.Release()
	require.NoError(t, <-done)

	settled, _ := h.store.Get(statusKey)
	_, ok = h.store.SetIfVersion(statusKey, true, settled.Version)
	assert.True(t, ok, "the key is released once the mutation settles")
}

func TestFailedRatingLookupStillInvalidates(t *testing.T) {
	h := newHarness(t)
	h.store.Set(store.RecipeKey("r1"), models.Recipe{ID: "r1"})
	h.api.FailStatus(transport.OpGetRatingsForRecipe, http.StatusInternalServerError, "")

	err := h.c.SubmitRating(context.Background(), "r1", 4)
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.Equal(t, msgRating, UserMessage(err))

	assert.Zero(t, h.api.Calls(transport.OpAddRating))
	assert.Equal(t, []string{"recipe:r1"}, h.events.Keys(mq.EventInvalidated))
	assert.Equal(t, StateIdle, h.c.State(Key{Subject: "u1", Target: "r1", Kind: KindRating}))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.MutationsSettled.WithLabelValues("rating", metrics.OutcomeRolledBack)))

	_, ok := h.store.SetIfVersion(store.RatingsKey("r1"), models.RatingsPage{}, 0)
	assert.True(t, ok, "keys are released after a failed lookup")
}

func TestNonPositiveTimeoutMeansDefault(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second} {
		h := newHarness(t, WithTimeout(d))
		assert.Equal(t, DefaultTimeout, h.c.timeout)

		h.store.Set(store.FavoriteStatusKey("u1", "r1"), false)
		require.NoError(t, h.c.ToggleFavorite(context.Background(), "r1", false))
		assert.True(t, h.view.IsFavorited("u1", "r1"))
	}
}
