package resolver

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"cookbook/models"
	"cookbook/store"
)

// DefaultMemoSize bounds the number of memoized derivations.
const DefaultMemoSize = 1024

type memoKey struct {
	key     string
	version uint64
	arg     string
}

// View evaluates derivations against the current store. Results are memoized
// per snapshot version, so a write to the underlying key invalidates them
// implicitly.
type View struct {
	store *store.Store
	memo  *lru.Cache[memoKey, any]
}

// NewView creates a view over s memoizing up to size results.
func NewView(s *store.Store, size int) (*View, error) {
	if size <= 0 {
		size = DefaultMemoSize
	}
	memo, err := lru.New[memoKey, any](size)
	if err != nil {
		return nil, fmt.Errorf("create memo: %w", err)
	}
	return &View{store: s, memo: memo}, nil
}

func (v *View) derive(e store.Entry, arg string, fn func() any) any {
	k := memoKey{key: e.Key, version: e.Version, arg: arg}
	if out, ok := v.memo.Get(k); ok {
		return out
	}
	out := fn()
	v.memo.Add(k, out)
	return out
}

// IsFavorited prefers the single-status entry and falls back to the user's
// favorites list. Nothing loaded reads as false.
func (v *View) IsFavorited(userID, recipeID string) bool {
	if status, ok := store.Value[bool](v.store, store.FavoriteStatusKey(userID, recipeID)); ok {
		return status
	}
	e, ok := v.store.Get(store.FavoritesKey(userID))
	if !ok {
		return false
	}
	favorites, _ := e.Data.([]models.FavoriteLink)
	return v.derive(e, recipeID, func() any { return IsFavorited(recipeID, favorites) }).(bool)
}

// IsFollowing prefers the single-status entry, then actorID's following list,
// then targetID's followers list.
func (v *View) IsFollowing(actorID, targetID string) bool {
	if status, ok := store.Value[bool](v.store, store.FollowStatusKey(actorID, targetID)); ok {
		return status
	}
	if e, ok := v.store.Get(store.FollowingKey(actorID)); ok {
		following, _ := e.Data.([]models.FollowLink)
		return v.derive(e, targetID, func() any { return IsFollowing(targetID, following) }).(bool)
	}
	if e, ok := v.store.Get(store.FollowersKey(targetID)); ok {
		followers, _ := e.Data.([]models.FollowLink)
		return v.derive(e, "follower="+actorID, func() any { return HasFollower(actorID, followers) }).(bool)
	}
	return false
}

// AverageRating returns the server's average for recipeID. When the server
// sent no average it is computed only if the page holds every record.
func (v *View) AverageRating(recipeID string) *float64 {
	e, ok := v.store.Get(store.RatingsKey(recipeID))
	if !ok {
		return nil
	}
	page, _ := e.Data.(models.RatingsPage)
	avg, _ := v.derive(e, "", func() any {
		if page.Average != nil {
			a := *page.Average
			return &a
		}
		if page.Total == len(page.Records) {
			return AverageRating(page.Records)
		}
		return (*float64)(nil)
	}).(*float64)
	if avg == nil {
		return nil
	}
	out := *avg
	return &out
}

// OwnRating returns userID's cached rating of recipeID.
func (v *View) OwnRating(userID, recipeID string) (models.RatingRecord, bool) {
	page, ok := store.Value[models.RatingsPage](v.store, store.RatingsKey(recipeID))
	if !ok {
		return models.RatingRecord{}, false
	}
	return OwnRating(userID, page.Records)
}
