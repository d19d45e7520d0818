// Package transporttest provides an in-memory transport.Transport whose calls
// can be held open or failed on demand.
package transporttest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"cookbook/models"
	"cookbook/transport"
)

var _ transport.Transport = (*Fake)(nil)

// Gate holds calls to one operation open until released.
type Gate struct {
	// Entered receives once per call that reaches the gate.
	Entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// Release lets every held and future call through.
func (g *Gate) Release() { g.once.Do(func() { close(g.release) }) }

// Fake is a consistent in-memory backend for a single session user. It
// enforces the uniqueness rules of the real API: one favorite per
// (user, recipe), one follow per pair, one rating per (user, recipe).
type Fake struct {
	mu sync.Mutex

	userID    string
	seq       int
	now       func() time.Time
	recipes   map[string]models.Recipe
	favorites map[string]models.FavoriteLink // user|recipe
	follows   map[string]models.FollowLink   // follower|following
	ratings   map[string]models.RatingRecord // id

	calls    map[string]int
	failures map[string][]error
	gates    map[string]*Gate
}

// New returns an empty backend acting for userID.
func New(userID string) *Fake {
	return &Fake{
		userID:    userID,
		now:       time.Now,
		recipes:   make(map[string]models.Recipe),
		favorites: make(map[string]models.FavoriteLink),
		follows:   make(map[string]models.FollowLink),
		ratings:   make(map[string]models.RatingRecord),
		calls:     make(map[string]int),
		failures:  make(map[string][]error),
		gates:     make(map[string]*Gate),
	}
}

// FailNext queues err as the result of the next call to op. The call fails
// without touching backend state.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// FailStatus queues a transport.Error with the given status and message.
func (f *Fake) FailStatus(op string, status int, message string) {
	f.FailNext(op, &transport.Error{Op: op, Status: status, Message: message})
}

// Hold makes calls to op block until the returned gate is released.
func (f *Fake) Hold(op string) *Gate {
	g := &Gate{Entered: make(chan struct{}, 16), release: make(chan struct{})}
	f.mu.Lock()
	f.gates[op] = g
	f.mu.Unlock()
	return g
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// begin records the call, waits at any gate and pops a queued failure.
func (f *Fake) begin(op string) error {
	f.mu.Lock()
	f.calls[op]++
	g := f.gates[op]
	f.mu.Unlock()

	if g != nil {
		select {
		case g.Entered <- struct{}{}:
		default:
		}
		<-g.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.failures[op]; len(q) > 0 {
		f.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s%d", prefix, f.seq)
}

func pair(a, b string) string { return a + "|" + b }

func apiError(op string, status int, msg string) error {
	return &transport.Error{Op: op, Status: status, Message: msg}
}

// SeedRecipe stores r as-is.
func (f *Fake) SeedRecipe(r models.Recipe) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recipes[r.ID] = r
}

// SeedFavorite creates a favorite for userID without counting a call.
func (f *Fake) SeedFavorite(userID, recipeID string) models.FavoriteLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	link := models.FavoriteLink{
		ID:        f.nextID("fav"),
		User:      models.RefID[models.User](userID),
		Recipe:    models.RefID[models.Recipe](recipeID),
		CreatedAt: f.now(),
	}
	f.favorites[pair(userID, recipeID)] = link
	return link
}

// SeedFollow creates a follow edge without counting a call.
func (f *Fake) SeedFollow(followerID, followingID string) models.FollowLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	link := models.FollowLink{
		ID:        f.nextID("flw"),
		Follower:  models.RefID[models.User](followerID),
		Following: models.RefID[models.User](followingID),
		CreatedAt: f.now(),
	}
	f.follows[pair(followerID, followingID)] = link
	return link
}

// SeedRating creates a rating record without counting a call.
func (f *Fake) SeedRating(userID, recipeID string, value int) models.RatingRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	rec := models.RatingRecord{
		ID:        f.nextID("rat"),
		User:      models.RefID[models.User](userID),
		Recipe:    models.RefID[models.Recipe](recipeID),
		Rating:    value,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.ratings[rec.ID] = rec
	return rec
}

// Favorited reports the backend's favorite state.
func (f *Fake) Favorited(userID, recipeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.favorites[pair(userID, recipeID)]
	return ok
}

// Follows reports the backend's follow state.
func (f *Fake) Follows(followerID, followingID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.follows[pair(followerID, followingID)]
	return ok
}

// RatingsOf returns every backend rating of recipeID ordered by id.
func (f *Fake) RatingsOf(recipeID string) []models.RatingRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ratingsLocked(recipeID)
}

func (f *Fake) ratingsLocked(recipeID string) []models.RatingRecord {
	var out []models.RatingRecord
	for _, r := range f.ratings {
		if r.Recipe.Is(recipeID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Fake) AddFavorite(_ context.Context, recipeID string) (models.FavoriteLink, error) {
	if err := f.begin(transport.OpAddFavorite); err != nil {
		return models.FavoriteLink{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := pair(f.userID, recipeID)
	if _, ok := f.favorites[k]; ok {
		return models.FavoriteLink{}, apiError(transport.OpAddFavorite, http.StatusConflict, "recipe already in favorites")
	}
	link := models.FavoriteLink{
		ID:        f.nextID("fav"),
		User:      models.RefID[models.User](f.userID),
		Recipe:    models.RefID[models.Recipe](recipeID),
		CreatedAt: f.now(),
	}
	f.favorites[k] = link
	return link, nil
}

func (f *Fake) RemoveFavorite(_ context.Context, recipeID string) error {
	if err := f.begin(transport.OpRemoveFavorite); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := pair(f.userID, recipeID)
	if _, ok := f.favorites[k]; !ok {
		return apiError(transport.OpRemoveFavorite, http.StatusNotFound, "favorite not found")
	}
	delete(f.favorites, k)
	return nil
}

func (f *Fake) FollowUser(_ context.Context, userID string) (models.FollowLink, error) {
	if err := f.begin(transport.OpFollowUser); err != nil {
		return models.FollowLink{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := pair(f.userID, userID)
	if _, ok := f.follows[k]; ok {
		return models.FollowLink{}, apiError(transport.OpFollowUser, http.StatusConflict, "already following")
	}
	link := models.FollowLink{
		ID:        f.nextID("flw"),
		Follower:  models.RefID[models.User](f.userID),
		Following: models.RefID[models.User](userID),
		CreatedAt: f.now(),
	}
	f.follows[k] = link
	return link, nil
}

func (f *Fake) UnfollowUser(_ context.Context, userID string) error {
	if err := f.begin(transport.OpUnfollowUser); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := pair(f.userID, userID)
	if _, ok := f.follows[k]; !ok {
		return apiError(transport.OpUnfollowUser, http.StatusNotFound, "not following")
	}
	delete(f.follows, k)
	return nil
}

func (f *Fake) AddRating(_ context.Context, recipeID string, rating int) (models.RatingRecord, error) {
	if err := f.begin(transport.OpAddRating); err != nil {
		return models.RatingRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.ratings {
		if r.User.Is(f.userID) && r.Recipe.Is(recipeID) {
			return models.RatingRecord{}, apiError(transport.OpAddRating, http.StatusConflict, "recipe already rated")
		}
	}
	now := f.now()
	rec := models.RatingRecord{
		ID:        f.nextID("rat"),
		User:      models.RefID[models.User](f.userID),
		Recipe:    models.RefID[models.Recipe](recipeID),
		Rating:    rating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.ratings[rec.ID] = rec
	return rec, nil
}

func (f *Fake) UpdateRating(_ context.Context, ratingID string, rating int) (models.RatingRecord, error) {
	if err := f.begin(transport.OpUpdateRating); err != nil {
		return models.RatingRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.ratings[ratingID]
	if !ok {
		return models.RatingRecord{}, apiError(transport.OpUpdateRating, http.StatusNotFound, "rating not found")
	}
	if !rec.User.Is(f.userID) {
		return models.RatingRecord{}, apiError(transport.OpUpdateRating, http.StatusForbidden, "not your rating")
	}
	rec.Rating = rating
	rec.UpdatedAt = f.now()
	f.ratings[ratingID] = rec
	return rec, nil
}

func (f *Fake) ListFavorites(_ context.Context) ([]models.FavoriteLink, error) {
	if err := f.begin(transport.OpListFavorites); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.FavoriteLink{}
	for _, l := range f.favorites {
		if l.User.Is(f.userID) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) ListFollowing(_ context.Context, userID string) ([]models.FollowLink, error) {
	if err := f.begin(transport.OpListFollowing); err != nil {
		return nil, err
	}
	return f.edges(userID, func(l models.FollowLink) models.Ref[models.User] { return l.Follower }), nil
}

func (f *Fake) ListFollowers(_ context.Context, userID string) ([]models.FollowLink, error) {
	if err := f.begin(transport.OpListFollowers); err != nil {
		return nil, err
	}
	return f.edges(userID, func(l models.FollowLink) models.Ref[models.User] { return l.Following }), nil
}

func (f *Fake) edges(userID string, side func(models.FollowLink) models.Ref[models.User]) []models.FollowLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if userID == "" {
		userID = f.userID
	}
	out := []models.FollowLink{}
	for _, l := range f.follows {
		if side(l).Is(userID) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Fake) GetRatingsForRecipe(_ context.Context, recipeID string) (models.RatingsPage, error) {
	if err := f.begin(transport.OpGetRatingsForRecipe); err != nil {
		return models.RatingsPage{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	recs := f.ratingsLocked(recipeID)
	page := models.RatingsPage{Records: recs, Total: len(recs)}
	if len(recs) > 0 {
		sum := 0
		for _, r := range recs {
			sum += r.Rating
		}
		avg := float64(sum) / float64(len(recs))
		page.Average = &avg
	}
	if page.Records == nil {
		page.Records = []models.RatingRecord{}
	}
	return page, nil
}

func (f *Fake) ListRecipes(_ context.Context, q models.RecipeQuery) ([]models.Recipe, error) {
	if err := f.begin(transport.OpListRecipes); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Recipe{}
	for _, r := range f.recipes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return []models.Recipe{}, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

func (f *Fake) GetRecipe(_ context.Context, recipeID string) (models.Recipe, error) {
	if err := f.begin(transport.OpGetRecipe); err != nil {
		return models.Recipe{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recipes[recipeID]
	if !ok {
		return models.Recipe{}, apiError(transport.OpGetRecipe, http.StatusNotFound, "recipe not found")
	}
	return r, nil
}
