package mockapi

import (
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"cookbook/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
	ErrForbidden = errors.New("forbidden")
)

const defaultPageSize = 10

// DB is the mock API's data set. Only the uniqueness rules the client relies
// on are enforced.
type DB struct {
	mu        sync.RWMutex
	now       func() time.Time
	users     map[string]models.User
	recipes   map[string]models.Recipe
	favorites []models.FavoriteLink
	follows   []models.FollowLink
	ratings   []models.RatingRecord
}

func NewDB() *DB {
	return &DB{
		now:     time.Now,
		users:   make(map[string]models.User),
		recipes: make(map[string]models.Recipe),
	}
}

func newID() string { return primitive.NewObjectID().Hex() }

// validID reports whether id is a well-formed document id.
func validID(id string) bool {
	_, err := primitive.ObjectIDFromHex(id)
	return err == nil
}

// AddUser registers a profile used to expand user relations.
func (d *DB) AddUser(u models.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// AddRecipe stores r, assigning an id and creation time when missing.
func (d *DB) AddRecipe(r models.Recipe) models.Recipe {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r.ID == "" {
		r.ID = newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = d.now()
	}
	d.recipes[r.ID] = r
	return r
}

// Recipes returns a page of recipes. Search matches title and instructions,
// ingredient matches an ingredient id or name; sort is newest first unless
// "oldest" or "popular" (most favorited).
func (d *DB) Recipes(q models.RecipeQuery) []models.Recipe {
	d.mu.RLock()
	defer d.mu.RUnlock()

	search := strings.ToLower(q.Search)
	ingredient := strings.ToLower(q.Ingredient)
	out := []models.Recipe{}
	for _, r := range d.recipes {
		if search != "" &&
			!strings.Contains(strings.ToLower(r.Title), search) &&
			!strings.Contains(strings.ToLower(r.Instructions), search) {
			continue
		}
		if ingredient != "" && !hasIngredient(r, ingredient) {
			continue
		}
		out = append(out, r)
	}

	popularity := make(map[string]int)
	for _, f := range d.favorites {
		popularity[f.Recipe.ID()]++
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch q.Sort {
		case "oldest":
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		case "popular":
			if popularity[a.ID] != popularity[b.ID] {
				return popularity[a.ID] > popularity[b.ID]
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		}
		return a.ID < b.ID
	})

	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if q.Offset >= len(out) {
		return []models.Recipe{}
	}
	out = out[q.Offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out
}

func hasIngredient(r models.Recipe, needle string) bool {
	for _, line := range r.Ingredients {
		if strings.ToLower(line.Ingredient.ID()) == needle {
			return true
		}
		if ing, ok := line.Ingredient.Object(); ok && strings.Contains(strings.ToLower(ing.Name), needle) {
			return true
		}
	}
	return false
}

func (d *DB) Recipe(id string) (models.Recipe, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.recipes[id]
	return r, ok
}

func (d *DB) userRef(id string) models.Ref[models.User] {
	if u, ok := d.users[id]; ok {
		return models.RefTo(id, u)
	}
	return models.RefID[models.User](id)
}

func (d *DB) AddFavorite(userID, recipeID string) (models.FavoriteLink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.recipes[recipeID]; !ok {
		return models.FavoriteLink{}, ErrNotFound
	}
	if slices.ContainsFunc(d.favorites, func(f models.FavoriteLink) bool {
		return f.User.Is(userID) && f.Recipe.Is(recipeID)
	}) {
		return models.FavoriteLink{}, ErrDuplicate
	}
	link := models.FavoriteLink{
		ID:        newID(),
		User:      models.RefID[models.User](userID),
		Recipe:    models.RefID[models.Recipe](recipeID),
		CreatedAt: d.now(),
	}
	d.favorites = append(d.favorites, link)
	return link, nil
}

func (d *DB) RemoveFavorite(userID, recipeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.favorites)
	d.favorites = slices.DeleteFunc(d.favorites, func(f models.FavoriteLink) bool {
		return f.User.Is(userID) && f.Recipe.Is(recipeID)
	})
	if len(d.favorites) == n {
		return ErrNotFound
	}
	return nil
}

// Favorites lists userID's favorites with the recipe expanded.
func (d *DB) Favorites(userID string) []models.FavoriteLink {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := []models.FavoriteLink{}
	for _, f := range d.favorites {
		if !f.User.Is(userID) {
			continue
		}
		if r, ok := d.recipes[f.Recipe.ID()]; ok {
			f.Recipe = models.RefTo(r.ID, r)
		}
		out = append(out, f)
	}
	return out
}

func (d *DB) Follow(actorID, targetID string) (models.FollowLink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if slices.ContainsFunc(d.follows, func(f models.FollowLink) bool {
		return f.Follower.Is(actorID) && f.Following.Is(targetID)
	}) {
		return models.FollowLink{}, ErrDuplicate
	}
	link := models.FollowLink{
		ID:        newID(),
		Follower:  models.RefID[models.User](actorID),
		Following: models.RefID[models.User](targetID),
		CreatedAt: d.now(),
	}
	d.follows = append(d.follows, link)
	return link, nil
}

func (d *DB) Unfollow(actorID, targetID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.follows)
	d.follows = slices.DeleteFunc(d.follows, func(f models.FollowLink) bool {
		return f.Follower.Is(actorID) && f.Following.Is(targetID)
	})
	if len(d.follows) == n {
		return ErrNotFound
	}
	return nil
}

// Following lists the edges where userID is the follower, users expanded.
func (d *DB) Following(userID string) []models.FollowLink {
	return d.edges(func(f models.FollowLink) bool { return f.Follower.Is(userID) })
}

// Followers lists the edges where userID is followed, users expanded.
func (d *DB) Followers(userID string) []models.FollowLink {
	return d.edges(func(f models.FollowLink) bool { return f.Following.Is(userID) })
}

func (d *DB) edges(match func(models.FollowLink) bool) []models.FollowLink {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := []models.FollowLink{}
	for _, f := range d.follows {
		if !match(f) {
			continue
		}
		f.Follower = d.userRef(f.Follower.ID())
		f.Following = d.userRef(f.Following.ID())
		out = append(out, f)
	}
	return out
}

func (d *DB) AddRating(userID, recipeID string, value int) (models.RatingRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.recipes[recipeID]; !ok {
		return models.RatingRecord{}, ErrNotFound
	}
	if slices.ContainsFunc(d.ratings, func(r models.RatingRecord) bool {
		return r.User.Is(userID) && r.Recipe.Is(recipeID)
	}) {
		return models.RatingRecord{}, ErrDuplicate
	}
	now := d.now()
	rec := models.RatingRecord{
		ID:        newID(),
		User:      models.RefID[models.User](userID),
		Recipe:    models.RefID[models.Recipe](recipeID),
		Rating:    value,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.ratings = append(d.ratings, rec)
	return rec, nil
}

func (d *DB) UpdateRating(userID, ratingID string, value int) (models.RatingRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := slices.IndexFunc(d.ratings, func(r models.RatingRecord) bool { return r.ID == ratingID })
	if i < 0 {
		return models.RatingRecord{}, ErrNotFound
	}
	if !d.ratings[i].User.Is(userID) {
		return models.RatingRecord{}, ErrForbidden
	}
	d.ratings[i].Rating = value
	d.ratings[i].UpdatedAt = d.now()
	return d.ratings[i], nil
}

// Ratings returns recipeID's ratings with the authoritative aggregate.
func (d *DB) Ratings(recipeID string) models.RatingsPage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	page := models.RatingsPage{Records: []models.RatingRecord{}}
	sum := 0
	for _, r := range d.ratings {
		if r.Recipe.Is(recipeID) {
			page.Records = append(page.Records, r)
			sum += r.Rating
		}
	}
	page.Total = len(page.Records)
	if page.Total > 0 {
		avg := float64(sum) / float64(page.Total)
		page.Average = &avg
	}
	return page
}
