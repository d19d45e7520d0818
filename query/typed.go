package query

import (
	"context"
	"fmt"

	"cookbook/models"
	"cookbook/store"
)

func typed[T any](ctx context.Context, f *Fetcher, key string) (T, error) {
	var zero T
	e, err := f.Load(ctx, key)
	if err != nil {
		return zero, err
	}
	v, ok := e.Data.(T)
	if !ok {
		return zero, fmt.Errorf("%s holds %T", key, e.Data)
	}
	return v, nil
}

func (f *Fetcher) Recipes(ctx context.Context, q models.RecipeQuery) ([]models.Recipe, error) {
	return typed[[]models.Recipe](ctx, f, store.RecipesKey(q.Signature()))
}

func (f *Fetcher) Recipe(ctx context.Context, recipeID string) (models.Recipe, error) {
	return typed[models.Recipe](ctx, f, store.RecipeKey(recipeID))
}

// Favorites returns the session user's favorites.
func (f *Fetcher) Favorites(ctx context.Context) ([]models.FavoriteLink, error) {
	return typed[[]models.FavoriteLink](ctx, f, store.FavoritesKey(f.session.UserID))
}

// FavoriteStatus reports whether the session user favorited recipeID.
func (f *Fetcher) FavoriteStatus(ctx context.Context, recipeID string) (bool, error) {
	return typed[bool](ctx, f, store.FavoriteStatusKey(f.session.UserID, recipeID))
}

// Following lists whom userID follows; an empty userID means the session
// user.
func (f *Fetcher) Following(ctx context.Context, userID string) ([]models.FollowLink, error) {
	return typed[[]models.FollowLink](ctx, f, store.FollowingKey(f.orSelf(userID)))
}

// Followers lists who follows userID; an empty userID means the session user.
func (f *Fetcher) Followers(ctx context.Context, userID string) ([]models.FollowLink, error) {
	return typed[[]models.FollowLink](ctx, f, store.FollowersKey(f.orSelf(userID)))
}

// FollowStatus reports whether the session user follows targetUserID.
func (f *Fetcher) FollowStatus(ctx context.Context, targetUserID string) (bool, error) {
	return typed[bool](ctx, f, store.FollowStatusKey(f.session.UserID, targetUserID))
}

func (f *Fetcher) Ratings(ctx context.Context, recipeID string) (models.RatingsPage, error) {
	return typed[models.RatingsPage](ctx, f, store.RatingsKey(recipeID))
}

func (f *Fetcher) orSelf(userID string) string {
	if userID == "" {
		return f.session.UserID
	}
	return userID
}
