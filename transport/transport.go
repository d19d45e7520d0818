// Package transport defines the calls the client core makes against the
// recipe API and the error every failed call is reported as.
package transport

import (
	"context"
	"errors"
	"fmt"

	"cookbook/models"
)

// Operation names, used in errors, logs and metrics.
const (
	OpAddFavorite         = "AddFavorite"
	OpRemoveFavorite      = "RemoveFavorite"
	OpFollowUser          = "FollowUser"
	OpUnfollowUser        = "UnfollowUser"
	OpAddRating           = "AddRating"
	OpUpdateRating        = "UpdateRating"
	OpListFavorites       = "ListFavorites"
	OpListFollowing       = "ListFollowing"
	OpListFollowers       = "ListFollowers"
	OpGetRatingsForRecipe = "GetRatingsForRecipe"
	OpListRecipes         = "ListRecipes"
	OpGetRecipe           = "GetRecipe"
)

// Mutations are the write calls. Only the mutation coordinator may use them.
type Mutations interface {
	AddFavorite(ctx context.Context, recipeID string) (models.FavoriteLink, error)
	RemoveFavorite(ctx context.Context, recipeID string) error
	FollowUser(ctx context.Context, userID string) (models.FollowLink, error)
	UnfollowUser(ctx context.Context, userID string) error
	AddRating(ctx context.Context, recipeID string, rating int) (models.RatingRecord, error)
	UpdateRating(ctx context.Context, ratingID string, rating int) (models.RatingRecord, error)
}

// Queries are the read calls. An empty userID means the session user.
type Queries interface {
	ListFavorites(ctx context.Context) ([]models.FavoriteLink, error)
	ListFollowing(ctx context.Context, userID string) ([]models.FollowLink, error)
	ListFollowers(ctx context.Context, userID string) ([]models.FollowLink, error)
	GetRatingsForRecipe(ctx context.Context, recipeID string) (models.RatingsPage, error)
	ListRecipes(ctx context.Context, q models.RecipeQuery) ([]models.Recipe, error)
	GetRecipe(ctx context.Context, recipeID string) (models.Recipe, error)
}

// Transport is the full API surface.
type Transport interface {
	Mutations
	Queries
}

// Error is a failed call. Status is 0 when no response was received.
type Error struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": request failed"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ServerMessage returns the message the server attached to the failure, if
// any.
func ServerMessage(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Message
	}
	return ""
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.Status
	}
	return 0
}
