package store

import (
	"fmt"
	"strings"
)

// Key prefixes. A key is the prefix followed by its scope, joined with ':'.
const (
	PrefixRecipes   = "recipes"
	PrefixRecipe    = "recipe"
	PrefixFavorites = "favorites"
	PrefixFavorite  = "favorite"
	PrefixFollowing = "following"
	PrefixFollowers = "followers"
	PrefixFollow    = "follow"
	PrefixRatings   = "ratings"
)

var keyArity = map[string]int{
	PrefixRecipes:   1,
	PrefixRecipe:    1,
	PrefixFavorites: 1,
	PrefixFavorite:  2,
	PrefixFollowing: 1,
	PrefixFollowers: 1,
	PrefixFollow:    2,
	PrefixRatings:   1,
}

func join(prefix string, scope ...string) string {
	return prefix + ":" + strings.Join(scope, ":")
}

// RecipesKey addresses a page of recipes by query signature.
func RecipesKey(signature string) string { return join(PrefixRecipes, signature) }

// RecipeKey addresses a single recipe.
func RecipeKey(recipeID string) string { return join(PrefixRecipe, recipeID) }

// FavoritesKey addresses a user's favorites list.
func FavoritesKey(userID string) string { return join(PrefixFavorites, userID) }

// FavoriteStatusKey addresses whether userID favorited recipeID.
func FavoriteStatusKey(userID, recipeID string) string {
	return join(PrefixFavorite, userID, recipeID)
}

// FollowingKey addresses the users userID follows.
func FollowingKey(userID string) string { return join(PrefixFollowing, userID) }

// FollowersKey addresses the users following userID.
func FollowersKey(userID string) string { return join(PrefixFollowers, userID) }

// FollowStatusKey addresses whether actorID follows targetID.
func FollowStatusKey(actorID, targetID string) string {
	return join(PrefixFollow, actorID, targetID)
}

// RatingsKey addresses a recipe's ratings page.
func RatingsKey(recipeID string) string { return join(PrefixRatings, recipeID) }

// ParsedKey is a key split into its prefix and scope.
type ParsedKey struct {
	Prefix string
	Scope  []string
}

// ParseKey splits key and checks it against the known key shapes.
func ParseKey(key string) (ParsedKey, error) {
	prefix, rest, ok := strings.Cut(key, ":")
	if !ok || rest == "" {
		return ParsedKey{}, fmt.Errorf("invalid store key %q", key)
	}
	arity, known := keyArity[prefix]
	if !known {
		return ParsedKey{}, fmt.Errorf("unknown store key prefix %q", prefix)
	}
	var scope []string
	if arity == 1 {
		scope = []string{rest}
	} else {
		scope = strings.Split(rest, ":")
	}
	if len(scope) != arity {
		return ParsedKey{}, fmt.Errorf("store key %q: want %d scope parts, got %d", key, arity, len(scope))
	}
	for _, part := range scope {
		if part == "" {
			return ParsedKey{}, fmt.Errorf("store key %q has an empty scope part", key)
		}
	}
	return ParsedKey{Prefix: prefix, Scope: scope}, nil
}
