package mutation

import (
	"context"
	"slices"

	"cookbook/invalidation"
	"cookbook/models"
	"cookbook/resolver"
	"cookbook/store"
)

const (
	msgFavoriteAdd    = "Could not add this recipe to your favorites. Please try again."
	msgFavoriteRemove = "Could not remove this recipe from your favorites. Please try again."
)

// ToggleFavorite favorites recipeID when current is false and unfavorites it
// otherwise. It returns once the request settles or ctx is done; in the
// latter case the mutation still settles in the background.
func (c *Coordinator) ToggleFavorite(ctx context.Context, recipeID string, current bool) error {
	user := c.session.UserID
	if err := requireSession(user); err != nil {
		return err
	}
	if err := requireID("recipe", recipeID); err != nil {
		return err
	}
	target := !current
	listKey := store.FavoritesKey(user)
	statusKey := store.FavoriteStatusKey(user, recipeID)

	m := &mutation{
		key:      Key{Subject: user, Target: recipeID, Kind: KindFavorite},
		bindings: invalidation.Bindings{invalidation.User: user, invalidation.Recipe: recipeID},
		message:  msgFavoriteRemove,
		keys:     []string{listKey, statusKey},
	}
	if target {
		m.message = msgFavoriteAdd
	}

	m.apply = func(ctx context.Context) []change {
		var changes []change
		if ch, ok := c.patchFavorites(ctx, listKey, user, recipeID, target); ok {
			changes = append(changes, ch)
		}
		if ch, ok := c.setBool(ctx, statusKey, target); ok {
			changes = append(changes, ch)
		}
		return changes
	}
	m.call = func(ctx context.Context) (any, error) {
		if target {
			link, err := c.api.AddFavorite(ctx, recipeID)
			return link, err
		}
		return nil, c.api.RemoveFavorite(ctx, recipeID)
	}
	m.confirm = func(ctx context.Context, result any, changes []change) {
		link, ok := result.(models.FavoriteLink)
		if !ok || link.ID == "" {
			return
		}
		c.reconcile(ctx, changes, listKey, func(cur any) (any, error) {
			links, ok := cur.([]models.FavoriteLink)
			if !ok {
				return nil, unexpected(listKey, cur)
			}
			return replaceProvisionalFavorite(links, link), nil
		})
	}
	return c.run(ctx, m)
}

func (c *Coordinator) patchFavorites(ctx context.Context, key, user, recipeID string, add bool) (change, bool) {
	var removed []models.FavoriteLink
	return c.patch(ctx, key,
		func(cur any) (any, error) {
			links, ok := cur.([]models.FavoriteLink)
			if !ok {
				return nil, unexpected(key, cur)
			}
			if add {
				if resolver.IsFavorited(recipeID, links) {
					return links, nil
				}
				return append(slices.Clone(links), models.FavoriteLink{
					User:      models.RefID[models.User](user),
					Recipe:    models.RefID[models.Recipe](recipeID),
					CreatedAt: c.now(),
				}), nil
			}
			var kept []models.FavoriteLink
			kept, removed = splitFavorites(links, recipeID)
			return kept, nil
		},
		func(cur, _ any) (any, error) {
			links, ok := cur.([]models.FavoriteLink)
			if !ok {
				return nil, unexpected(key, cur)
			}
			if add {
				return slices.DeleteFunc(slices.Clone(links), func(l models.FavoriteLink) bool {
					return l.Provisional() && l.Recipe.Is(recipeID)
				}), nil
			}
			if resolver.IsFavorited(recipeID, links) {
				return links, nil
			}
			return append(slices.Clone(links), removed...), nil
		})
}

// splitFavorites partitions links into those not for recipeID and those for
// it.
func splitFavorites(links []models.FavoriteLink, recipeID string) (kept, removed []models.FavoriteLink) {
	kept = make([]models.FavoriteLink, 0, len(links))
	for _, l := range links {
		if l.Recipe.Is(recipeID) {
			removed = append(removed, l)
			continue
		}
		kept = append(kept, l)
	}
	return kept, removed
}

func replaceProvisionalFavorite(links []models.FavoriteLink, confirmed models.FavoriteLink) []models.FavoriteLink {
	recipeID := confirmed.Recipe.ID()
	out := slices.Clone(links)
	for i, l := range out {
		if l.Provisional() && l.Recipe.Is(recipeID) {
			out[i] = confirmed
			return out
		}
	}
	return links
}
