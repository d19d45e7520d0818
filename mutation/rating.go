package mutation

import (
	"context"
	"fmt"
	"slices"

	"cookbook/invalidation"
	"cookbook/models"
	"cookbook/resolver"
	"cookbook/store"
)

const msgRating = "Could not save your rating. Please try again."

// SubmitRating records the session user's rating of recipeID, creating the
// record on first submit and updating it afterwards. The user's existing
// record is looked up in a fresh ratings page, fetched first when the cached
// one is missing or stale. Only the user's own record is patched
// optimistically; the page's average and total stay as the server reported
// them until the refetch.
func (c *Coordinator) SubmitRating(ctx context.Context, recipeID string, rating int) error {
	if !models.ValidRating(rating) {
		return &ValidationError{
			Field:  "rating",
			Reason: fmt.Sprintf("Rating must be between %d and %d.", models.MinRating, models.MaxRating),
		}
	}
	user := c.session.UserID
	if err := requireSession(user); err != nil {
		return err
	}
	if err := requireID("recipe", recipeID); err != nil {
		return err
	}
	key := store.RatingsKey(recipeID)

	var existing models.RatingRecord
	m := &mutation{
		key:      Key{Subject: user, Target: recipeID, Kind: KindRating},
		bindings: invalidation.Bindings{invalidation.User: user, invalidation.Recipe: recipeID},
		message:  msgRating,
		keys:     []string{key},
	}

	m.prepare = func(ctx context.Context) error {
		e, cached := c.store.Get(key)
		page, _ := e.Data.(models.RatingsPage)
		own, found := resolver.OwnRating(user, page.Records)
		if !cached || e.Stale || (found && own.Provisional()) {
			fetched, err := c.fetchRatings(ctx, recipeID)
			if err != nil {
				return err
			}
			own, found = resolver.OwnRating(user, fetched.Records)
		}
		if found && !own.Provisional() {
			existing = own
		}
		return nil
	}
	m.apply = func(ctx context.Context) []change {
		ch, ok := c.patch(ctx, key,
			func(cur any) (any, error) {
				page, ok := cur.(models.RatingsPage)
				if !ok {
					return nil, unexpected(key, cur)
				}
				return c.withOwnRating(page, user, recipeID, rating), nil
			},
			func(cur, before any) (any, error) {
				page, ok := cur.(models.RatingsPage)
				if !ok {
					return nil, unexpected(key, cur)
				}
				prev, _ := before.(models.RatingsPage)
				own, had := resolver.OwnRating(user, prev.Records)
				return restoreOwnRating(page, user, own, had), nil
			})
		if !ok {
			return nil
		}
		return []change{ch}
	}
	m.call = func(ctx context.Context) (any, error) {
		if existing.ID != "" {
			rec, err := c.api.UpdateRating(ctx, existing.ID, rating)
			return rec, err
		}
		rec, err := c.api.AddRating(ctx, recipeID, rating)
		return rec, err
	}
	m.confirm = func(ctx context.Context, result any, changes []change) {
		rec, ok := result.(models.RatingRecord)
		if !ok || rec.ID == "" {
			return
		}
		c.reconcile(ctx, changes, key, func(cur any) (any, error) {
			page, ok := cur.(models.RatingsPage)
			if !ok {
				return nil, unexpected(key, cur)
			}
			return restoreOwnRating(page, user, rec, true), nil
		})
	}
	return c.run(ctx, m)
}

func (c *Coordinator) fetchRatings(ctx context.Context, recipeID string) (models.RatingsPage, error) {
	started := c.now()
	page, err := c.api.GetRatingsForRecipe(ctx, recipeID)
	c.metrics.ObserveFetch(store.PrefixRatings, err, c.now().Sub(started))
	if err != nil {
		return models.RatingsPage{}, err
	}
	c.store.Set(store.RatingsKey(recipeID), page)
	return page, nil
}

// withOwnRating sets user's rating in page, appending a provisional record
// when the user has none.
func (c *Coordinator) withOwnRating(page models.RatingsPage, user, recipeID string, rating int) models.RatingsPage {
	out := page.Clone()
	now := c.now()
	for i, r := range out.Records {
		if r.User.Is(user) {
			out.Records[i].Rating = rating
			out.Records[i].UpdatedAt = now
			return out
		}
	}
	out.Records = append(out.Records, models.RatingRecord{
		User:      models.RefID[models.User](user),
		Recipe:    models.RefID[models.Recipe](recipeID),
		Rating:    rating,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return out
}

// restoreOwnRating makes rec user's record in page, or removes user's record
// when keep is false.
func restoreOwnRating(page models.RatingsPage, user string, rec models.RatingRecord, keep bool) models.RatingsPage {
	out := page.Clone()
	i := slices.IndexFunc(out.Records, func(r models.RatingRecord) bool { return r.User.Is(user) })
	switch {
	case keep && i >= 0:
		out.Records[i] = rec
	case keep:
		out.Records = append(out.Records, rec)
	case i >= 0:
		out.Records = slices.Delete(out.Records, i, i+1)
	}
	return out
}
