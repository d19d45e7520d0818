package mutation

import (
	"context"
	"slices"

	"cookbook/invalidation"
	"cookbook/models"
	"cookbook/store"
)

const (
	msgFollow   = "Could not follow this user. Please try again."
	msgUnfollow = "Could not unfollow this user. Please try again."
)

// ToggleFollow follows targetUserID when current is false and unfollows
// otherwise. Both the session user's following list and the target's
// followers list are patched and later invalidated.
func (c *Coordinator) ToggleFollow(ctx context.Context, targetUserID string, current bool) error {
	actor := c.session.UserID
	if err := requireSession(actor); err != nil {
		return err
	}
	if err := requireID("user", targetUserID); err != nil {
		return err
	}
	if targetUserID == actor {
		return &ValidationError{Field: "user", Reason: "You cannot follow yourself."}
	}
	target := !current
	followingKey := store.FollowingKey(actor)
	followersKey := store.FollowersKey(targetUserID)
	statusKey := store.FollowStatusKey(actor, targetUserID)

	m := &mutation{
		key:      Key{Subject: actor, Target: targetUserID, Kind: KindFollow},
		bindings: invalidation.Bindings{invalidation.User: actor, invalidation.Target: targetUserID},
		message:  msgUnfollow,
		keys:     []string{followingKey, followersKey, statusKey},
	}
	if target {
		m.message = msgFollow
	}

	m.apply = func(ctx context.Context) []change {
		var changes []change
		for _, key := range []string{followingKey, followersKey} {
			if ch, ok := c.patchFollows(ctx, key, actor, targetUserID, target); ok {
				changes = append(changes, ch)
			}
		}
		if ch, ok := c.setBool(ctx, statusKey, target); ok {
			changes = append(changes, ch)
		}
		return changes
	}
	m.call = func(ctx context.Context) (any, error) {
		if target {
			link, err := c.api.FollowUser(ctx, targetUserID)
			return link, err
		}
		return nil, c.api.UnfollowUser(ctx, targetUserID)
	}
	m.confirm = func(ctx context.Context, result any, changes []change) {
		link, ok := result.(models.FollowLink)
		if !ok || link.ID == "" {
			return
		}
		for _, key := range []string{followingKey, followersKey} {
			c.reconcile(ctx, changes, key, func(cur any) (any, error) {
				links, ok := cur.([]models.FollowLink)
				if !ok {
					return nil, unexpected(key, cur)
				}
				return replaceProvisionalFollow(links, link), nil
			})
		}
	}
	return c.run(ctx, m)
}

func isEdge(l models.FollowLink, actor, target string) bool {
	return l.Follower.Is(actor) && l.Following.Is(target)
}

func (c *Coordinator) patchFollows(ctx context.Context, key, actor, target string, add bool) (change, bool) {
	var removed []models.FollowLink
	return c.patch(ctx, key,
		func(cur any) (any, error) {
			links, ok := cur.([]models.FollowLink)
			if !ok {
				return nil, unexpected(key, cur)
			}
			has := slices.ContainsFunc(links, func(l models.FollowLink) bool { return isEdge(l, actor, target) })
			if add {
				if has {
					return links, nil
				}
				return append(slices.Clone(links), models.FollowLink{
					Follower:  models.RefID[models.User](actor),
					Following: models.RefID[models.User](target),
					CreatedAt: c.now(),
				}), nil
			}
			kept := make([]models.FollowLink, 0, len(links))
			for _, l := range links {
				if isEdge(l, actor, target) {
					removed = append(removed, l)
					continue
				}
				kept = append(kept, l)
			}
			return kept, nil
		},
		func(cur, _ any) (any, error) {
			links, ok := cur.([]models.FollowLink)
			if !ok {
				return nil, unexpected(key, cur)
			}
			if add {
				return slices.DeleteFunc(slices.Clone(links), func(l models.FollowLink) bool {
					return l.Provisional() && isEdge(l, actor, target)
				}), nil
			}
			if slices.ContainsFunc(links, func(l models.FollowLink) bool { return isEdge(l, actor, target) }) {
				return links, nil
			}
			return append(slices.Clone(links), removed...), nil
		})
}

func replaceProvisionalFollow(links []models.FollowLink, confirmed models.FollowLink) []models.FollowLink {
	actor, target := confirmed.Follower.ID(), confirmed.Following.ID()
	out := slices.Clone(links)
	for i, l := range out {
		if l.Provisional() && isEdge(l, actor, target) {
			out[i] = confirmed
			return out
		}
	}
	return links
}
