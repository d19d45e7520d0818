// Package resolver derives the values observers render (favorite and follow
// status, average rating) from store snapshots. Every function is pure: the
// same snapshot always yields the same answer.
package resolver

import "cookbook/models"

// IsFavorited reports whether favorites contains recipeID. A nil snapshot
// (not loaded yet) reads as false.
func IsFavorited(recipeID string, favorites []models.FavoriteLink) bool {
	for _, f := range favorites {
		if f.Recipe.Is(recipeID) {
			return true
		}
	}
	return false
}

// IsFollowing reports whether following contains a link to targetUserID.
func IsFollowing(targetUserID string, following []models.FollowLink) bool {
	for _, f := range following {
		if f.Following.Is(targetUserID) {
			return true
		}
	}
	return false
}

// HasFollower reports whether followers contains a link from followerID.
func HasFollower(followerID string, followers []models.FollowLink) bool {
	for _, f := range followers {
		if f.Follower.Is(followerID) {
			return true
		}
	}
	return false
}

// AverageRating is the arithmetic mean of records. It returns nil for an
// empty set so "no ratings yet" is distinguishable from an average.
func AverageRating(records []models.RatingRecord) *float64 {
	if len(records) == 0 {
		return nil
	}
	sum := 0
	for _, r := range records {
		sum += r.Rating
	}
	avg := float64(sum) / float64(len(records))
	return &avg
}

// OwnRating returns userID's record among records.
func OwnRating(userID string, records []models.RatingRecord) (models.RatingRecord, bool) {
	for _, r := range records {
		if r.User.Is(userID) {
			return r, true
		}
	}
	return models.RatingRecord{}, false
}
