package models

import (
	"slices"
	"time"
)

// FavoriteLink records that a user favorited a recipe. A user favorites a
// recipe at most once.
type FavoriteLink struct {
	ID        string      `json:"_id,omitempty"`
	User      Ref[User]   `json:"user"`
	Recipe    Ref[Recipe] `json:"recipe"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Provisional reports whether the link was created locally and has not been
// assigned a server id yet.
func (f FavoriteLink) Provisional() bool { return f.ID == "" }

// FollowLink records that Follower follows Following.
type FollowLink struct {
	ID        string    `json:"_id,omitempty"`
	Follower  Ref[User] `json:"follower"`
	Following Ref[User] `json:"following"`
	CreatedAt time.Time `json:"createdAt"`
}

func (f FollowLink) Provisional() bool { return f.ID == "" }

// RatingRecord is a user's 1-5 rating of a recipe. There is at most one per
// (user, recipe).
type RatingRecord struct {
	ID        string      `json:"_id,omitempty"`
	User      Ref[User]   `json:"user"`
	Recipe    Ref[Recipe] `json:"recipe"`
	Rating    int         `json:"rating"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

func (r RatingRecord) Provisional() bool { return r.ID == "" }

// MinRating and MaxRating bound a valid rating value.
const (
	MinRating = 1
	MaxRating = 5
)

// ValidRating reports whether v is an accepted rating value.
func ValidRating(v int) bool { return v >= MinRating && v <= MaxRating }

// RatingsPage is the server's view of a recipe's ratings. Average is nil when
// the recipe has no ratings.
type RatingsPage struct {
	Records []RatingRecord `json:"records"`
	Total   int            `json:"total"`
	Average *float64       `json:"average"`
}

// Clone returns a copy that shares nothing mutable with p.
func (p RatingsPage) Clone() RatingsPage {
	out := RatingsPage{Records: slices.Clone(p.Records), Total: p.Total}
	if p.Average != nil {
		avg := *p.Average
		out.Average = &avg
	}
	return out
}
