package models

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// User is the public profile embedded in expanded relations.
type User struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Category groups recipes.
type Category struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// Ingredient is a catalogue item referenced by recipe lines.
type Ingredient struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// RecipeIngredient is one line of a recipe's ingredient list.
type RecipeIngredient struct {
	Ingredient Ref[Ingredient] `json:"ingredient"`
	Quantity   float64         `json:"quantity"`
	Unit       string          `json:"unit"`
}

type Recipe struct {
	ID           string             `json:"_id"`
	Title        string             `json:"title"`
	Instructions string             `json:"instructions"`
	CookingTime  int                `json:"cookingTime"`
	User         Ref[User]          `json:"user"`
	Category     RefList[Category]  `json:"category"`
	Ingredients  []RecipeIngredient `json:"ingredients"`
	Image        string             `json:"image,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
}

// RecipeQuery selects a page of recipes.
type RecipeQuery struct {
	Search     string
	Ingredient string
	Sort       string // "", "oldest" or "popular"
	Offset     int
	Limit      int
}

// Values encodes the query as URL parameters.
func (q RecipeQuery) Values() url.Values {
	v := url.Values{}
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	if q.Ingredient != "" {
		v.Set("ingredient", q.Ingredient)
	}
	if q.Sort != "" {
		v.Set("sort", q.Sort)
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// Signature is a stable identifier for the query, used as a cache scope.
func (q RecipeQuery) Signature() string {
	if enc := q.Values().Encode(); enc != "" {
		return enc
	}
	return "all"
}

func (q RecipeQuery) String() string {
	return fmt.Sprintf("recipes(%s)", q.Signature())
}

// ParseRecipeQuery reverses Signature.
func ParseRecipeQuery(signature string) (RecipeQuery, error) {
	if signature == "" || signature == "all" {
		return RecipeQuery{}, nil
	}
	v, err := url.ParseQuery(signature)
	if err != nil {
		return RecipeQuery{}, fmt.Errorf("parse recipe query %q: %w", signature, err)
	}
	q := RecipeQuery{
		Search:     v.Get("search"),
		Ingredient: v.Get("ingredient"),
		Sort:       v.Get("sort"),
	}
	for name, dst := range map[string]*int{"offset": &q.Offset, "limit": &q.Limit} {
		s := v.Get(name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return RecipeQuery{}, fmt.Errorf("parse recipe query %q: bad %s %q", signature, name, s)
		}
		*dst = n
	}
	return q, nil
}
