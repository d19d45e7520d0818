package main

import (
	"io"

	"gopkg.in/yaml.v3"

	"cookbook/client"
	"cookbook/models"
)

type recipeRow struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	CookingTime int    `yaml:"cooking_time,omitempty"`
	Author      string `yaml:"author,omitempty"`
}

type ingredientLine struct {
	Name     string  `yaml:"name"`
	Quantity float64 `yaml:"quantity,omitempty"`
	Unit     string  `yaml:"unit,omitempty"`
}

type recipeDetail struct {
	recipeRow    `yaml:",inline"`
	Categories   []string         `yaml:"categories,omitempty"`
	Ingredients  []ingredientLine `yaml:"ingredients,omitempty"`
	Instructions string           `yaml:"instructions,omitempty"`
}

type recipeStatus struct {
	Recipe    string               `yaml:"recipe"`
	Favorited *bool                `yaml:"favorited,omitempty"`
	Ratings   client.RatingSummary `yaml:"ratings"`
}

// refName prefers the expanded document's label and falls back to the id.
func refName[T any](r models.Ref[T], label func(T) string) string {
	if obj, ok := r.Object(); ok {
		if name := label(obj); name != "" {
			return name
		}
	}
	return r.ID()
}

func toRecipeRow(r models.Recipe) recipeRow {
	return recipeRow{
		ID:          r.ID,
		Title:       r.Title,
		CookingTime: r.CookingTime,
		Author:      refName(r.User, func(u models.User) string { return u.Username }),
	}
}

func toRecipeDetail(r models.Recipe) recipeDetail {
	d := recipeDetail{recipeRow: toRecipeRow(r), Instructions: r.Instructions}
	for _, c := range r.Category {
		d.Categories = append(d.Categories, refName(c, func(c models.Category) string { return c.Name }))
	}
	for _, line := range r.Ingredients {
		d.Ingredients = append(d.Ingredients, ingredientLine{
			Name:     refName(line.Ingredient, func(i models.Ingredient) string { return i.Name }),
			Quantity: line.Quantity,
			Unit:     line.Unit,
		})
	}
	return d
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
