package mockapi

import (
	"time"

	"cookbook/models"
)

// SeedDemo fills d with a few users and recipes for local development.
func (d *DB) SeedDemo() {
	users := []models.User{
		{ID: "alice", Username: "alice"},
		{ID: "bob", Username: "bob"},
		{ID: "carol", Username: "carol"},
	}
	for _, u := range users {
		d.AddUser(u)
	}

	cat := func(id, name string) models.Ref[models.Category] {
		return models.RefTo(id, models.Category{ID: id, Name: name})
	}
	ing := func(id, name string, qty float64, unit string) models.RecipeIngredient {
		return models.RecipeIngredient{
			Ingredient: models.RefTo(id, models.Ingredient{ID: id, Name: name}),
			Quantity:   qty,
			Unit:       unit,
		}
	}
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	d.AddRecipe(models.Recipe{
		Title:        "Tomato soup",
		Instructions: "Roast the tomatoes, blend with stock, season.",
		CookingTime:  40,
		User:         models.RefTo("alice", users[0]),
		Category:     models.RefList[models.Category]{cat("soups", "Soups")},
		Ingredients:  []models.RecipeIngredient{ing("tomato", "Tomato", 6, "pcs"), ing("stock", "Vegetable stock", 500, "ml")},
		CreatedAt:    base,
	})
	d.AddRecipe(models.Recipe{
		Title:        "Flatbread",
		Instructions: "Mix flour, water and salt; rest; fry in a dry pan.",
		CookingTime:  25,
		User:         models.RefID[models.User]("bob"),
		Category:     models.RefList[models.Category]{cat("bread", "Bread"), cat("quick", "Quick")},
		Ingredients:  []models.RecipeIngredient{ing("flour", "Flour", 250, "g")},
		CreatedAt:    base.Add(24 * time.Hour),
	})
	d.AddRecipe(models.Recipe{
		Title:        "Lentil stew",
		Instructions: "Simmer lentils with onion, carrot and tomato until soft.",
		CookingTime:  50,
		User:         models.RefTo("carol", users[2]),
		Category:     models.RefList[models.Category]{cat("stews", "Stews")},
		Ingredients:  []models.RecipeIngredient{ing("lentils", "Lentils", 200, "g"), ing("tomato", "Tomato", 2, "pcs")},
		CreatedAt:    base.Add(48 * time.Hour),
	})
}
