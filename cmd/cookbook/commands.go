package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"cookbook/models"
	"cookbook/mutation"
	"cookbook/session"
	"cookbook/store"
	"cookbook/transport"
)

func newRecipesCmd(a *app) *cobra.Command {
	var q models.RecipeQuery
	cmd := &cobra.Command{
		Use:   "recipes",
		Short: "List recipes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			recipes, err := a.client.Recipes(cmd.Context(), q)
			if err != nil {
				return report(cmd, err)
			}
			rows := make([]recipeRow, 0, len(recipes))
			for _, r := range recipes {
				rows = append(rows, toRecipeRow(r))
			}
			return printYAML(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().StringVar(&q.Search, "search", "", "match title or instructions")
	cmd.Flags().StringVar(&q.Ingredient, "ingredient", "", "require an ingredient")
	cmd.Flags().StringVar(&q.Sort, "sort", "", "oldest or popular (default newest)")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "skip this many recipes")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "page size")
	return cmd
}

func newRecipeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recipe <recipe-id>",
		Short: "Show one recipe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.client.Recipe(cmd.Context(), args[0])
			if err != nil {
				return report(cmd, err)
			}
			return printYAML(cmd.OutOrStdout(), toRecipeDetail(r))
		},
	}
}

func newFavoriteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "favorite <recipe-id>",
		Short: "Toggle a recipe in your favorites",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.client.ToggleFavorite(ctx, args[0]); err != nil {
				return mutationFailed(cmd, err)
			}
			on := a.client.View.IsFavorited(a.client.Session.UserID, args[0])
			return printYAML(cmd.OutOrStdout(), map[string]any{"recipe": args[0], "favorited": on})
		},
	}
}

func newFollowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "follow <user-id>",
		Short: "Toggle following a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.client.ToggleFollow(ctx, args[0]); err != nil {
				return mutationFailed(cmd, err)
			}
			on := a.client.View.IsFollowing(a.client.Session.UserID, args[0])
			return printYAML(cmd.OutOrStdout(), map[string]any{"user": args[0], "following": on})
		},
	}
}

func newRateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rate <recipe-id> <1-5>",
		Short: "Rate a recipe, replacing your previous rating",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.Atoi(args[1])
			if err != nil {
				return report(cmd, fmt.Errorf("rating %q is not a number", args[1]))
			}
			ctx := cmd.Context()
			if err := a.client.Rate(ctx, args[0], value); err != nil {
				return mutationFailed(cmd, err)
			}
			if err := a.client.Refresh(ctx); err != nil {
				a.logger.Warn("refresh after rating", slog.Any("error", err))
			}
			sum, err := a.client.Ratings(ctx, args[0])
			if err != nil {
				return report(cmd, err)
			}
			return printYAML(cmd.OutOrStdout(), sum)
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <recipe-id>",
		Short: "Show your favorite and rating state for a recipe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := recipeStatus{Recipe: args[0]}
			if !a.client.Session.Anonymous() {
				on, err := a.client.IsFavorited(ctx, args[0])
				if err != nil {
					return report(cmd, err)
				}
				out.Favorited = &on
			}
			sum, err := a.client.Ratings(ctx, args[0])
			if err != nil {
				return report(cmd, err)
			}
			out.Ratings = sum
			return printYAML(cmd.OutOrStdout(), out)
		},
	}
}

func newLoginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login <user-id>",
		Short: "Get a development token from the mock API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := transport.NewClient(a.cfg.APIURL, session.Session{}, transport.WithLogger(a.logger))
			if err != nil {
				return report(cmd, err)
			}
			token, err := api.DevToken(cmd.Context(), args[0])
			if err != nil {
				return report(cmd, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "export COOKBOOK_TOKEN=%s\n", token)
			return nil
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Load your lists and print every cache write until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			unwatch := a.client.Store.SubscribeAll(func(e store.Entry) {
				fmt.Fprintf(out, "%s version=%d stale=%t\n", e.Key, e.Version, e.Stale)
			})
			defer unwatch()

			if _, err := a.client.Queries.Favorites(ctx); err != nil {
				return report(cmd, err)
			}
			if _, err := a.client.Queries.Following(ctx, ""); err != nil {
				return report(cmd, err)
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					for _, key := range a.client.Store.Keys() {
						a.client.Store.MarkStale(key)
					}
					if err := a.client.Refresh(ctx); err != nil && !errors.Is(err, ctx.Err()) {
						a.logger.Warn("refresh", slog.Any("error", err))
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "how often to revalidate")
	return cmd
}

// mutationFailed prints the message a user should see and returns err.
func mutationFailed(cmd *cobra.Command, err error) error {
	cmd.PrintErrln(mutation.UserMessage(err))
	return err
}
