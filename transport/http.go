package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"cookbook/models"
	"cookbook/session"
)

var _ Transport = (*Client)(nil)

const maxErrorBody = 64 << 10

// Client is the HTTP implementation of Transport.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	session session.Session
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit caps outgoing requests at perSecond with the given burst. A
// non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a client for the API rooted at baseURL acting as sess.
func NewClient(baseURL string, sess session.Session, opts ...ClientOption) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("api url %q is not absolute", baseURL)
	}
	c := &Client{
		base:    base,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Inf, 0),
		session: sess,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(elems ...string) *url.URL {
	return c.base.JoinPath(append([]string{"api", "v1"}, elems...)...)
}

func (c *Client) do(ctx context.Context, op, method string, u *url.URL, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Op: op, Err: err}
	}

	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), payload)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth := c.session.Authorization(); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-Id", requestID)

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.DebugContext(ctx, "api request failed",
			slog.String("op", op), slog.String("request_id", requestID), slog.String("error", err.Error()))
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()
	c.logger.DebugContext(ctx, "api request",
		slog.String("op", op),
		slog.String("method", method),
		slog.String("path", u.Path),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", requestID),
		slog.Duration("elapsed", time.Since(started)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Op: op, Status: resp.StatusCode, Message: readMessage(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// readMessage extracts the server's explanation from an error body, which is
// either {"error": "..."} or plain text.
func readMessage(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return ""
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(b))
}

func (c *Client) self(op, userID string) (string, error) {
	if userID != "" {
		return userID, nil
	}
	if c.session.Anonymous() {
		return "", &Error{Op: op, Err: session.ErrNoUser}
	}
	return c.session.UserID, nil
}

// DevToken asks the mock API for a token for userID.
func (c *Client) DevToken(ctx context.Context, userID string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, "DevToken", http.MethodPost, c.endpoint("auth", "token"), map[string]string{"userId": userID}, &out)
	return out.Token, err
}

func (c *Client) AddFavorite(ctx context.Context, recipeID string) (models.FavoriteLink, error) {
	var link models.FavoriteLink
	err := c.do(ctx, OpAddFavorite, http.MethodPost, c.endpoint("favorites"), map[string]string{"recipe": recipeID}, &link)
	return link, err
}

func (c *Client) RemoveFavorite(ctx context.Context, recipeID string) error {
	return c.do(ctx, OpRemoveFavorite, http.MethodDelete, c.endpoint("favorites", recipeID), nil, nil)
}

func (c *Client) FollowUser(ctx context.Context, userID string) (models.FollowLink, error) {
	var link models.FollowLink
	err := c.do(ctx, OpFollowUser, http.MethodPost, c.endpoint("users", userID, "follow"), nil, &link)
	return link, err
}

func (c *Client) UnfollowUser(ctx context.Context, userID string) error {
	return c.do(ctx, OpUnfollowUser, http.MethodDelete, c.endpoint("users", userID, "follow"), nil, nil)
}

func (c *Client) AddRating(ctx context.Context, recipeID string, rating int) (models.RatingRecord, error) {
	var rec models.RatingRecord
	body := struct {
		Recipe string `json:"recipe"`
		Rating int    `json:"rating"`
	}{recipeID, rating}
	err := c.do(ctx, OpAddRating, http.MethodPost, c.endpoint("ratings"), body, &rec)
	return rec, err
}

func (c *Client) UpdateRating(ctx context.Context, ratingID string, rating int) (models.RatingRecord, error) {
	var rec models.RatingRecord
	err := c.do(ctx, OpUpdateRating, http.MethodPut, c.endpoint("ratings", ratingID), map[string]int{"rating": rating}, &rec)
	return rec, err
}

func (c *Client) ListFavorites(ctx context.Context) ([]models.FavoriteLink, error) {
	var links []models.FavoriteLink
	err := c.do(ctx, OpListFavorites, http.MethodGet, c.endpoint("favorites"), nil, &links)
	return links, err
}

func (c *Client) ListFollowing(ctx context.Context, userID string) ([]models.FollowLink, error) {
	id, err := c.self(OpListFollowing, userID)
	if err != nil {
		return nil, err
	}
	var links []models.FollowLink
	err = c.do(ctx, OpListFollowing, http.MethodGet, c.endpoint("users", id, "following"), nil, &links)
	return links, err
}

func (c *Client) ListFollowers(ctx context.Context, userID string) ([]models.FollowLink, error) {
	id, err := c.self(OpListFollowers, userID)
	if err != nil {
		return nil, err
	}
	var links []models.FollowLink
	err = c.do(ctx, OpListFollowers, http.MethodGet, c.endpoint("users", id, "followers"), nil, &links)
	return links, err
}

func (c *Client) GetRatingsForRecipe(ctx context.Context, recipeID string) (models.RatingsPage, error) {
	var page models.RatingsPage
	err := c.do(ctx, OpGetRatingsForRecipe, http.MethodGet, c.endpoint("recipes", "recipe", recipeID, "ratings"), nil, &page)
	return page, err
}

func (c *Client) ListRecipes(ctx context.Context, q models.RecipeQuery) ([]models.Recipe, error) {
	u := c.endpoint("recipes")
	u.RawQuery = q.Values().Encode()
	var recipes []models.Recipe
	err := c.do(ctx, OpListRecipes, http.MethodGet, u, nil, &recipes)
	return recipes, err
}

func (c *Client) GetRecipe(ctx context.Context, recipeID string) (models.Recipe, error) {
	var r models.Recipe
	err := c.do(ctx, OpGetRecipe, http.MethodGet, c.endpoint("recipes", "recipe", recipeID), nil, &r)
	return r, err
}
