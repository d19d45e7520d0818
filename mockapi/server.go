// Package mockapi is an in-memory stand-in for the recipe API, used by the
// transport tests and for local development. It keeps no state beyond the
// process.
package mockapi

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"cookbook/session"
)

const tokenTTL = 24 * time.Hour

type Server struct {
	db          *DB
	secret      []byte
	logger      *slog.Logger
	latency     time.Duration
	failureRate float64
	rand        func() float64
}

type Option func(*Server)

func WithDB(db *DB) Option {
	return func(s *Server) { s.db = db }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithLatency delays every write.
func WithLatency(d time.Duration) Option {
	return func(s *Server) { s.latency = d }
}

// WithFailureRate fails the given share of writes with 503.
func WithFailureRate(p float64) Option {
	return func(s *Server) { s.failureRate = p }
}

// New creates a server signing tokens with secret.
func New(secret string, opts ...Option) *Server {
	s := &Server{
		secret: []byte(secret),
		logger: slog.Default(),
		rand:   rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.db == nil {
		s.db = NewDB()
	}
	return s
}

func (s *Server) DB() *DB { return s.db }

// Token issues a token for userID.
func (s *Server) Token(userID string) (string, error) {
	now := time.Now()
	claims := session.Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tok, nil
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/health", health)

	s.addAuthRoutes(router)
	s.addRecipeRoutes(router)
	s.addFavoriteRoutes(router)
	s.addFollowRoutes(router)
	s.addRatingRoutes(router)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-Id"},
		AllowCredentials: true,
	})

	return recoverMiddleware(s.logger, loggingMiddleware(s.logger, securityHeaders(c.Handler(router))))
}

func health(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) addAuthRoutes(router *httprouter.Router) {
	router.POST("/api/v1/auth/token", s.issueToken)
}

func (s *Server) addRecipeRoutes(router *httprouter.Router) {
	router.GET("/api/v1/recipes", s.getRecipes)
	router.GET("/api/v1/recipes/recipe/:id", s.getRecipe)
	router.GET("/api/v1/recipes/recipe/:id/ratings", s.getRatings)
}

func (s *Server) addFavoriteRoutes(router *httprouter.Router) {
	router.GET("/api/v1/favorites", s.authenticate(s.getFavorites))
	router.POST("/api/v1/favorites", s.authenticate(s.chaos(s.addFavorite)))
	router.DELETE("/api/v1/favorites/:recipeId", s.authenticate(s.chaos(s.removeFavorite)))
}

func (s *Server) addFollowRoutes(router *httprouter.Router) {
	router.GET("/api/v1/users/:id/following", s.authenticate(s.getFollowing))
	router.GET("/api/v1/users/:id/followers", s.authenticate(s.getFollowers))
	router.POST("/api/v1/users/:id/follow", s.authenticate(s.chaos(s.followUser)))
	router.DELETE("/api/v1/users/:id/follow", s.authenticate(s.chaos(s.unfollowUser)))
}

func (s *Server) addRatingRoutes(router *httprouter.Router) {
	router.POST("/api/v1/ratings", s.authenticate(s.chaos(s.addRating)))
	router.PUT("/api/v1/ratings/:id", s.authenticate(s.chaos(s.updateRating)))
}
