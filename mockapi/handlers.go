package mockapi

import (
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"cookbook/models"
	"cookbook/session"
)

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		UserID string `json:"userId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.UserID == "" {
		respondWithError(w, http.StatusBadRequest, "userId is required")
		return
	}
	tok, err := s.Token(body.UserID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"token": tok})
}

// getRecipes lists recipes. Bad pagination values fall back to defaults.
func (s *Server) getRecipes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	params := r.URL.Query()
	q := models.RecipeQuery{
		Search:     params.Get("search"),
		Ingredient: params.Get("ingredient"),
		Sort:       params.Get("sort"),
	}
	if offset, err := strconv.Atoi(params.Get("offset")); err == nil && offset > 0 {
		q.Offset = offset
	}
	if limit, err := strconv.Atoi(params.Get("limit")); err == nil && limit > 0 {
		q.Limit = limit
	}
	respondWithJSON(w, http.StatusOK, s.db.Recipes(q))
}

func (s *Server) getRecipe(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id, ok := recipeParam(w, ps.ByName("id"))
	if !ok {
		return
	}
	recipe, found := s.db.Recipe(id)
	if !found {
		respondWithError(w, http.StatusNotFound, "recipe not found")
		return
	}
	respondWithJSON(w, http.StatusOK, recipe)
}

func (s *Server) getRatings(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id, ok := recipeParam(w, ps.ByName("id"))
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, s.db.Ratings(id))
}

func (s *Server) getFavorites(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	respondWithJSON(w, http.StatusOK, s.db.Favorites(session.UserIDFromContext(r.Context())))
}

func (s *Server) addFavorite(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		Recipe string `json:"recipe"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	id, ok := recipeParam(w, body.Recipe)
	if !ok {
		return
	}
	link, err := s.db.AddFavorite(session.UserIDFromContext(r.Context()), id)
	if err != nil {
		respondWithDBError(w, err, "favorite")
		return
	}
	respondWithJSON(w, http.StatusCreated, link)
}

func (s *Server) removeFavorite(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := recipeParam(w, ps.ByName("recipeId"))
	if !ok {
		return
	}
	if err := s.db.RemoveFavorite(session.UserIDFromContext(r.Context()), id); err != nil {
		respondWithDBError(w, err, "favorite")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) getFollowing(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	respondWithJSON(w, http.StatusOK, s.db.Following(ps.ByName("id")))
}

func (s *Server) getFollowers(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	respondWithJSON(w, http.StatusOK, s.db.Followers(ps.ByName("id")))
}

func (s *Server) followUser(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	actor, target := session.UserIDFromContext(r.Context()), ps.ByName("id")
	if actor == target {
		respondWithError(w, http.StatusBadRequest, "cannot follow yourself")
		return
	}
	link, err := s.db.Follow(actor, target)
	if err != nil {
		respondWithDBError(w, err, "follow")
		return
	}
	respondWithJSON(w, http.StatusCreated, link)
}

func (s *Server) unfollowUser(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.db.Unfollow(session.UserIDFromContext(r.Context()), ps.ByName("id")); err != nil {
		respondWithDBError(w, err, "follow")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) addRating(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		Recipe string `json:"recipe"`
		Rating int    `json:"rating"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	id, ok := recipeParam(w, body.Recipe)
	if !ok || !ratingParam(w, body.Rating) {
		return
	}
	rec, err := s.db.AddRating(session.UserIDFromContext(r.Context()), id, body.Rating)
	if err != nil {
		respondWithDBError(w, err, "rating")
		return
	}
	respondWithJSON(w, http.StatusCreated, rec)
}

func (s *Server) updateRating(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body struct {
		Rating int `json:"rating"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	id := ps.ByName("id")
	if !validID(id) {
		respondWithError(w, http.StatusBadRequest, "invalid rating id")
		return
	}
	if !ratingParam(w, body.Rating) {
		return
	}
	rec, err := s.db.UpdateRating(session.UserIDFromContext(r.Context()), id, body.Rating)
	if err != nil {
		respondWithDBError(w, err, "rating")
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func recipeParam(w http.ResponseWriter, id string) (string, bool) {
	if !validID(id) {
		respondWithError(w, http.StatusBadRequest, "invalid recipe id")
		return "", false
	}
	return id, true
}

func ratingParam(w http.ResponseWriter, v int) bool {
	if !models.ValidRating(v) {
		respondWithError(w, http.StatusBadRequest, "rating must be between 1 and 5")
		return false
	}
	return true
}
