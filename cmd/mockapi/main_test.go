package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cookbook/config"
)

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Mock.Addr = "127.0.0.1:0"
	return cfg
}

func listRecipes(t *testing.T, server *http.Server) []map[string]any {
	t.Helper()
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/recipes", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRootFlags(t *testing.T) {
	cmd := newRootCmd()
	seed := cmd.PersistentFlags().Lookup("seed")
	require.NotNil(t, seed)
	assert.Equal(t, "true", seed.DefValue)
	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestRootRejectsUnreadableConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "--seed=false"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestNewServerSeedsDemoData(t *testing.T) {
	cfg := loadConfig(t)
	logger := slog.New(slog.DiscardHandler)

	assert.Len(t, listRecipes(t, newServer(cfg, true, logger)), 3)
	assert.Empty(t, listRecipes(t, newServer(cfg, false, logger)))
}

func TestServeReturnsOnceContextIsDone(t *testing.T) {
	cfg := loadConfig(t)
	logger := slog.New(slog.DiscardHandler)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, serve(ctx, newServer(cfg, false, logger), logger))
}
