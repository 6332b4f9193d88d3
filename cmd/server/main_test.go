package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/ridesaver/internal/config"
	"github.com/example/ridesaver/internal/directory"
	"github.com/example/ridesaver/internal/models"
	"github.com/example/ridesaver/internal/storage"
)

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	doc := `{
  "groups": [{"id": "cbs", "organisation_name": "CBS", "latitude": 55.6815, "longitude": 12.5293}],
  "members": [
    {"user_id": "ada", "display_name": "Ada", "group_id": "cbs"},
    {"user_id": "bob", "display_name": "Bob", "group_id": "nowhere"}
  ]
}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	dir := directory.New(storage.NewMemoryStore(), time.Minute)
	err := loadSeed(ctx, dir, path)
	if err == nil || !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected error for unknown group, got %v", err)
	}
	if g, err := dir.ResolveGroup(ctx, "ada"); err != nil || g != "cbs" {
		t.Fatalf("ada not seeded: %q %v", g, err)
	}
	if name := dir.DisplayName(ctx, "ada"); name != "Ada" {
		t.Fatalf("unexpected display name %q", name)
	}
}

func TestSampleSeedFileIsValid(t *testing.T) {
	dir := directory.New(storage.NewMemoryStore(), time.Minute)
	if err := loadSeed(context.Background(), dir, filepath.Join("..", "..", "seed", "groups.json")); err != nil {
		t.Fatalf("sample seed: %v", err)
	}
}

func TestOpenBackendDefaultsToMemory(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	b, ready, err := openBackend(context.Background(), config.ServerConfig{StoreBackend: config.BackendMemory}, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if _, ok := b.(*storage.MemoryStore); !ok || ready != nil {
		t.Fatalf("unexpected backend %T", b)
	}

	b2, _, err := openBackend(context.Background(), config.ServerConfig{StoreBackend: config.BackendBadger}, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer b2.Close()
	if _, ok := b2.(*storage.BadgerStore); !ok {
		t.Fatalf("unexpected backend %T", b2)
	}
}
