package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/example/ridesaver/internal/directory"
	"github.com/example/ridesaver/internal/models"
)

type seedFile struct {
	Groups  []models.Group  `json:"groups"`
	Members []models.Member `json:"members"`
}

// loadSeed upserts groups and registers members from a JSON file. It is
// safe to apply on every start.
func loadSeed(ctx context.Context, dir *directory.Directory, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var sf seedFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return err
	}
	var errs []error
	for _, g := range sf.Groups {
		if err := dir.PutGroup(ctx, g); err != nil {
			errs = append(errs, fmt.Errorf("group %s: %w", g.ID, err))
		}
	}
	for _, m := range sf.Members {
		if _, err := dir.Register(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("member %s: %w", m.UserID, err))
		}
	}
	return errors.Join(errs...)
}
