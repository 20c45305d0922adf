package algorithm

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/healthlink/mpi/pkg/models"
)

// seedFile is the on-disk shape of a seed definition, following the
// teacher's config.Load(path) pattern of a thin YAML struct decoded
// straight into the domain type.
type seedFile struct {
	Algorithms []models.Algorithm `yaml:"algorithms"`
}

// SeedFromFile loads one or more Algorithm definitions from a YAML file
// and creates any that don't already exist (matched by label), skipping
// ones that do. This is the bootstrap path a fresh deployment needs that
// a CRUD-only API doesn't provide on its own.
func (s *Store) SeedFromFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("algorithm: read seed file: %w", err)
	}

	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("algorithm: parse seed file: %w", err)
	}

	for _, algo := range file.Algorithms {
		if _, err := s.Get(ctx, algo.Label); err == nil {
			continue // already seeded
		}
		if _, err := s.Create(ctx, algo); err != nil {
			return fmt.Errorf("algorithm: seed %q: %w", algo.Label, err)
		}
	}
	return nil
}
