package service

import (
	"context"
	"fmt"
	"os"

	"github.com/balu-dk/go-pipelets/internal/db/models"
	"github.com/balu-dk/go-pipelets/internal/pipeline"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Seed is a YAML document of pipelets and workflows loaded at startup.
type Seed struct {
	Pipelets  []models.Pipelet    `yaml:"pipelets"`
	Workflows []pipeline.Workflow `yaml:"workflows"`
}

// LoadSeed reads a seed document from path
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	return &seed, nil
}

// SeedBuiltins stores one pipelet per builtin, keyed by the builtin name.
func (s *CPMS) SeedBuiltins(ctx context.Context) error {
	for _, b := range pipeline.Builtins() {
		p := &models.Pipelet{
			ID:          b.Name,
			Name:        b.Title,
			Description: b.Description,
			Code:        b.Code(),
		}
		if err := s.store.SavePipelet(ctx, p); err != nil {
			return fmt.Errorf("failed to seed builtin %s: %w", b.Name, err)
		}
	}
	return nil
}

// ApplySeed stores the seed pipelets and registers its workflows. Workflows
// go through the same validation as API registration.
func (s *CPMS) ApplySeed(ctx context.Context, seed *Seed) error {
	for i := range seed.Pipelets {
		if err := s.SavePipelet(ctx, &seed.Pipelets[i]); err != nil {
			return fmt.Errorf("pipelet %q: %w", seed.Pipelets[i].ID, err)
		}
	}
	for _, wf := range seed.Workflows {
		if _, err := s.RegisterWorkflow(ctx, wf); err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"pipelets":  len(seed.Pipelets),
		"workflows": len(seed.Workflows),
	}).Info("Seed applied")
	return nil
}
