package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"gatekeeper/internal/models"
)

// Fixture is a YAML description of communities, their groups and addresses.
// Requirements use the same {rule, data} shape as the stored JSON.
type Fixture struct {
	Communities []FixtureCommunity `yaml:"communities"`
}

type FixtureCommunity struct {
	ID        string           `yaml:"id"`
	Name      string           `yaml:"name"`
	Groups    []FixtureGroup   `yaml:"groups"`
	Addresses []FixtureAddress `yaml:"addresses"`
}

type FixtureGroup struct {
	Name                 string           `yaml:"name"`
	Description          string           `yaml:"description"`
	RequiredRequirements int              `yaml:"requiredRequirements"`
	Requirements         []map[string]any `yaml:"requirements"`
}

type FixtureAddress struct {
	Address  string `yaml:"address"`
	Verified bool   `yaml:"verified"`
}

// FixtureStats counts what ApplyFixture wrote
type FixtureStats struct {
	Communities int
	Groups      int
	Addresses   int
}

// LoadFixture decodes a fixture document
func LoadFixture(r io.Reader) (*Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode fixture: %w", err)
	}
	for i, c := range f.Communities {
		if c.ID == "" {
			return nil, fmt.Errorf("community #%d has no id", i+1)
		}
	}
	return &f, nil
}

// ApplyFixture writes the fixture through repo. Groups are matched by name
// within their community, so applying the same fixture twice updates rows
// instead of duplicating them.
func ApplyFixture(ctx context.Context, repo Repository, f *Fixture) (FixtureStats, error) {
	var stats FixtureStats
	now := time.Now().UTC()

	for _, c := range f.Communities {
		if err := repo.SaveCommunity(ctx, &models.Community{ID: c.ID, Name: c.Name}); err != nil {
			return stats, err
		}
		stats.Communities++

		existing, err := repo.ListGroups(ctx, c.ID, nil)
		if err != nil {
			return stats, err
		}
		byName := make(map[string]int64, len(existing))
		for _, g := range existing {
			byName[g.Name] = g.ID
		}

		for _, fg := range c.Groups {
			reqs, err := fixtureRequirements(fg.Requirements)
			if err != nil {
				return stats, fmt.Errorf("group %q of %s: %w", fg.Name, c.ID, err)
			}
			group := models.Group{
				ID:                   byName[fg.Name],
				CommunityID:          c.ID,
				Name:                 fg.Name,
				Description:          fg.Description,
				Requirements:         reqs,
				RequiredRequirements: fg.RequiredRequirements,
			}
			if err := repo.SaveGroup(ctx, &group); err != nil {
				return stats, err
			}
			byName[fg.Name] = group.ID
			stats.Groups++
		}

		for _, fa := range c.Addresses {
			addr := models.Address{Address: fa.Address, CommunityID: c.ID}
			if fa.Verified {
				addr.Verified = &now
			}
			if err := repo.SaveAddress(ctx, &addr); err != nil {
				return stats, err
			}
			stats.Addresses++
		}
	}
	return stats, nil
}

// fixtureRequirements converts the YAML maps through their JSON form so
// malformed rules are kept and fail evaluation like stored ones do
func fixtureRequirements(raw []map[string]any) ([]models.Requirement, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode requirements: %w", err)
	}
	var reqs []models.Requirement
	if err := json.Unmarshal(b, &reqs); err != nil {
		return nil, fmt.Errorf("failed to decode requirements: %w", err)
	}
	return reqs, nil
}
