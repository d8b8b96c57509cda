package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gatekeeper/internal/models"
)

// ErrNotFound is returned when a community or group does not exist
var ErrNotFound = errors.New("not found")

// Repository defines the interface for all storage operations
type Repository interface {
	// Communities and groups
	GetCommunity(ctx context.Context, communityID string) (*models.Community, error)
	ListGatedCommunityIDs(ctx context.Context) ([]string, error)
	ListGroups(ctx context.Context, communityID string, groupID *int64) ([]models.Group, error)
	GetGroup(ctx context.Context, groupID int64) (*models.Group, error)
	SaveCommunity(ctx context.Context, community *models.Community) error
	SaveGroup(ctx context.Context, group *models.Group) error
	SaveAddress(ctx context.Context, address *models.Address) error

	// Memberships
	FindAddressesPage(ctx context.Context, communityID string, groupIDs []int64, cursor int64, limit int) ([]models.Address, error)
	UpsertMemberships(ctx context.Context, rows []models.Membership) error
	DeleteGroupMemberships(ctx context.Context, groupID int64) (int64, error)
	ListAddressMemberships(ctx context.Context, communityID, address string) ([]models.MembershipView, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the repository for the given driver
func Open(ctx context.Context, driver, databaseURL, sqlitePath string) (Repository, error) {
	switch driver {
	case "postgres", "":
		return NewPostgresRepository(ctx, databaseURL)
	case "sqlite":
		return NewSQLiteRepository(sqlitePath)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

func encodeRequirements(reqs []models.Requirement) ([]byte, error) {
	if reqs == nil {
		reqs = []models.Requirement{}
	}
	b, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal requirements: %w", err)
	}
	return b, nil
}

func decodeRequirements(raw []byte) ([]models.Requirement, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var reqs []models.Requirement
	if err := json.Unmarshal(raw, &reqs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal requirements: %w", err)
	}
	return reqs, nil
}
