package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"time"

	"gatekeeper/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresRepository implements the Repository interface using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{
		pool: pool,
	}, nil
}

// Migrate applies the embedded migrations in file name order
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := migrationFS.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		if _, err := r.pool.Exec(ctx, string(raw)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", entry.Name(), err)
		}
		slog.Debug("Applied migration", "file", entry.Name())
	}
	return nil
}

// GetCommunity retrieves a community by ID
func (r *PostgresRepository) GetCommunity(ctx context.Context, communityID string) (*models.Community, error) {
	var c models.Community
	err := r.pool.QueryRow(ctx, `SELECT id, name FROM communities WHERE id = $1`, communityID).Scan(&c.ID, &c.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("community %s: %w", communityID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get community: %w", err)
	}
	return &c, nil
}

// ListGatedCommunityIDs returns every community that has at least one group
func (r *PostgresRepository) ListGatedCommunityIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT community_id FROM community_groups ORDER BY community_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list gated communities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan community ID: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating community IDs: %w", err)
	}

	return ids, nil
}

const groupColumns = `id, community_id, name, description, requirements,
	required_requirements, is_system_managed, created_at, updated_at`

func scanGroup(row pgx.Row) (models.Group, error) {
	var g models.Group
	var raw []byte
	if err := row.Scan(
		&g.ID,
		&g.CommunityID,
		&g.Name,
		&g.Description,
		&raw,
		&g.RequiredRequirements,
		&g.IsSystemManaged,
		&g.CreatedAt,
		&g.UpdatedAt,
	); err != nil {
		return g, err
	}
	reqs, err := decodeRequirements(raw)
	if err != nil {
		return g, fmt.Errorf("group %d: %w", g.ID, err)
	}
	g.Requirements = reqs
	return g, nil
}

// ListGroups lists a community's groups, optionally narrowed to one group
func (r *PostgresRepository) ListGroups(ctx context.Context, communityID string, groupID *int64) ([]models.Group, error) {
	query := `
		SELECT ` + groupColumns + `
		FROM community_groups
		WHERE community_id = $1 AND ($2::bigint IS NULL OR id = $2)
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query, communityID, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}

	return groups, nil
}

// GetGroup retrieves a group by ID
func (r *PostgresRepository) GetGroup(ctx context.Context, groupID int64) (*models.Group, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM community_groups WHERE id = $1`, groupID)
	g, err := scanGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("group %d: %w", groupID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return &g, nil
}

// SaveCommunity inserts or renames a community
func (r *PostgresRepository) SaveCommunity(ctx context.Context, community *models.Community) error {
	query := `
		INSERT INTO communities (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`
	if _, err := r.pool.Exec(ctx, query, community.ID, community.Name); err != nil {
		return fmt.Errorf("failed to save community: %w", err)
	}
	return nil
}

// SaveGroup inserts a group when its ID is zero and updates it otherwise
func (r *PostgresRepository) SaveGroup(ctx context.Context, group *models.Group) error {
	reqs, err := encodeRequirements(group.Requirements)
	if err != nil {
		return err
	}

	if group.ID == 0 {
		query := `
			INSERT INTO community_groups (
				community_id, name, description, requirements,
				required_requirements, is_system_managed
			) VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at, updated_at
		`
		err = r.pool.QueryRow(ctx, query,
			group.CommunityID,
			group.Name,
			group.Description,
			reqs,
			group.RequiredRequirements,
			group.IsSystemManaged,
		).Scan(&group.ID, &group.CreatedAt, &group.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert group: %w", err)
		}
		return nil
	}

	query := `
		UPDATE community_groups SET
			name = $2, description = $3, requirements = $4,
			required_requirements = $5, is_system_managed = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err = r.pool.QueryRow(ctx, query,
		group.ID,
		group.Name,
		group.Description,
		reqs,
		group.RequiredRequirements,
		group.IsSystemManaged,
	).Scan(&group.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("group %d: %w", group.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update group: %w", err)
	}
	return nil
}

// SaveAddress inserts an address or updates its verification time
func (r *PostgresRepository) SaveAddress(ctx context.Context, address *models.Address) error {
	query := `
		INSERT INTO addresses (address, community_id, verified) VALUES ($1, $2, $3)
		ON CONFLICT (community_id, address) DO UPDATE SET verified = EXCLUDED.verified
		RETURNING id
	`
	if err := r.pool.QueryRow(ctx, query, address.Address, address.CommunityID, address.Verified).Scan(&address.ID); err != nil {
		return fmt.Errorf("failed to save address: %w", err)
	}
	return nil
}

// FindAddressesPage returns up to limit verified addresses with id > cursor,
// ascending, each carrying its stored memberships for groupIDs
func (r *PostgresRepository) FindAddressesPage(ctx context.Context, communityID string, groupIDs []int64, cursor int64, limit int) ([]models.Address, error) {
	query := `
		SELECT id, address, community_id, verified
		FROM addresses
		WHERE community_id = $1 AND verified IS NOT NULL AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, communityID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query addresses: %w", err)
	}
	defer rows.Close()

	var page []models.Address
	index := make(map[int64]int)
	for rows.Next() {
		var a models.Address
		if err := rows.Scan(&a.ID, &a.Address, &a.CommunityID, &a.Verified); err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		index[a.ID] = len(page)
		page = append(page, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating addresses: %w", err)
	}

	if len(page) == 0 || len(groupIDs) == 0 {
		return page, nil
	}

	ids := make([]int64, len(page))
	for i, a := range page {
		ids[i] = a.ID
	}

	mrows, err := r.pool.Query(ctx, `
		SELECT group_id, address_id, reject_reason, last_checked
		FROM memberships
		WHERE address_id = ANY($1) AND group_id = ANY($2)
	`, ids, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer mrows.Close()

	for mrows.Next() {
		var m models.Membership
		var raw []byte
		if err := mrows.Scan(&m.GroupID, &m.AddressID, &raw, &m.LastChecked); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		if err := m.RejectReason.Scan(raw); err != nil {
			return nil, err
		}
		if i, ok := index[m.AddressID]; ok {
			page[i].Memberships = append(page[i].Memberships, m)
		}
	}
	if err := mrows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memberships: %w", err)
	}

	return page, nil
}

// UpsertMemberships writes all rows in one statement keyed by
// (group_id, address_id); only reject_reason and last_checked change on conflict
func (r *PostgresRepository) UpsertMemberships(ctx context.Context, rows []models.Membership) error {
	if len(rows) == 0 {
		return nil
	}

	groupIDs := make([]int64, len(rows))
	addressIDs := make([]int64, len(rows))
	reasons := make([]*string, len(rows))
	checked := make([]time.Time, len(rows))
	for i, m := range rows {
		groupIDs[i] = m.GroupID
		addressIDs[i] = m.AddressID
		checked[i] = m.LastChecked
		v, err := m.RejectReason.Value()
		if err != nil {
			return err
		}
		if s, ok := v.(string); ok {
			reasons[i] = &s
		}
	}

	query := `
		INSERT INTO memberships (group_id, address_id, reject_reason, last_checked)
		SELECT g, a, r::jsonb, c
		FROM unnest($1::bigint[], $2::bigint[], $3::text[], $4::timestamptz[]) AS t(g, a, r, c)
		ON CONFLICT (group_id, address_id) DO UPDATE SET
			reject_reason = EXCLUDED.reject_reason,
			last_checked = EXCLUDED.last_checked
	`

	if _, err := r.pool.Exec(ctx, query, groupIDs, addressIDs, reasons, checked); err != nil {
		return fmt.Errorf("failed to upsert memberships: %w", err)
	}
	return nil
}

// DeleteGroupMemberships removes every verdict of a group
func (r *PostgresRepository) DeleteGroupMemberships(ctx context.Context, groupID int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM memberships WHERE group_id = $1`, groupID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete memberships: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListAddressMemberships returns the stored verdicts of one address
func (r *PostgresRepository) ListAddressMemberships(ctx context.Context, communityID, address string) ([]models.MembershipView, error) {
	query := `
		SELECT m.group_id, g.name, m.reject_reason, m.last_checked
		FROM memberships m
		JOIN addresses a ON a.id = m.address_id
		JOIN community_groups g ON g.id = m.group_id
		WHERE a.community_id = $1 AND a.address = $2
		ORDER BY m.group_id
	`

	rows, err := r.pool.Query(ctx, query, communityID, address)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var views []models.MembershipView
	for rows.Next() {
		var v models.MembershipView
		var raw []byte
		if err := rows.Scan(&v.GroupID, &v.GroupName, &raw, &v.LastChecked); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		if err := v.RejectReason.Scan(raw); err != nil {
			return nil, err
		}
		v.IsAllowed = v.RejectReason == nil
		views = append(views, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memberships: %w", err)
	}

	return views, nil
}

// Ping checks if the database connection is alive
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
