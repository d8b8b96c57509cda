package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"gatekeeper/internal/models"
)

// upsertChunk keeps each INSERT well under SQLite's bound variable limit
const upsertChunk = 500

type communityRow struct {
	ID   string `gorm:"primaryKey"`
	Name string `gorm:"not null;default:''"`
}

func (communityRow) TableName() string { return "communities" }

type groupRow struct {
	ID                   int64  `gorm:"primaryKey;autoIncrement"`
	CommunityID          string `gorm:"index;not null"`
	Name                 string `gorm:"not null"`
	Description          string
	Requirements         []byte `gorm:"type:text;not null"`
	RequiredRequirements int    `gorm:"not null;default:0"`
	IsSystemManaged      bool   `gorm:"not null;default:false"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (groupRow) TableName() string { return "community_groups" }

type addressRow struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	Address     string `gorm:"not null;uniqueIndex:idx_addresses_community_address,priority:2"`
	CommunityID string `gorm:"not null;uniqueIndex:idx_addresses_community_address,priority:1"`
	Verified    *time.Time
}

func (addressRow) TableName() string { return "addresses" }

type membershipRow struct {
	GroupID      int64                `gorm:"primaryKey;autoIncrement:false"`
	AddressID    int64                `gorm:"primaryKey;autoIncrement:false;index"`
	RejectReason models.RejectReasons `gorm:"type:text"`
	LastChecked  time.Time            `gorm:"not null"`
}

func (membershipRow) TableName() string { return "memberships" }

var memoryDBSeq atomic.Int64

// SQLiteRepository implements the Repository interface on an embedded
// SQLite database through gorm
type SQLiteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository opens the database at path, or a private in-memory
// database when path is empty
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	var dsn string
	if path == "" {
		// each repository gets its own shared-cache memory database
		dsn = fmt.Sprintf("file:gatekeeper-%d?mode=memory&cache=shared", memoryDBSeq.Add(1))
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, fmt.Errorf("failed to configure tracing: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.Migrate(context.Background()); err != nil {
		_ = repo.Close()
		return nil, err
	}
	return repo, nil
}

// Migrate creates or updates the table schemas
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	for _, model := range []any{&communityRow{}, &groupRow{}, &addressRow{}, &membershipRow{}} {
		if err := r.db.WithContext(ctx).AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
	}
	return nil
}

// GetCommunity retrieves a community by ID
func (r *SQLiteRepository) GetCommunity(ctx context.Context, communityID string) (*models.Community, error) {
	var row communityRow
	err := r.db.WithContext(ctx).Where("id = ?", communityID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("community %s: %w", communityID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get community: %w", err)
	}
	return &models.Community{ID: row.ID, Name: row.Name}, nil
}

// ListGatedCommunityIDs returns every community that has at least one group
func (r *SQLiteRepository) ListGatedCommunityIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&groupRow{}).
		Distinct().
		Order("community_id").
		Pluck("community_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list gated communities: %w", err)
	}
	return ids, nil
}

func (row groupRow) toModel() (models.Group, error) {
	reqs, err := decodeRequirements(row.Requirements)
	if err != nil {
		return models.Group{}, fmt.Errorf("group %d: %w", row.ID, err)
	}
	return models.Group{
		ID:                   row.ID,
		CommunityID:          row.CommunityID,
		Name:                 row.Name,
		Description:          row.Description,
		Requirements:         reqs,
		RequiredRequirements: row.RequiredRequirements,
		IsSystemManaged:      row.IsSystemManaged,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
	}, nil
}

// ListGroups lists a community's groups, optionally narrowed to one group
func (r *SQLiteRepository) ListGroups(ctx context.Context, communityID string, groupID *int64) ([]models.Group, error) {
	q := r.db.WithContext(ctx).Where("community_id = ?", communityID)
	if groupID != nil {
		q = q.Where("id = ?", *groupID)
	}

	var rows []groupRow
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}

	groups := make([]models.Group, 0, len(rows))
	for _, row := range rows {
		g, err := row.toModel()
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// GetGroup retrieves a group by ID
func (r *SQLiteRepository) GetGroup(ctx context.Context, groupID int64) (*models.Group, error) {
	var row groupRow
	err := r.db.WithContext(ctx).Where("id = ?", groupID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("group %d: %w", groupID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	g, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// SaveCommunity inserts or renames a community
func (r *SQLiteRepository) SaveCommunity(ctx context.Context, community *models.Community) error {
	row := communityRow{ID: community.ID, Name: community.Name}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save community: %w", err)
	}
	return nil
}

// SaveGroup inserts a group when its ID is zero and updates it otherwise
func (r *SQLiteRepository) SaveGroup(ctx context.Context, group *models.Group) error {
	reqs, err := encodeRequirements(group.Requirements)
	if err != nil {
		return err
	}
	row := groupRow{
		ID:                   group.ID,
		CommunityID:          group.CommunityID,
		Name:                 group.Name,
		Description:          group.Description,
		Requirements:         reqs,
		RequiredRequirements: group.RequiredRequirements,
		IsSystemManaged:      group.IsSystemManaged,
		CreatedAt:            group.CreatedAt,
	}

	if group.ID == 0 {
		if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("failed to insert group: %w", err)
		}
	} else {
		row.UpdatedAt = time.Now()
		res := r.db.WithContext(ctx).Model(&groupRow{ID: group.ID}).Select(
			"name", "description", "requirements", "required_requirements", "is_system_managed", "updated_at",
		).Updates(&row)
		if res.Error != nil {
			return fmt.Errorf("failed to update group: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("group %d: %w", group.ID, ErrNotFound)
		}
	}

	group.ID = row.ID
	group.UpdatedAt = row.UpdatedAt
	if group.CreatedAt.IsZero() {
		group.CreatedAt = row.CreatedAt
	}
	return nil
}

// SaveAddress inserts an address or updates its verification time
func (r *SQLiteRepository) SaveAddress(ctx context.Context, address *models.Address) error {
	row := addressRow{
		Address:     address.Address,
		CommunityID: address.CommunityID,
		Verified:    address.Verified,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "community_id"}, {Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"verified"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save address: %w", err)
	}

	// the conflict path does not report the existing id
	var stored addressRow
	err = r.db.WithContext(ctx).
		Where("community_id = ? AND address = ?", address.CommunityID, address.Address).
		Take(&stored).Error
	if err != nil {
		return fmt.Errorf("failed to reload address: %w", err)
	}
	address.ID = stored.ID
	return nil
}

// FindAddressesPage returns up to limit verified addresses with id > cursor,
// ascending, each carrying its stored memberships for groupIDs
func (r *SQLiteRepository) FindAddressesPage(ctx context.Context, communityID string, groupIDs []int64, cursor int64, limit int) ([]models.Address, error) {
	var rows []addressRow
	err := r.db.WithContext(ctx).
		Where("community_id = ? AND verified IS NOT NULL AND id > ?", communityID, cursor).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query addresses: %w", err)
	}

	page := make([]models.Address, len(rows))
	index := make(map[int64]int, len(rows))
	ids := make([]int64, len(rows))
	for i, row := range rows {
		page[i] = models.Address{
			ID:          row.ID,
			Address:     row.Address,
			CommunityID: row.CommunityID,
			Verified:    row.Verified,
		}
		index[row.ID] = i
		ids[i] = row.ID
	}

	if len(page) == 0 || len(groupIDs) == 0 {
		return page, nil
	}

	var mrows []membershipRow
	err = r.db.WithContext(ctx).
		Where("address_id IN ? AND group_id IN ?", ids, groupIDs).
		Find(&mrows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	for _, m := range mrows {
		i := index[m.AddressID]
		page[i].Memberships = append(page[i].Memberships, models.Membership{
			GroupID:      m.GroupID,
			AddressID:    m.AddressID,
			RejectReason: m.RejectReason,
			LastChecked:  m.LastChecked,
		})
	}
	return page, nil
}

// UpsertMemberships writes all rows in one transaction keyed by
// (group_id, address_id); only reject_reason and last_checked change on conflict
func (r *SQLiteRepository) UpsertMemberships(ctx context.Context, rows []models.Membership) error {
	if len(rows) == 0 {
		return nil
	}

	batch := make([]membershipRow, len(rows))
	for i, m := range rows {
		batch[i] = membershipRow{
			GroupID:      m.GroupID,
			AddressID:    m.AddressID,
			RejectReason: m.RejectReason,
			LastChecked:  m.LastChecked,
		}
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group_id"}, {Name: "address_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"reject_reason", "last_checked"}),
		}).CreateInBatches(&batch, upsertChunk).Error
	})
	if err != nil {
		return fmt.Errorf("failed to upsert memberships: %w", err)
	}
	return nil
}

// DeleteGroupMemberships removes every verdict of a group
func (r *SQLiteRepository) DeleteGroupMemberships(ctx context.Context, groupID int64) (int64, error) {
	res := r.db.WithContext(ctx).Where("group_id = ?", groupID).Delete(&membershipRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete memberships: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ListAddressMemberships returns the stored verdicts of one address
func (r *SQLiteRepository) ListAddressMemberships(ctx context.Context, communityID, address string) ([]models.MembershipView, error) {
	var rows []struct {
		GroupID      int64
		GroupName    string
		RejectReason models.RejectReasons
		LastChecked  time.Time
	}
	err := r.db.WithContext(ctx).
		Table("memberships AS m").
		Select("m.group_id AS group_id, g.name AS group_name, m.reject_reason AS reject_reason, m.last_checked AS last_checked").
		Joins("JOIN addresses a ON a.id = m.address_id").
		Joins("JOIN community_groups g ON g.id = m.group_id").
		Where("a.community_id = ? AND a.address = ?", communityID, address).
		Order("m.group_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}

	views := make([]models.MembershipView, 0, len(rows))
	for _, row := range rows {
		views = append(views, models.MembershipView{
			GroupID:      row.GroupID,
			GroupName:    row.GroupName,
			IsAllowed:    row.RejectReason == nil,
			RejectReason: row.RejectReason,
			LastChecked:  row.LastChecked,
		})
	}
	return views, nil
}

// Ping checks if the database connection is alive
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database
func (r *SQLiteRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
