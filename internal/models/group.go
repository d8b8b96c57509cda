package models

import "time"

// Community owns groups and addresses
type Community struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Group grants membership to addresses that satisfy its requirements
type Group struct {
	ID          int64  `json:"id"`
	CommunityID string `json:"community_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Gating policy
	Requirements         []Requirement `json:"requirements"`
	RequiredRequirements int           `json:"required_requirements"` // 0 means all must pass

	IsSystemManaged bool      `json:"is_system_managed"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Address is a wallet address joined to a community
type Address struct {
	ID          int64      `json:"id"`
	Address     string     `json:"address"`
	CommunityID string     `json:"community_id"`
	Verified    *time.Time `json:"verified,omitempty"` // nil addresses are never gated

	// Known memberships, filled by paging queries
	Memberships []Membership `json:"memberships,omitempty"`
}

// Membership returns the stored verdict for a group, if any
func (a *Address) Membership(groupID int64) *Membership {
	for i := range a.Memberships {
		if a.Memberships[i].GroupID == groupID {
			return &a.Memberships[i]
		}
	}
	return nil
}
