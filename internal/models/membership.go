package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RejectReason explains one failed requirement
type RejectReason struct {
	Message     string      `json:"message"`
	Requirement Requirement `json:"requirement"`
}

// RejectReasons is stored as JSON; a nil slice is stored as NULL and
// means the membership is valid.
type RejectReasons []RejectReason

// Value implements driver.Valuer
func (r RejectReasons) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal([]RejectReason(r))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reject reasons: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (r *RejectReasons) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*r = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported reject reason column type %T", src)
	}
	if len(b) == 0 || string(b) == "null" {
		*r = nil
		return nil
	}
	var out []RejectReason
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("failed to decode reject reasons: %w", err)
	}
	*r = out
	return nil
}

// Membership is the stored verdict of one address against one group.
// A nil RejectReason means the address is a valid member.
type Membership struct {
	GroupID      int64         `json:"group_id"`
	AddressID    int64         `json:"address_id"`
	RejectReason RejectReasons `json:"reject_reason"`
	LastChecked  time.Time     `json:"last_checked"`
}

// IsValid reports whether the verdict admits the address
func (m Membership) IsValid() bool {
	return m.RejectReason == nil
}

// Fresh reports whether the verdict was checked within ttl of now
func (m Membership) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(m.LastChecked) < ttl
}
