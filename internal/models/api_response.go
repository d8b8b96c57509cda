package models

import (
	"time"
)

// MembershipView is one group verdict for an address, as returned by the API
type MembershipView struct {
	GroupID      int64         `json:"groupId"`
	GroupName    string        `json:"groupName,omitempty"`
	IsAllowed    bool          `json:"isAllowed"`
	RejectReason RejectReasons `json:"rejectReason"`
	LastChecked  time.Time     `json:"lastChecked"`
}

// RefreshResult summarizes one refresh run
type RefreshResult struct {
	CommunityID string `json:"community_id"`
	GroupID     *int64 `json:"group_id,omitempty"`

	// Counters
	Created            int `json:"created"`
	Updated            int `json:"updated"`
	Skipped            int `json:"skipped"`
	AddressesProcessed int `json:"addresses_processed"`
	Pages              int `json:"pages"`
	FailedSources      int `json:"failed_sources"`

	Duration time.Duration `json:"duration_ns"`
}

// ErrorResponse is the body of every non-2xx API reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}
