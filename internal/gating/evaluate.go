// Package gating decides whether an address qualifies for a group and which
// balances are needed to decide it. Nothing in this package performs I/O.
package gating

import (
	"fmt"
	"math/big"
	"strings"

	"gatekeeper/internal/models"
)

// Result is the verdict for one address against one group
type Result struct {
	IsValid  bool
	Messages []models.RejectReason // every unmet requirement, even when overridden
	NumMet   int
}

// RejectReasons returns the value to persist: nil when valid
func (r Result) RejectReasons() models.RejectReasons {
	if r.IsValid {
		return nil
	}
	if len(r.Messages) == 0 {
		return models.RejectReasons{}
	}
	return models.RejectReasons(r.Messages)
}

// Evaluate checks address against reqs using the supplied snapshots.
//
// A matched allow rule admits the address unconditionally. Otherwise a
// positive quorum needs at least that many requirements met, and a zero
// quorum needs all of them.
func Evaluate(address string, reqs []models.Requirement, balances []models.BalanceSnapshot, quorum int) Result {
	snapshots := indexSnapshots(balances)

	var (
		res      Result
		override bool
	)
	for _, req := range reqs {
		ok, msg := check(address, req, snapshots)
		if ok {
			res.NumMet++
			if req.Rule == models.RuleAllow {
				override = true
			}
			continue
		}
		res.Messages = append(res.Messages, models.RejectReason{Message: msg, Requirement: req})
	}

	switch {
	case override:
		res.IsValid = true
	case quorum > 0:
		res.IsValid = res.NumMet >= quorum
		if !res.IsValid && len(res.Messages) == 0 {
			res.Messages = append(res.Messages, models.RejectReason{
				Message: fmt.Sprintf("Only %d of %d required requirements met", res.NumMet, quorum),
			})
		}
	default:
		res.IsValid = len(res.Messages) == 0
	}
	return res
}

func indexSnapshots(balances []models.BalanceSnapshot) map[models.SourceKey]models.BalanceSnapshot {
	out := make(map[models.SourceKey]models.BalanceSnapshot, len(balances))
	for _, snap := range balances {
		if snap.Source == nil {
			continue
		}
		key := snap.Source.Key()
		if _, seen := out[key]; !seen {
			out[key] = snap
		}
	}
	return out
}

func check(address string, req models.Requirement, snapshots map[models.SourceKey]models.BalanceSnapshot) (bool, string) {
	if reason := req.Invalid(); reason != "" {
		return false, "Invalid requirement: " + reason
	}

	switch req.Rule {
	case models.RuleAllow:
		for _, allowed := range req.Allow.Allow {
			if SameAddress(allowed, address) {
				return true, ""
			}
		}
		return false, "Address not in allow list"

	case models.RuleThreshold:
		source := req.Threshold.Source
		unavailable := fmt.Sprintf("Balance unavailable for %s (fail-closed)", source.Key())

		snap, ok := snapshots[source.Key()]
		if !ok {
			return false, unavailable
		}
		raw, ok := snap.Balance(address)
		if !ok {
			return false, unavailable
		}
		balance, ok := parseUnsigned(raw)
		if !ok {
			return false, unavailable
		}
		threshold, _ := parseUnsigned(req.Threshold.Threshold)
		if balance.Cmp(threshold) > 0 {
			return true, ""
		}
		return false, fmt.Sprintf("User Balance of %s below threshold %s", balance, threshold)
	}

	return false, fmt.Sprintf("Invalid requirement: unknown rule %q", req.Rule)
}

// SameAddress compares addresses, ignoring case for 0x-prefixed hex addresses
func SameAddress(a, b string) bool {
	if a == b {
		return true
	}
	if isHexAddress(a) && isHexAddress(b) {
		return strings.EqualFold(a, b)
	}
	return false
}

func isHexAddress(s string) bool {
	return len(s) > 2 && (strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"))
}

func parseUnsigned(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	return v, ok
}
