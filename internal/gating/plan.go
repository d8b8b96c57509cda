package gating

import "gatekeeper/internal/models"

// Plan returns one request per distinct balance source used by any valid
// threshold requirement of groups, each asking for every address of the
// page. Requests keep the order in which sources first appear.
func Plan(groups []models.Group, addresses []models.Address) []models.BalanceRequest {
	if len(addresses) == 0 {
		return nil
	}

	addrs := make([]string, 0, len(addresses))
	for _, a := range addresses {
		addrs = append(addrs, a.Address)
	}

	var requests []models.BalanceRequest
	seen := make(map[models.SourceKey]struct{})
	for _, g := range groups {
		for _, req := range g.Requirements {
			if req.Rule != models.RuleThreshold || req.Invalid() != "" {
				continue
			}
			key := req.Threshold.Source.Key()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			requests = append(requests, models.BalanceRequest{
				Source:    req.Threshold.Source,
				Addresses: addrs,
			})
		}
	}
	return requests
}
