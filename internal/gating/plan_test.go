package gating

import (
	"testing"

	"gatekeeper/internal/models"
)

func page(addrs ...string) []models.Address {
	out := make([]models.Address, 0, len(addrs))
	for i, a := range addrs {
		out = append(out, models.Address{ID: int64(i + 1), Address: a, CommunityID: "c"})
	}
	return out
}

func TestPlan_DedupAcrossGroups(t *testing.T) {
	src := erc20(1, "0xAbC")
	sameSrc := erc20(1, "0xabc")

	groups := []models.Group{
		{ID: 1, Requirements: []models.Requirement{models.NewThresholdRequirement("10", src)}},
		{ID: 2, Requirements: []models.Requirement{models.NewThresholdRequirement("99", sameSrc)}},
	}

	reqs := Plan(groups, page(alice, bob))
	if len(reqs) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(reqs))
	}
	if len(reqs[0].Addresses) != 2 {
		t.Errorf("Expected full page of addresses, got %v", reqs[0].Addresses)
	}
}

func TestPlan_DistinctSources(t *testing.T) {
	groups := []models.Group{
		{ID: 1, Requirements: []models.Requirement{
			models.NewThresholdRequirement("0", erc20(1, "0xa")),
			models.NewThresholdRequirement("0", erc20(137, "0xa")),
			models.NewAllowRequirement(alice),
		}},
		{ID: 2, Requirements: []models.Requirement{
			models.NewThresholdRequirement("0", models.EVMContractSource{Standard: models.SourceERC1155, EVMChainID: 1, ContractAddress: "0xa", TokenID: "7"}),
			models.NewThresholdRequirement("0", models.EVMContractSource{Standard: models.SourceERC1155, EVMChainID: 1, ContractAddress: "0xa", TokenID: "8"}),
			models.NewThresholdRequirement("0", models.EVMNativeSource{EVMChainID: 1}),
			models.NewThresholdRequirement("0", models.CosmosNativeSource{CosmosChainID: "osmosis-1", TokenSymbol: "uosmo"}),
		}},
	}

	reqs := Plan(groups, page(alice))
	if len(reqs) != 6 {
		t.Fatalf("Expected 6 requests, got %d", len(reqs))
	}
	if reqs[0].Source.Key() != erc20(1, "0xa").Key() {
		t.Errorf("Expected first-appearance order, got %s first", reqs[0].Source.Key())
	}
}

func TestPlan_SkipsInvalidAndAllow(t *testing.T) {
	groups := []models.Group{
		{ID: 1, Requirements: []models.Requirement{
			models.NewAllowRequirement(alice),
			{Rule: "unknown"},
			models.NewThresholdRequirement("abc", erc20(1, "0xa")),
			models.NewThresholdRequirement("1", models.SolanaSource{Standard: models.SourceSPL}),
		}},
	}

	if reqs := Plan(groups, page(alice)); len(reqs) != 0 {
		t.Errorf("Expected no requests, got %d", len(reqs))
	}
}

func TestPlan_EmptyPage(t *testing.T) {
	groups := []models.Group{
		{ID: 1, Requirements: []models.Requirement{models.NewThresholdRequirement("0", erc20(1, "0xa"))}},
	}
	if reqs := Plan(groups, nil); reqs != nil {
		t.Errorf("Expected nil plan for empty page, got %v", reqs)
	}
}
