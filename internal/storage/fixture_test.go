package storage

import (
	"context"
	"strings"
	"testing"

	"gatekeeper/internal/models"
)

const fixtureDoc = `
communities:
  - id: dao
    name: Example DAO
    groups:
      - name: whales
        requiredRequirements: 1
        requirements:
          - rule: threshold
            data:
              threshold: "1000"
              source:
                source_type: erc20
                evm_chain_id: 1
                contract_address: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
          - rule: allow
            data:
              allow: ["0x1111111111111111111111111111111111111111"]
      - name: broken
        requirements:
          - rule: teleport
            data: {}
    addresses:
      - address: "0x1111111111111111111111111111111111111111"
        verified: true
      - address: "0x2222222222222222222222222222222222222222"
`

func TestApplyFixture(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	f, err := LoadFixture(strings.NewReader(fixtureDoc))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	stats, err := ApplyFixture(ctx, repo, f)
	if err != nil {
		t.Fatalf("ApplyFixture: %v", err)
	}
	if stats.Communities != 1 || stats.Groups != 2 || stats.Addresses != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	groups, err := repo.ListGroups(ctx, "dao", nil)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("Expected 2 groups, got %d", len(groups))
	}
	whales := groups[0]
	if whales.Name != "whales" || whales.RequiredRequirements != 1 || len(whales.Requirements) != 2 {
		t.Fatalf("Unexpected whales group: %+v", whales)
	}
	if th := whales.Requirements[0].Threshold; th == nil || th.Threshold != "1000" || th.Source.Type() != models.SourceERC20 {
		t.Errorf("Expected erc20 threshold of 1000, got %+v", th)
	}
	if groups[1].Requirements[0].Invalid() == "" {
		t.Error("Expected unknown rule to be kept as invalid")
	}

	// only the verified address is paged
	page, err := repo.FindAddressesPage(ctx, "dao", []int64{whales.ID}, 0, 10)
	if err != nil {
		t.Fatalf("FindAddressesPage: %v", err)
	}
	if len(page) != 1 || page[0].Address != "0x1111111111111111111111111111111111111111" {
		t.Errorf("Expected the verified address only, got %+v", page)
	}

	// applying again updates in place
	if _, err := ApplyFixture(ctx, repo, f); err != nil {
		t.Fatalf("second ApplyFixture: %v", err)
	}
	groups, err = repo.ListGroups(ctx, "dao", nil)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 2 || groups[0].ID != whales.ID {
		t.Errorf("Expected fixture to be idempotent, got %+v", groups)
	}
}

func TestLoadFixture_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing id", "communities:\n  - name: nameless\n"},
		{"unknown field", "communities:\n  - id: x\n    colour: blue\n"},
		{"not yaml", "communities: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFixture(strings.NewReader(tt.doc)); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}
