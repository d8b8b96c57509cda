package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"gatekeeper/internal/models"
)

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// SolanaFetcher reads SPL token and Metaplex collection holdings
type SolanaFetcher struct {
	clients     map[string]*rpcClient
	concurrency int
}

// NewSolanaFetcher creates a fetcher over clients keyed by network
func NewSolanaFetcher(clients map[string]*rpcClient, concurrency int) *SolanaFetcher {
	return &SolanaFetcher{clients: clients, concurrency: concurrency}
}

// Fetch implements Fetcher for spl and metaplex sources
func (f *SolanaFetcher) Fetch(ctx context.Context, source models.ContractSource, addresses []string) (map[string]string, error) {
	s, ok := source.(models.SolanaSource)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedSource, source)
	}

	addrs, dropped := dedupe(addresses, isSolanaAddress)
	logDropped("solana", dropped)

	client, err := lookupRPC(f.clients, "solana", s.SolanaNetwork)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return map[string]string{}, nil
	}

	switch s.Standard {
	case models.SourceSPL:
		return f.fetchSPL(ctx, client, s.ContractAddress, addrs)
	case models.SourceMetaplex:
		return perAddress(ctx, addrs, f.concurrency, func(ctx context.Context, owner string) (string, error) {
			return countCollection(ctx, client, s.ContractAddress, owner)
		})
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, s.Standard)
}

type tokenAccounts struct {
	Value []struct {
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						TokenAmount struct {
							Amount string `json:"amount"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

// fetchSPL sums the raw amounts of every token account the owner holds for mint
func (f *SolanaFetcher) fetchSPL(ctx context.Context, client *rpcClient, mint string, addrs []string) (map[string]string, error) {
	reqs := make([]rpcRequest, 0, len(addrs))
	for _, owner := range addrs {
		reqs = append(reqs, rpcRequest{
			Method: "getTokenAccountsByOwner",
			Params: []any{
				owner,
				map[string]string{"mint": mint},
				map[string]string{"encoding": "jsonParsed"},
			},
		})
	}

	resps, err := client.batch(ctx, reqs)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spl balances: %w", err)
	}
	return collectBatch(addrs, resps, func(raw json.RawMessage) (string, error) {
		var res tokenAccounts
		if err := json.Unmarshal(raw, &res); err != nil {
			return "", fmt.Errorf("decode token accounts: %w", err)
		}
		total := new(big.Int)
		for _, acct := range res.Value {
			amt, ok := new(big.Int).SetString(acct.Account.Data.Parsed.Info.TokenAmount.Amount, 10)
			if !ok {
				return "", fmt.Errorf("invalid token amount %q", acct.Account.Data.Parsed.Info.TokenAmount.Amount)
			}
			total.Add(total, amt)
		}
		return total.String(), nil
	})
}

// countCollection counts assets in a collection using the DAS searchAssets method
func countCollection(ctx context.Context, client *rpcClient, collection, owner string) (string, error) {
	params := map[string]any{
		"ownerAddress": owner,
		"grouping":     []string{"collection", collection},
		"page":         1,
		"limit":        1000,
	}
	var res struct {
		Total int `json:"total"`
	}
	if err := client.call(ctx, "searchAssets", params, &res); err != nil {
		return "", err
	}
	return strconv.Itoa(res.Total), nil
}

func isSolanaAddress(s string) bool {
	if len(s) < 32 || len(s) > 44 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune(base58Alphabet, c) {
			return false
		}
	}
	return true
}
