package balance

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"

	"gatekeeper/internal/models"
)

// cw721PageLimit is the page size used when counting owned NFTs
const cw721PageLimit = 100

// CosmosFetcher reads bank and CosmWasm balances over the LCD REST API
type CosmosFetcher struct {
	clients     map[string]*restClient
	denoms      map[string]string
	concurrency int
}

// NewCosmosFetcher creates a fetcher over LCD clients keyed by chain id.
// denoms names the native bank denom of each chain, used when a
// cosmos_native source carries no token_symbol.
func NewCosmosFetcher(clients map[string]*restClient, denoms map[string]string, concurrency int) *CosmosFetcher {
	return &CosmosFetcher{clients: clients, denoms: denoms, concurrency: concurrency}
}

// Fetch implements Fetcher for cosmos_native, cw20 and cw721 sources
func (f *CosmosFetcher) Fetch(ctx context.Context, source models.ContractSource, addresses []string) (map[string]string, error) {
	addrs, dropped := dedupe(addresses, isBech32ish)
	logDropped("cosmos", dropped)

	chain := source.Key().Chain
	client, ok := f.clients[chain]
	if !ok {
		return nil, fmt.Errorf("%w: cosmos chain %q", ErrNoEndpoint, chain)
	}
	if len(addrs) == 0 {
		return map[string]string{}, nil
	}

	var fn func(ctx context.Context, addr string) (string, error)
	switch s := source.(type) {
	case models.CosmosNativeSource:
		denom := s.TokenSymbol
		if denom == "" {
			denom = f.denoms[chain]
		}
		if denom == "" {
			return nil, fmt.Errorf("cosmos_native source on %s has no token_symbol and no native denom is configured", chain)
		}
		fn = func(ctx context.Context, addr string) (string, error) {
			return client.bankBalance(ctx, addr, denom)
		}
	case models.CosmosContractSource:
		switch s.Standard {
		case models.SourceCW20:
			fn = func(ctx context.Context, addr string) (string, error) {
				return client.cw20Balance(ctx, s.ContractAddress, addr)
			}
		case models.SourceCW721:
			fn = func(ctx context.Context, addr string) (string, error) {
				return client.cw721Count(ctx, s.ContractAddress, addr)
			}
		}
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, source.Type())
	}
	return perAddress(ctx, addrs, f.concurrency, fn)
}

func (c *restClient) bankBalance(ctx context.Context, addr, denom string) (string, error) {
	path := "/cosmos/bank/v1beta1/balances/" + url.PathEscape(addr) + "/by_denom?denom=" + url.QueryEscape(denom)
	var out struct {
		Balance struct {
			Denom  string `json:"denom"`
			Amount string `json:"amount"`
		} `json:"balance"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return "", err
	}
	if out.Balance.Amount == "" {
		return "0", nil
	}
	return out.Balance.Amount, nil
}

func (c *restClient) smartQuery(ctx context.Context, contract string, query any, out any) error {
	q, err := json.Marshal(query)
	if err != nil {
		return fmt.Errorf("failed to encode query: %w", err)
	}
	path := "/cosmwasm/wasm/v1/contract/" + url.PathEscape(contract) + "/smart/" + base64.URLEncoding.EncodeToString(q)
	return c.getJSON(ctx, path, out)
}

func (c *restClient) cw20Balance(ctx context.Context, contract, addr string) (string, error) {
	var out struct {
		Data struct {
			Balance string `json:"balance"`
		} `json:"data"`
	}
	query := map[string]any{"balance": map[string]string{"address": addr}}
	if err := c.smartQuery(ctx, contract, query, &out); err != nil {
		return "", err
	}
	if _, ok := new(big.Int).SetString(out.Data.Balance, 10); !ok {
		return "", fmt.Errorf("invalid cw20 balance %q", out.Data.Balance)
	}
	return out.Data.Balance, nil
}

// cw721Count pages through the owner's token ids and counts them
func (c *restClient) cw721Count(ctx context.Context, contract, owner string) (string, error) {
	count := 0
	startAfter := ""
	for {
		args := map[string]any{"owner": owner, "limit": cw721PageLimit}
		if startAfter != "" {
			args["start_after"] = startAfter
		}
		var out struct {
			Data struct {
				Tokens []string `json:"tokens"`
			} `json:"data"`
		}
		if err := c.smartQuery(ctx, contract, map[string]any{"tokens": args}, &out); err != nil {
			return "", err
		}
		count += len(out.Data.Tokens)
		if len(out.Data.Tokens) < cw721PageLimit {
			return strconv.Itoa(count), nil
		}
		startAfter = out.Data.Tokens[len(out.Data.Tokens)-1]
	}
}

// isBech32ish accepts lower-case bech32 strings with a human readable prefix
func isBech32ish(s string) bool {
	sep := strings.LastIndexByte(s, '1')
	if sep < 1 || sep+7 > len(s) || len(s) > 90 {
		return false
	}
	return s == strings.ToLower(s) && !strings.ContainsAny(s, " \t\n")
}
