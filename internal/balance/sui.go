package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"gatekeeper/internal/models"
)

// SuiCoinType is the coin type of native SUI
const SuiCoinType = "0x2::sui::SUI"

// SuiFetcher reads coin balances and owned objects over Sui JSON-RPC
type SuiFetcher struct {
	clients map[string]*rpcClient
}

// NewSuiFetcher creates a fetcher over clients keyed by network
func NewSuiFetcher(clients map[string]*rpcClient) *SuiFetcher {
	return &SuiFetcher{clients: clients}
}

// Fetch implements Fetcher for sui_native and sui_token sources
func (f *SuiFetcher) Fetch(ctx context.Context, source models.ContractSource, addresses []string) (map[string]string, error) {
	addrs, dropped := dedupe(addresses, isSuiAddress)
	logDropped("sui", dropped)

	client, err := lookupRPC(f.clients, "sui", source.Key().Chain)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return map[string]string{}, nil
	}

	switch s := source.(type) {
	case models.SuiNativeSource:
		if s.ObjectID != "" {
			return f.fetchObject(ctx, client, s.ObjectID, addrs)
		}
		return f.fetchCoin(ctx, client, SuiCoinType, addrs)
	case models.SuiTokenSource:
		return f.fetchCoin(ctx, client, s.CoinType, addrs)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedSource, source)
}

func (f *SuiFetcher) fetchCoin(ctx context.Context, client *rpcClient, coinType string, addrs []string) (map[string]string, error) {
	reqs := make([]rpcRequest, 0, len(addrs))
	for _, owner := range addrs {
		reqs = append(reqs, rpcRequest{Method: "suix_getBalance", Params: []any{owner, coinType}})
	}

	resps, err := client.batch(ctx, reqs)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sui balances: %w", err)
	}
	return collectBatch(addrs, resps, func(raw json.RawMessage) (string, error) {
		var res struct {
			TotalBalance string `json:"totalBalance"`
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			return "", fmt.Errorf("decode balance: %w", err)
		}
		if _, ok := new(big.Int).SetString(res.TotalBalance, 10); !ok {
			return "", fmt.Errorf("invalid total balance %q", res.TotalBalance)
		}
		return res.TotalBalance, nil
	})
}

type suiObject struct {
	Data *struct {
		ObjectID string `json:"objectId"`
		Owner    struct {
			AddressOwner string `json:"AddressOwner"`
		} `json:"owner"`
		Content struct {
			Fields struct {
				Balance string `json:"balance"`
			} `json:"fields"`
		} `json:"content"`
	} `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

// fetchObject credits the object's balance to its owner and zero to everyone else
func (f *SuiFetcher) fetchObject(ctx context.Context, client *rpcClient, objectID string, addrs []string) (map[string]string, error) {
	var obj suiObject
	opts := map[string]bool{"showOwner": true, "showContent": true}
	if err := client.call(ctx, "sui_getObject", []any{objectID, opts}, &obj); err != nil {
		return nil, fmt.Errorf("failed to fetch sui object %s: %w", objectID, err)
	}

	out := make(map[string]string, len(addrs))
	for _, a := range addrs {
		out[a] = "0"
	}
	if obj.Data == nil {
		// deleted or unknown objects belong to nobody
		return out, nil
	}

	balance := obj.Data.Content.Fields.Balance
	if balance == "" {
		// non-coin objects count as one
		balance = "1"
	}
	if _, ok := new(big.Int).SetString(balance, 10); !ok {
		return nil, fmt.Errorf("invalid object balance %q", balance)
	}
	for _, a := range addrs {
		if strings.EqualFold(normalizeSui(a), normalizeSui(obj.Data.Owner.AddressOwner)) {
			out[a] = balance
		}
	}
	return out, nil
}

func normalizeSui(s string) string {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) < 64 {
		s = strings.Repeat("0", 64-len(s)) + s
	}
	return s
}

func isSuiAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) < 3 || len(s) > 66 {
		return false
	}
	return isHex(s[2:])
}
