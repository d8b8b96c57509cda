package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"gatekeeper/internal/models"
)

// ABI selectors
const (
	selectorBalanceOf     = "0x70a08231" // balanceOf(address)
	selectorBalanceOf1155 = "0x00fdd58e" // balanceOf(address,uint256)
)

// EVMFetcher reads native and token balances over EVM JSON-RPC
type EVMFetcher struct {
	clients map[string]*rpcClient
}

// NewEVMFetcher creates a fetcher over clients keyed by chain id
func NewEVMFetcher(clients map[string]*rpcClient) *EVMFetcher {
	return &EVMFetcher{clients: clients}
}

// Fetch batches one call per address into as few requests as possible
func (f *EVMFetcher) Fetch(ctx context.Context, source models.ContractSource, addresses []string) (map[string]string, error) {
	addrs, dropped := dedupe(addresses, isEVMAddress)
	logDropped("evm", dropped)

	client, err := lookupRPC(f.clients, "evm", source.Key().Chain)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return map[string]string{}, nil
	}

	reqs := make([]rpcRequest, 0, len(addrs))
	for _, addr := range addrs {
		req, err := evmBalanceRequest(source, addr)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}

	resps, err := client.batch(ctx, reqs)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s balances: %w", source.Type(), err)
	}
	return collectBatch(addrs, resps, decodeHexQuantity)
}

func evmBalanceRequest(source models.ContractSource, addr string) (rpcRequest, error) {
	switch s := source.(type) {
	case models.EVMNativeSource:
		return rpcRequest{Method: "eth_getBalance", Params: []any{addr, "latest"}}, nil

	case models.EVMContractSource:
		var data string
		switch s.Standard {
		case models.SourceERC20, models.SourceERC721:
			data = selectorBalanceOf + padAddress(addr)
		case models.SourceERC1155:
			id, ok := new(big.Int).SetString(s.TokenID, 10)
			if !ok {
				return rpcRequest{}, fmt.Errorf("invalid erc1155 token id %q", s.TokenID)
			}
			data = selectorBalanceOf1155 + padAddress(addr) + padWord(id.Text(16))
		default:
			return rpcRequest{}, fmt.Errorf("%w: %s", ErrUnsupportedSource, s.Standard)
		}
		call := map[string]string{"to": s.ContractAddress, "data": data}
		return rpcRequest{Method: "eth_call", Params: []any{call, "latest"}}, nil
	}
	return rpcRequest{}, fmt.Errorf("%w: %T", ErrUnsupportedSource, source)
}

func padAddress(addr string) string {
	return padWord(strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")))
}

func padWord(hex string) string {
	if len(hex) >= 64 {
		return hex[len(hex)-64:]
	}
	return strings.Repeat("0", 64-len(hex)) + hex
}

func decodeHexQuantity(raw json.RawMessage) (string, error) {
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return "", fmt.Errorf("decode quantity: %w", err)
	}
	hex = strings.TrimSpace(hex)
	if !strings.HasPrefix(hex, "0x") {
		return "", fmt.Errorf("invalid hex quantity %q", hex)
	}
	hex = strings.TrimPrefix(hex, "0x")
	if hex == "" {
		return "0", nil
	}
	n, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		return "", fmt.Errorf("invalid hex quantity %q", hex)
	}
	return n.String(), nil
}

func isEVMAddress(s string) bool {
	if len(s) != 42 || (!strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X")) {
		return false
	}
	return isHex(s[2:])
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
