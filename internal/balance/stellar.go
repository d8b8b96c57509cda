package balance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	rpcclient "github.com/stellar/go/clients/rpcclient"
	protocol "github.com/stellar/go/protocols/rpc"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/xdr"

	"gatekeeper/internal/models"
	"gatekeeper/internal/retry"
)

// maxLedgerKeys is the getLedgerEntries limit of Stellar RPC
const maxLedgerKeys = 200

// StellarFetcher reads XLM and trustline balances through Stellar RPC
// ledger entries. Balances are returned in stroops.
type StellarFetcher struct {
	clients  map[string]*rpcclient.Client
	strategy retry.Strategy
}

// NewStellarFetcher creates one RPC client per network
func NewStellarFetcher(urls map[string]string, httpClient *http.Client, strategy retry.Strategy) *StellarFetcher {
	clients := make(map[string]*rpcclient.Client, len(urls))
	for network, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		clients[network] = rpcclient.NewClient(u, httpClient)
	}
	return &StellarFetcher{clients: clients, strategy: strategy}
}

// Fetch implements Fetcher for stellar_native and stellar_asset sources.
// Accounts or trustlines that do not exist hold zero.
func (f *StellarFetcher) Fetch(ctx context.Context, source models.ContractSource, addresses []string) (map[string]string, error) {
	addrs, dropped := dedupe(addresses, isStellarAccount)
	logDropped("stellar", dropped)

	network := source.Key().Chain
	client, ok := f.clients[network]
	if !ok {
		return nil, fmt.Errorf("%w: stellar network %q", ErrNoEndpoint, network)
	}
	if len(addrs) == 0 {
		return map[string]string{}, nil
	}

	var trustline *xdr.TrustLineAsset
	switch s := source.(type) {
	case models.StellarNativeSource:
	case models.StellarAssetSource:
		var issuer xdr.AccountId
		if err := issuer.SetAddress(s.AssetIssuer); err != nil {
			return nil, fmt.Errorf("invalid stellar asset issuer %s: %w", s.AssetIssuer, err)
		}
		var asset xdr.Asset
		if err := asset.SetCredit(s.AssetCode, issuer); err != nil {
			return nil, fmt.Errorf("invalid stellar asset %s: %w", s.AssetCode, err)
		}
		tl := asset.ToTrustLineAsset()
		trustline = &tl
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedSource, source)
	}

	keys := make([]string, 0, len(addrs))
	owners := make(map[string]string, len(addrs))
	for _, addr := range addrs {
		key, err := stellarLedgerKey(addr, trustline)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		owners[key] = addr
	}

	out := make(map[string]string, len(addrs))
	for _, a := range addrs {
		out[a] = "0"
	}

	for start := 0; start < len(keys); start += maxLedgerKeys {
		chunk := keys[start:min(start+maxLedgerKeys, len(keys))]

		var resp protocol.GetLedgerEntriesResponse
		err := f.strategy.Execute(ctx, func(ctx context.Context) error {
			var err error
			resp, err = client.GetLedgerEntries(ctx, protocol.GetLedgerEntriesRequest{Keys: chunk})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch stellar ledger entries: %w", err)
		}

		for _, entry := range resp.Entries {
			addr, ok := owners[entry.KeyXDR]
			if !ok {
				continue
			}
			var data xdr.LedgerEntryData
			if err := xdr.SafeUnmarshalBase64(entry.DataXDR, &data); err != nil {
				return nil, fmt.Errorf("failed to decode ledger entry for %s: %w", addr, err)
			}
			switch data.Type {
			case xdr.LedgerEntryTypeAccount:
				out[addr] = strconv.FormatInt(int64(data.Account.Balance), 10)
			case xdr.LedgerEntryTypeTrustline:
				out[addr] = strconv.FormatInt(int64(data.TrustLine.Balance), 10)
			}
		}
	}
	return out, nil
}

// Close releases the RPC clients
func (f *StellarFetcher) Close() {
	for _, c := range f.clients {
		c.Close()
	}
}

func stellarLedgerKey(addr string, trustline *xdr.TrustLineAsset) (string, error) {
	var accountID xdr.AccountId
	if err := accountID.SetAddress(addr); err != nil {
		return "", fmt.Errorf("invalid stellar account %s: %w", addr, err)
	}

	var (
		key xdr.LedgerKey
		err error
	)
	if trustline == nil {
		err = key.SetAccount(accountID)
	} else {
		err = key.SetTrustline(accountID, *trustline)
	}
	if err != nil {
		return "", fmt.Errorf("failed to build ledger key for %s: %w", addr, err)
	}
	return xdr.MarshalBase64(key)
}

func isStellarAccount(s string) bool {
	_, err := strkey.Decode(strkey.VersionByteAccountID, s)
	return err == nil
}
