package balance

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gatekeeper/internal/models"
)

const (
	solOwner  = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	solOther  = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	suiOwner  = "0x00000000000000000000000000000000000000000000000000000000000000a1"
	suiOther  = "0xb2"
	osmoOwner = "osmo1qyqszqgpqyqszqgpqyqszqgpqyqszqgpjnp7du"
)

func tokenAccount(amount string) map[string]any {
	return map[string]any{
		"account": map[string]any{
			"data": map[string]any{
				"parsed": map[string]any{
					"info": map[string]any{
						"tokenAmount": map[string]any{"amount": amount},
					},
				},
			},
		},
	}
}

func TestSolanaFetcher_SPLSumsTokenAccounts(t *testing.T) {
	srv := newRPCServer(t, func(method string, params json.RawMessage) (any, *rpcError) {
		if method != "getTokenAccountsByOwner" {
			return nil, &rpcError{Code: -32601, Message: "unexpected method"}
		}
		var p []json.RawMessage
		_ = json.Unmarshal(params, &p)
		var owner string
		_ = json.Unmarshal(p[0], &owner)
		if owner == solOwner {
			return map[string]any{"value": []any{tokenAccount("18446744073709551615"), tokenAccount("1")}}, nil
		}
		return map[string]any{"value": []any{}}, nil
	})

	f := NewSolanaFetcher(newRPCClients(map[string]string{"mainnet": srv.URL}, testOptions()), 2)
	src := models.SolanaSource{Standard: models.SourceSPL, SolanaNetwork: "mainnet", ContractAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"}
	got, err := f.Fetch(context.Background(), src, []string{solOwner, solOther, "0xnotsolana"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got[solOwner] != "18446744073709551616" {
		t.Errorf("Expected summed balance, got %q", got[solOwner])
	}
	if got[solOther] != "0" {
		t.Errorf("Expected 0 for owner without accounts, got %q", got[solOther])
	}
	if len(got) != 2 {
		t.Errorf("Expected 2 balances, got %v", got)
	}
}

func TestSolanaFetcher_MetaplexCountsCollection(t *testing.T) {
	srv := newRPCServer(t, func(method string, params json.RawMessage) (any, *rpcError) {
		var p struct {
			OwnerAddress string   `json:"ownerAddress"`
			Grouping     []string `json:"grouping"`
		}
		_ = json.Unmarshal(params, &p)
		if method != "searchAssets" || len(p.Grouping) != 2 || p.Grouping[0] != "collection" {
			return nil, &rpcError{Code: -32602, Message: "bad request"}
		}
		if p.OwnerAddress == solOwner {
			return map[string]any{"total": 3, "items": []any{}}, nil
		}
		return map[string]any{"total": 0, "items": []any{}}, nil
	})

	f := NewSolanaFetcher(newRPCClients(map[string]string{"mainnet": srv.URL}, testOptions()), 2)
	src := models.SolanaSource{Standard: models.SourceMetaplex, SolanaNetwork: "mainnet", ContractAddress: "J1S9H3QjnRtBbbuD4HjPV6RpRhwuk4zKbxsnCHuTgh9w"}
	got, err := f.Fetch(context.Background(), src, []string{solOwner, solOther})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got[solOwner] != "3" || got[solOther] != "0" {
		t.Errorf("Unexpected counts: %v", got)
	}
}

func TestSuiFetcher_CoinBalance(t *testing.T) {
	srv := newRPCServer(t, func(method string, params json.RawMessage) (any, *rpcError) {
		var p []string
		_ = json.Unmarshal(params, &p)
		if method != "suix_getBalance" || p[1] != SuiCoinType {
			return nil, &rpcError{Code: -32602, Message: "unexpected coin type"}
		}
		if p[0] == suiOwner {
			return map[string]any{"coinType": p[1], "totalBalance": "5000000000"}, nil
		}
		return map[string]any{"coinType": p[1], "totalBalance": "0"}, nil
	})

	f := NewSuiFetcher(newRPCClients(map[string]string{"mainnet": srv.URL}, testOptions()))
	got, err := f.Fetch(context.Background(), models.SuiNativeSource{SuiNetwork: "mainnet"}, []string{suiOwner, suiOther})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got[suiOwner] != "5000000000" || got[suiOther] != "0" {
		t.Errorf("Unexpected balances: %v", got)
	}
}

func TestSuiFetcher_ObjectOwnership(t *testing.T) {
	srv := newRPCServer(t, func(method string, params json.RawMessage) (any, *rpcError) {
		if method != "sui_getObject" {
			return nil, &rpcError{Code: -32601, Message: "unexpected method"}
		}
		return map[string]any{
			"data": map[string]any{
				"objectId": "0xobj",
				"owner":    map[string]any{"AddressOwner": "0xa1"},
				"content":  map[string]any{"dataType": "moveObject", "fields": map[string]any{"balance": "42"}},
			},
		}, nil
	})

	f := NewSuiFetcher(newRPCClients(map[string]string{"mainnet": srv.URL}, testOptions()))
	got, err := f.Fetch(context.Background(), models.SuiNativeSource{SuiNetwork: "mainnet", ObjectID: "0xobj"}, []string{suiOwner, suiOther})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got[suiOwner] != "42" {
		t.Errorf("Expected owner to hold 42, got %q", got[suiOwner])
	}
	if got[suiOther] != "0" {
		t.Errorf("Expected non-owner to hold 0, got %q", got[suiOther])
	}
}

func TestCosmosFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/cosmos/bank/v1beta1/balances/"):
			if r.URL.Query().Get("denom") != "uosmo" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"balance":{"denom":"uosmo","amount":"123456"}}`))

		case strings.HasPrefix(r.URL.Path, "/cosmwasm/wasm/v1/contract/"):
			parts := strings.Split(r.URL.Path, "/")
			raw, err := base64.URLEncoding.DecodeString(parts[len(parts)-1])
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			var q map[string]map[string]any
			_ = json.Unmarshal(raw, &q)
			if _, ok := q["balance"]; ok {
				_, _ = w.Write([]byte(`{"data":{"balance":"777"}}`))
				return
			}
			// two pages of tokens: 100 then 5
			tokens := make([]string, 0, cw721PageLimit)
			n := cw721PageLimit
			if q["tokens"]["start_after"] != nil {
				n = 5
			}
			for i := 0; i < n; i++ {
				tokens = append(tokens, "t")
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"tokens": tokens}})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewCosmosFetcher(newRESTClients(map[string]string{"osmosis-1": srv.URL + "/"}, testOptions()), nil, 2)

	tests := []struct {
		name   string
		source models.ContractSource
		want   string
	}{
		{"bank denom", models.CosmosNativeSource{CosmosChainID: "osmosis-1", TokenSymbol: "uosmo"}, "123456"},
		{"cw20", models.CosmosContractSource{Standard: models.SourceCW20, CosmosChainID: "osmosis-1", ContractAddress: "osmo1contract"}, "777"},
		{"cw721 paginated", models.CosmosContractSource{Standard: models.SourceCW721, CosmosChainID: "osmosis-1", ContractAddress: "osmo1nft"}, "105"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Fetch(context.Background(), tt.source, []string{osmoOwner, "NOT VALID"})
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if got[osmoOwner] != tt.want {
				t.Errorf("Expected %s, got %q", tt.want, got[osmoOwner])
			}
			if len(got) != 1 {
				t.Errorf("Expected invalid address to be dropped, got %v", got)
			}
		})
	}
}

func TestCosmosFetcher_HTTPErrorFailsSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewCosmosFetcher(newRESTClients(map[string]string{"osmosis-1": srv.URL}, testOptions()), nil, 2)
	_, err := f.Fetch(context.Background(), models.CosmosNativeSource{CosmosChainID: "osmosis-1", TokenSymbol: "uosmo"}, []string{osmoOwner})
	if err == nil {
		t.Error("Expected error when every address fails")
	}
}

func TestCosmosFetcher_NativeDenomFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		denom := r.URL.Query().Get("denom")
		switch denom {
		case "uatom":
			_, _ = w.Write([]byte(`{"balance":{"denom":"uatom","amount":"5000"}}`))
		case "ibc/27394FB092D2ECCD56123C74F36E4C1F926001CEADA9CA97EA622B25F41E5EB2":
			_, _ = w.Write([]byte(`{"balance":{"denom":"` + denom + `","amount":"42"}}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	clients := newRESTClients(map[string]string{"cosmoshub": srv.URL, "juno-1": srv.URL}, testOptions())
	f := NewCosmosFetcher(clients, map[string]string{"cosmoshub": "uatom"}, 2)

	tests := []struct {
		name    string
		source  models.CosmosNativeSource
		want    string
		wantErr bool
	}{
		{"configured denom", models.CosmosNativeSource{CosmosChainID: "cosmoshub"}, "5000", false},
		{"token symbol wins", models.CosmosNativeSource{CosmosChainID: "cosmoshub", TokenSymbol: "ibc/27394FB092D2ECCD56123C74F36E4C1F926001CEADA9CA97EA622B25F41E5EB2"}, "42", false},
		{"no denom for chain", models.CosmosNativeSource{CosmosChainID: "juno-1"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Fetch(context.Background(), tt.source, []string{osmoOwner})
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if got[osmoOwner] != tt.want {
				t.Errorf("Expected %s, got %q", tt.want, got[osmoOwner])
			}
		})
	}
}
