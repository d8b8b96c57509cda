package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// SourceType names the kind of balance a requirement is evaluated against
type SourceType string

const (
	SourceERC20         SourceType = "erc20"
	SourceERC721        SourceType = "erc721"
	SourceERC1155       SourceType = "erc1155"
	SourceETHNative     SourceType = "eth_native"
	SourceSPL           SourceType = "spl"
	SourceMetaplex      SourceType = "metaplex"
	SourceSuiNative     SourceType = "sui_native"
	SourceSuiToken      SourceType = "sui_token"
	SourceCosmosNative  SourceType = "cosmos_native"
	SourceCW20          SourceType = "cw20"
	SourceCW721         SourceType = "cw721"
	SourceStellarNative SourceType = "stellar_native"
	SourceStellarAsset  SourceType = "stellar_asset"
)

// ErrUnknownSourceType is returned when a source_type has no matching variant
var ErrUnknownSourceType = errors.New("unknown source type")

// SourceKey is the comparable signature of a balance source.
// Two sources with equal keys read the same balances.
type SourceKey struct {
	Type     SourceType
	Chain    string
	Contract string
	TokenID  string
}

// String renders the key as a stable path, used for logging and cache keys
func (k SourceKey) String() string {
	parts := []string{string(k.Type), k.Chain}
	if k.Contract != "" || k.TokenID != "" {
		parts = append(parts, k.Contract)
	}
	if k.TokenID != "" {
		parts = append(parts, k.TokenID)
	}
	return strings.Join(parts, "/")
}

// ContractSource describes where a balance lives. The set of variants is
// closed: only types in this package implement it.
type ContractSource interface {
	Type() SourceType
	Key() SourceKey
	Validate() error
	isContractSource()
}

// EVMContractSource is a token contract on an EVM chain (erc20, erc721, erc1155)
type EVMContractSource struct {
	Standard        SourceType `json:"source_type"`
	EVMChainID      int64      `json:"evm_chain_id"`
	ContractAddress string     `json:"contract_address"`
	TokenID         string     `json:"token_id,omitempty"` // erc1155 only
}

// EVMNativeSource is the native coin of an EVM chain
type EVMNativeSource struct {
	EVMChainID int64 `json:"evm_chain_id"`
}

// SolanaSource is an SPL mint or a Metaplex collection
type SolanaSource struct {
	Standard        SourceType `json:"source_type"`
	SolanaNetwork   string     `json:"solana_network"`
	ContractAddress string     `json:"contract_address"`
}

// SuiNativeSource is SUI itself, optionally narrowed to one owned object
type SuiNativeSource struct {
	SuiNetwork string `json:"sui_network"`
	ObjectID   string `json:"object_id,omitempty"`
}

// SuiTokenSource is a Sui coin type other than SUI
type SuiTokenSource struct {
	SuiNetwork string `json:"sui_network"`
	CoinType   string `json:"coin_type"`
}

// CosmosNativeSource is a bank denom on a Cosmos SDK chain
type CosmosNativeSource struct {
	CosmosChainID string `json:"cosmos_chain_id"`
	TokenSymbol   string `json:"token_symbol,omitempty"`
}

// CosmosContractSource is a CosmWasm cw20 or cw721 contract
type CosmosContractSource struct {
	Standard        SourceType `json:"source_type"`
	CosmosChainID   string     `json:"cosmos_chain_id"`
	ContractAddress string     `json:"contract_address"`
}

// StellarNativeSource is XLM on a Stellar network
type StellarNativeSource struct {
	StellarNetwork string `json:"stellar_network"`
}

// StellarAssetSource is an issued Stellar asset
type StellarAssetSource struct {
	StellarNetwork string `json:"stellar_network"`
	AssetCode      string `json:"asset_code"`
	AssetIssuer    string `json:"asset_issuer"`
}

func (EVMContractSource) isContractSource()    {}
func (EVMNativeSource) isContractSource()      {}
func (SolanaSource) isContractSource()         {}
func (SuiNativeSource) isContractSource()      {}
func (SuiTokenSource) isContractSource()       {}
func (CosmosNativeSource) isContractSource()   {}
func (CosmosContractSource) isContractSource() {}
func (StellarNativeSource) isContractSource()  {}
func (StellarAssetSource) isContractSource()   {}

func (s EVMContractSource) Type() SourceType    { return s.Standard }
func (EVMNativeSource) Type() SourceType        { return SourceETHNative }
func (s SolanaSource) Type() SourceType         { return s.Standard }
func (SuiNativeSource) Type() SourceType        { return SourceSuiNative }
func (SuiTokenSource) Type() SourceType         { return SourceSuiToken }
func (CosmosNativeSource) Type() SourceType     { return SourceCosmosNative }
func (s CosmosContractSource) Type() SourceType { return s.Standard }
func (StellarNativeSource) Type() SourceType    { return SourceStellarNative }
func (StellarAssetSource) Type() SourceType     { return SourceStellarAsset }

func (s EVMContractSource) Key() SourceKey {
	key := SourceKey{
		Type:     s.Standard,
		Chain:    strconv.FormatInt(s.EVMChainID, 10),
		Contract: strings.ToLower(s.ContractAddress),
	}
	if s.Standard == SourceERC1155 {
		key.TokenID = s.TokenID
	}
	return key
}

func (s EVMNativeSource) Key() SourceKey {
	return SourceKey{Type: SourceETHNative, Chain: strconv.FormatInt(s.EVMChainID, 10)}
}

func (s SolanaSource) Key() SourceKey {
	return SourceKey{Type: s.Standard, Chain: s.SolanaNetwork, Contract: s.ContractAddress}
}

func (s SuiNativeSource) Key() SourceKey {
	return SourceKey{Type: SourceSuiNative, Chain: s.SuiNetwork, Contract: strings.ToLower(s.ObjectID)}
}

func (s SuiTokenSource) Key() SourceKey {
	return SourceKey{Type: SourceSuiToken, Chain: s.SuiNetwork, Contract: s.CoinType}
}

func (s CosmosNativeSource) Key() SourceKey {
	return SourceKey{Type: SourceCosmosNative, Chain: s.CosmosChainID, Contract: s.TokenSymbol}
}

func (s CosmosContractSource) Key() SourceKey {
	return SourceKey{Type: s.Standard, Chain: s.CosmosChainID, Contract: s.ContractAddress}
}

func (s StellarNativeSource) Key() SourceKey {
	return SourceKey{Type: SourceStellarNative, Chain: s.StellarNetwork}
}

func (s StellarAssetSource) Key() SourceKey {
	return SourceKey{
		Type:     SourceStellarAsset,
		Chain:    s.StellarNetwork,
		Contract: s.AssetCode + ":" + s.AssetIssuer,
	}
}

func (s EVMContractSource) Validate() error {
	switch s.Standard {
	case SourceERC20, SourceERC721:
	case SourceERC1155:
		if !isDecimal(s.TokenID) {
			return fmt.Errorf("erc1155 source requires a numeric token_id, got %q", s.TokenID)
		}
	default:
		return fmt.Errorf("%w: %q is not an evm contract standard", ErrUnknownSourceType, s.Standard)
	}
	if s.EVMChainID <= 0 {
		return fmt.Errorf("%s source requires evm_chain_id", s.Standard)
	}
	if s.ContractAddress == "" {
		return fmt.Errorf("%s source requires contract_address", s.Standard)
	}
	return nil
}

func (s EVMNativeSource) Validate() error {
	if s.EVMChainID <= 0 {
		return fmt.Errorf("eth_native source requires evm_chain_id")
	}
	return nil
}

func (s SolanaSource) Validate() error {
	if s.Standard != SourceSPL && s.Standard != SourceMetaplex {
		return fmt.Errorf("%w: %q is not a solana standard", ErrUnknownSourceType, s.Standard)
	}
	if s.SolanaNetwork == "" || s.ContractAddress == "" {
		return fmt.Errorf("%s source requires solana_network and contract_address", s.Standard)
	}
	return nil
}

func (s SuiNativeSource) Validate() error {
	if s.SuiNetwork == "" {
		return fmt.Errorf("sui_native source requires sui_network")
	}
	return nil
}

func (s SuiTokenSource) Validate() error {
	if s.SuiNetwork == "" || s.CoinType == "" {
		return fmt.Errorf("sui_token source requires sui_network and coin_type")
	}
	return nil
}

func (s CosmosNativeSource) Validate() error {
	if s.CosmosChainID == "" {
		return fmt.Errorf("cosmos_native source requires cosmos_chain_id")
	}
	return nil
}

func (s CosmosContractSource) Validate() error {
	if s.Standard != SourceCW20 && s.Standard != SourceCW721 {
		return fmt.Errorf("%w: %q is not a cosmwasm standard", ErrUnknownSourceType, s.Standard)
	}
	if s.CosmosChainID == "" || s.ContractAddress == "" {
		return fmt.Errorf("%s source requires cosmos_chain_id and contract_address", s.Standard)
	}
	return nil
}

func (s StellarNativeSource) Validate() error {
	if s.StellarNetwork == "" {
		return fmt.Errorf("stellar_native source requires stellar_network")
	}
	return nil
}

func (s StellarAssetSource) Validate() error {
	if s.StellarNetwork == "" || s.AssetCode == "" || s.AssetIssuer == "" {
		return fmt.Errorf("stellar_asset source requires stellar_network, asset_code and asset_issuer")
	}
	return nil
}

// Variants whose type is implied by the Go type still carry source_type on the wire.

func (s EVMNativeSource) MarshalJSON() ([]byte, error) {
	type alias EVMNativeSource
	return json.Marshal(struct {
		SourceType SourceType `json:"source_type"`
		alias
	}{SourceETHNative, alias(s)})
}

func (s SuiNativeSource) MarshalJSON() ([]byte, error) {
	type alias SuiNativeSource
	return json.Marshal(struct {
		SourceType SourceType `json:"source_type"`
		alias
	}{SourceSuiNative, alias(s)})
}

func (s SuiTokenSource) MarshalJSON() ([]byte, error) {
	type alias SuiTokenSource
	return json.Marshal(struct {
		SourceType SourceType `json:"source_type"`
		alias
	}{SourceSuiToken, alias(s)})
}

func (s CosmosNativeSource) MarshalJSON() ([]byte, error) {
	type alias CosmosNativeSource
	return json.Marshal(struct {
		SourceType SourceType `json:"source_type"`
		alias
	}{SourceCosmosNative, alias(s)})
}

func (s StellarNativeSource) MarshalJSON() ([]byte, error) {
	type alias StellarNativeSource
	return json.Marshal(struct {
		SourceType SourceType `json:"source_type"`
		alias
	}{SourceStellarNative, alias(s)})
}

func (s StellarAssetSource) MarshalJSON() ([]byte, error) {
	type alias StellarAssetSource
	return json.Marshal(struct {
		SourceType SourceType `json:"source_type"`
		alias
	}{SourceStellarAsset, alias(s)})
}

// DecodeSource parses the JSON form of a ContractSource, picking the variant
// from its source_type field
func DecodeSource(data []byte) (ContractSource, error) {
	var head struct {
		SourceType SourceType `json:"source_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode source: %w", err)
	}

	var (
		src ContractSource
		err error
	)
	switch head.SourceType {
	case SourceERC20, SourceERC721, SourceERC1155:
		var s EVMContractSource
		err = json.Unmarshal(data, &s)
		src = s
	case SourceETHNative:
		var s EVMNativeSource
		err = json.Unmarshal(data, &s)
		src = s
	case SourceSPL, SourceMetaplex:
		var s SolanaSource
		err = json.Unmarshal(data, &s)
		src = s
	case SourceSuiNative:
		var s SuiNativeSource
		err = json.Unmarshal(data, &s)
		src = s
	case SourceSuiToken:
		var s SuiTokenSource
		err = json.Unmarshal(data, &s)
		src = s
	case SourceCosmosNative:
		var s CosmosNativeSource
		err = json.Unmarshal(data, &s)
		src = s
	case SourceCW20, SourceCW721:
		var s CosmosContractSource
		err = json.Unmarshal(data, &s)
		src = s
	case SourceStellarNative:
		var s StellarNativeSource
		err = json.Unmarshal(data, &s)
		src = s
	case SourceStellarAsset:
		var s StellarAssetSource
		err = json.Unmarshal(data, &s)
		src = s
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSourceType, head.SourceType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s source: %w", head.SourceType, err)
	}
	return src, nil
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	_, ok := new(big.Int).SetString(s, 10)
	return ok && !strings.HasPrefix(s, "-") && !strings.HasPrefix(s, "+")
}
