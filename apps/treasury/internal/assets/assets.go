package assets

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Asset is a settlement currency the treasury can pay out in.
type Asset struct {
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Address  common.Address `json:"address"`
	Decimals int32          `json:"decimals"`
	// Native assets are transferred as the transaction value, not through a token contract.
	Native bool `json:"native"`
}

// ToBaseUnits converts a decimal amount into the asset's smallest unit.
// Precision beyond the asset's decimals is truncated.
func (a *Asset) ToBaseUnits(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(a.Decimals).Truncate(0)
}

// FromBaseUnits converts an on-chain integer amount into a decimal amount.
func (a *Asset) FromBaseUnits(units decimal.Decimal) decimal.Decimal {
	return units.Shift(-a.Decimals)
}

type Registry struct {
	bySymbol  map[string]*Asset
	byAddress map[common.Address]*Asset
}

func NewRegistry(list ...*Asset) *Registry {
	registry := &Registry{
		bySymbol:  make(map[string]*Asset),
		byAddress: make(map[common.Address]*Asset),
	}
	for _, asset := range list {
		registry.bySymbol[strings.ToUpper(asset.Symbol)] = asset
		if !asset.Native {
			registry.byAddress[asset.Address] = asset
		}
	}
	return registry
}

// GetBySymbol returns an asset by its symbol, case-insensitive.
func (r *Registry) GetBySymbol(symbol string) (*Asset, bool) {
	asset, ok := r.bySymbol[strings.ToUpper(symbol)]
	return asset, ok
}

func (r *Registry) GetByAddress(address common.Address) (*Asset, bool) {
	asset, ok := r.byAddress[address]
	return asset, ok
}

func (r *Registry) IsSupported(symbol string) bool {
	_, ok := r.GetBySymbol(symbol)
	return ok
}

func (r *Registry) All() []*Asset {
	list := make([]*Asset, 0, len(r.bySymbol))
	for _, asset := range r.bySymbol {
		list = append(list, asset)
	}
	return list
}

// Mainnet settlement assets.
var (
	USDC = &Asset{
		Symbol:   "USDC",
		Name:     "USD Coin",
		Address:  common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		Decimals: 6,
	}
	USDT = &Asset{
		Symbol:   "USDT",
		Name:     "Tether USD",
		Address:  common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"),
		Decimals: 6,
	}
	ETH = &Asset{
		Symbol:   "ETH",
		Name:     "Ether",
		Decimals: 18,
		Native:   true,
	}
)

var GlobalRegistry = NewRegistry(USDC, USDT, ETH)
