package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/assets"
)

type Balance struct {
	Symbol   string          `json:"symbol"`
	Address  string          `json:"address,omitempty"`
	Decimals int32           `json:"decimals"`
	Balance  decimal.Decimal `json:"balance"`
}

// BalanceReader reads the settlement asset balances held by an address.
type BalanceReader struct {
	backend  Backend
	erc20ABI abi.ABI
	assets   *assets.Registry
	logger   *zap.Logger
}

func NewBalanceReader(backend Backend, registry *assets.Registry, logger *zap.Logger) (*BalanceReader, error) {
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	return &BalanceReader{backend: backend, erc20ABI: parsed, assets: registry, logger: logger}, nil
}

// Balances returns one entry per supported asset. Assets whose lookup fails
// are logged and left out.
func (r *BalanceReader) Balances(ctx context.Context, address string) (map[string]Balance, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid Ethereum address %q", address)
	}
	owner := common.HexToAddress(address)

	balances := make(map[string]Balance)
	for _, asset := range r.assets.All() {
		units, err := r.units(ctx, owner, asset)
		if err != nil {
			r.logger.Error("Failed to get token balance",
				zap.String("token", asset.Symbol),
				zap.String("address", address),
				zap.Error(err))
			continue
		}
		b := Balance{
			Symbol:   asset.Symbol,
			Decimals: asset.Decimals,
			Balance:  asset.FromBaseUnits(decimal.NewFromBigInt(units, 0)),
		}
		if !asset.Native {
			b.Address = asset.Address.Hex()
		}
		balances[asset.Symbol] = b
	}
	return balances, nil
}

func (r *BalanceReader) units(ctx context.Context, owner common.Address, asset *assets.Asset) (*big.Int, error) {
	if asset.Native {
		return r.backend.BalanceAt(ctx, owner, nil)
	}

	data, err := r.erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}
	token := asset.Address
	result, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	var balance *big.Int
	if err := r.erc20ABI.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf result: %w", err)
	}
	return balance, nil
}
