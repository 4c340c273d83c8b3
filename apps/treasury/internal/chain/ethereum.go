package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/assets"
)

const (
	// NativeTransferGas is the fixed cost of a plain value transfer.
	NativeTransferGas uint64 = 21000

	DefaultReceiptPollInterval = 2 * time.Second
	DefaultReceiptTimeout      = 3 * time.Minute
)

// ERC20ABI covers the token calls the treasury makes.
const ERC20ABI = `[
	{
		"constant": false,
		"inputs": [{"name": "_to", "type": "address"}, {"name": "_value", "type": "uint256"}],
		"name": "transfer",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [{"name": "_owner", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "balance", "type": "uint256"}],
		"type": "function"
	}
]`

// Backend is the subset of ethclient.Client the submitter and balance reader
// use.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum client: %w", err)
	}
	return client, nil
}

// ParseSignerKeys parses hex private keys and indexes them by the address
// they control.
func ParseSignerKeys(hexKeys []string) (map[common.Address]*ecdsa.PrivateKey, error) {
	keys := make(map[common.Address]*ecdsa.PrivateKey, len(hexKeys))
	for i, raw := range hexKeys {
		raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
		if raw == "" {
			continue
		}
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("signer key %d: %w", i, err)
		}
		keys[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	return keys, nil
}

// EthereumSubmitter signs transfers with the hot-wallet key of the sending
// address and waits for the receipt.
type EthereumSubmitter struct {
	backend      Backend
	chainID      *big.Int
	keys         map[common.Address]*ecdsa.PrivateKey
	assets       *assets.Registry
	erc20ABI     abi.ABI
	pollInterval time.Duration
	timeout      time.Duration
	logger       *zap.Logger

	mu         sync.Mutex
	senderLock map[common.Address]*sync.Mutex
}

func NewEthereumSubmitter(backend Backend, chainID int64, keys map[common.Address]*ecdsa.PrivateKey, registry *assets.Registry, logger *zap.Logger) (*EthereumSubmitter, error) {
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	return &EthereumSubmitter{
		backend:      backend,
		chainID:      big.NewInt(chainID),
		keys:         keys,
		assets:       registry,
		erc20ABI:     parsed,
		pollInterval: DefaultReceiptPollInterval,
		timeout:      DefaultReceiptTimeout,
		logger:       logger.With(zap.String("component", "ethereum_submitter")),
		senderLock:   make(map[common.Address]*sync.Mutex),
	}, nil
}

// WithReceiptPolling overrides how often and how long receipts are polled.
func (s *EthereumSubmitter) WithReceiptPolling(interval, timeout time.Duration) *EthereumSubmitter {
	s.pollInterval = interval
	s.timeout = timeout
	return s
}

// lockSender serializes nonce assignment per sending address.
func (s *EthereumSubmitter) lockSender(addr common.Address) func() {
	s.mu.Lock()
	l, ok := s.senderLock[addr]
	if !ok {
		l = &sync.Mutex{}
		s.senderLock[addr] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *EthereumSubmitter) Submit(ctx context.Context, transfer Transfer) (*Receipt, error) {
	signed, err := s.signAndSend(ctx, transfer)
	if err != nil {
		return nil, err
	}

	hash := signed.Hash()
	s.logger.Info("Broadcast transfer",
		zap.String("reference", transfer.Reference),
		zap.String("tx_hash", hash.Hex()),
		zap.String("from", transfer.From),
		zap.String("to", transfer.To),
		zap.String("amount", transfer.Amount.String()),
		zap.String("currency", transfer.Currency))

	receipt, err := s.waitReceipt(ctx, hash)
	if err != nil {
		return nil, &SubmitError{Reason: "receipt not observed", Broadcast: true, TxHash: hash.Hex(), Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &SubmitError{Reason: "transaction reverted", Broadcast: true, TxHash: hash.Hex()}
	}

	return &Receipt{TxHash: hash.Hex(), BlockNumber: receipt.BlockNumber.Uint64()}, nil
}

func (s *EthereumSubmitter) signAndSend(ctx context.Context, transfer Transfer) (*types.Transaction, error) {
	asset, ok := s.assets.GetBySymbol(transfer.Currency)
	if !ok {
		return nil, terminal(fmt.Sprintf("unsupported currency %s", transfer.Currency), nil)
	}
	if !common.IsHexAddress(transfer.From) || !common.IsHexAddress(transfer.To) {
		return nil, terminal("invalid sender or destination address", nil)
	}
	from := common.HexToAddress(transfer.From)
	to := common.HexToAddress(transfer.To)
	key, ok := s.keys[from]
	if !ok {
		return nil, terminal(fmt.Sprintf("no signing key for wallet %s", from.Hex()), nil)
	}
	units := asset.ToBaseUnits(transfer.Amount).BigInt()
	if units.Sign() <= 0 {
		return nil, terminal("amount rounds to zero base units", nil)
	}

	// Build the call: value transfer for native assets, token transfer otherwise.
	target := to
	value := units
	var data []byte
	if !asset.Native {
		packed, err := s.erc20ABI.Pack("transfer", to, units)
		if err != nil {
			return nil, terminal("failed to pack transfer call", err)
		}
		target = asset.Address
		value = big.NewInt(0)
		data = packed
	}

	unlock := s.lockSender(from)
	defer unlock()

	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, classifyRPCError("failed to get nonce from blockchain", err)
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classifyRPCError("failed to get gas price from blockchain", err)
	}
	gas := NativeTransferGas
	if !asset.Native {
		gas, err = s.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &target, Data: data})
		if err != nil {
			return nil, classifyRPCError("failed to estimate gas", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &target,
		Value:    value,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), key)
	if err != nil {
		return nil, terminal("failed to sign transaction", err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return nil, classifyRPCError("failed to send transaction", err)
	}
	return signed, nil
}

func (s *EthereumSubmitter) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			s.logger.Warn("Receipt lookup failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
