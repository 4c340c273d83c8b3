// Package chain submits treasury transfers to an EVM network and reads
// on-chain state for treasury wallets.
package chain

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Transfer is one outgoing payment from a treasury wallet.
type Transfer struct {
	// Reference identifies the business operation, used for logging.
	Reference string
	From      string
	To        string
	Amount    decimal.Decimal
	Currency  string
}

type Receipt struct {
	TxHash      string
	BlockNumber uint64
}

// Submitter signs, broadcasts and confirms a transfer. It returns only once
// the transfer is mined or has definitely failed.
type Submitter interface {
	Submit(ctx context.Context, transfer Transfer) (*Receipt, error)
}

// SubmitError describes a failed submission.
type SubmitError struct {
	Reason string
	// Transient errors may succeed when retried with the same transfer.
	Transient bool
	// Broadcast is set once the transaction reached the network. Such a
	// transfer must never be submitted again automatically.
	Broadcast bool
	TxHash    string
	Err       error
}

func (e *SubmitError) Error() string {
	msg := e.Reason
	if e.TxHash != "" {
		msg = fmt.Sprintf("%s (tx %s)", msg, e.TxHash)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

func terminal(reason string, err error) *SubmitError {
	return &SubmitError{Reason: reason, Err: err}
}

// classifyRPCError decides whether an RPC failure before broadcast is worth
// retrying.
func classifyRPCError(reason string, err error) *SubmitError {
	return &SubmitError{Reason: reason, Transient: isTransient(err), Err: err}
}

var transientMarkers = []string{
	"timeout",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"eof",
	"too many requests",
	"429",
	"502",
	"503",
	"nonce too low",
	"replacement transaction underpriced",
	"already known",
	"header not found",
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// DryRunSubmitter never broadcasts. It confirms every transfer immediately
// with a hash derived from the transfer, for local runs without an RPC node.
type DryRunSubmitter struct {
	logger *zap.Logger
	block  atomic.Uint64
}

func NewDryRunSubmitter(logger *zap.Logger) *DryRunSubmitter {
	s := &DryRunSubmitter{logger: logger.With(zap.String("component", "dry_run_submitter"))}
	s.block.Store(1)
	return s
}

func (s *DryRunSubmitter) Submit(_ context.Context, transfer Transfer) (*Receipt, error) {
	hash := crypto.Keccak256Hash([]byte(strings.Join([]string{
		transfer.Reference, transfer.From, transfer.To, transfer.Amount.String(), transfer.Currency,
	}, "|")))
	receipt := &Receipt{TxHash: hash.Hex(), BlockNumber: s.block.Add(1)}
	s.logger.Warn("Dry run transfer, nothing was broadcast",
		zap.String("reference", transfer.Reference),
		zap.String("to", transfer.To),
		zap.String("amount", transfer.Amount.String()),
		zap.String("currency", transfer.Currency),
		zap.String("tx_hash", receipt.TxHash))
	return receipt, nil
}
