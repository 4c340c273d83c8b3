package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// EthereumVerifier checks personal_sign signatures: signer identities are
// EVM addresses and the signature must recover to that address.
type EthereumVerifier struct{}

func (EthereumVerifier) Verify(signer string, digest []byte, signature string) error {
	if !common.IsHexAddress(signer) {
		return fmt.Errorf("signer %q is not an address", signer)
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	// Wallets return the recovery id as 27/28.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(digest), sig)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != common.HexToAddress(signer) {
		return fmt.Errorf("signature recovers to %s, not %s", recovered.Hex(), signer)
	}
	return nil
}
