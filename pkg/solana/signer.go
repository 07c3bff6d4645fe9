package solana

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Signer signs swap transactions with the trading wallet.
type Signer struct {
	key solana.PrivateKey
}

// NewSigner wraps key.
func NewSigner(key solana.PrivateKey) *Signer {
	return &Signer{key: key}
}

// PublicKey is the wallet address used as fee payer.
func (s *Signer) PublicKey() string {
	return s.key.PublicKey().String()
}

// Sign replaces the placeholder signatures of an unsigned transaction and
// returns the wire bytes with the first signature, which is the transaction id.
func (s *Signer) Sign(raw []byte) ([]byte, string, error) {
	tx, err := DecodeTransaction(raw)
	if err != nil {
		return nil, "", err
	}

	pub := s.key.PublicKey()
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(pub) {
		return nil, "", fmt.Errorf("transaction fee payer is not %s", pub)
	}

	tx.Signatures = nil
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(pub) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	signed, err := tx.MarshalBinary()
	if err != nil {
		return nil, "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return signed, tx.Signatures[0].String(), nil
}
