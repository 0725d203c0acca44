// Package storage defines the wallet's persistence interface and its
// default bbolt implementation. A sqlite implementation with the same
// contract lives in the sqlite subpackage.
package storage

import (
	"errors"

	"github.com/cashukit/cashew/cashu"
	"github.com/cashukit/cashew/crypto"
)

var ProofNotFoundErr = errors.New("proof not found")

type WalletDB interface {
	SaveMnemonicSeed(mnemonic string, seed []byte) error
	GetMnemonicSeed() (string, []byte)

	SaveProofs(cashu.Proofs) error
	GetProofs() cashu.Proofs
	GetProofsByKeysetId(id string) cashu.Proofs
	DeleteProof(secret string) error

	SaveKeyset(*crypto.WalletKeyset) error
	GetKeysets() crypto.KeysetsMap
	GetKeyset(id string) *crypto.WalletKeyset

	// ReserveCounterRange atomically advances the deterministic
	// derivation cursor for the keyset and returns the start of the
	// reserved range. The advance must be durable before returning
	// since a reissued counter regenerates a secret.
	ReserveCounterRange(keysetId string, count uint32) (uint32, error)
	GetKeysetCounter(keysetId string) uint32

	Close() error
}
