// Package nut13 implements deterministic derivation of secrets and
// blinding factors from a BIP-32 master key as defined in [NUT-13].
// Deriving both from a seed lets a wallet recreate its outputs for a
// keyset from nothing but the mnemonic and a counter.
//
// [NUT-13]: https://github.com/cashubtc/nuts/blob/main/13.md
package nut13

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const purpose = 129372

// child indexes under the counter path
const (
	secretChild         = 0
	blindingFactorChild = 1
)

// DeriveKeysetPath derives m/129372'/0'/keyset_k_int' where
// keyset_k_int is the keyset id read as a big-endian integer
// modulo 2^31 - 1.
func DeriveKeysetPath(master *hdkeychain.ExtendedKey, keysetId string) (*hdkeychain.ExtendedKey, error) {
	keysetBytes, err := hex.DecodeString(keysetId)
	if err != nil {
		return nil, fmt.Errorf("invalid keyset id: %v", err)
	}
	keysetIdInt := binary.BigEndian.Uint64(keysetBytes) % (1<<31 - 1)

	purposePath, err := master.Derive(hdkeychain.HardenedKeyStart + purpose)
	if err != nil {
		return nil, err
	}

	coinType, err := purposePath.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}

	return coinType.Derive(hdkeychain.HardenedKeyStart + uint32(keysetIdInt))
}

// DeriveSecret derives the secret at
// m/129372'/0'/keyset_k_int'/counter'/0 and returns it as the
// hex encoding of the derived private key.
func DeriveSecret(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, error) {
	key, err := deriveCounterChild(keysetPath, counter, secretChild)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key.Serialize()), nil
}

// DeriveBlindingFactor derives the blinding factor at
// m/129372'/0'/keyset_k_int'/counter'/1.
func DeriveBlindingFactor(keysetPath *hdkeychain.ExtendedKey, counter uint32) (*secp256k1.PrivateKey, error) {
	return deriveCounterChild(keysetPath, counter, blindingFactorChild)
}

func deriveCounterChild(
	keysetPath *hdkeychain.ExtendedKey,
	counter uint32,
	child uint32,
) (*secp256k1.PrivateKey, error) {
	counterPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + counter)
	if err != nil {
		return nil, err
	}

	childPath, err := counterPath.Derive(child)
	if err != nil {
		return nil, err
	}

	return childPath.ECPrivKey()
}
