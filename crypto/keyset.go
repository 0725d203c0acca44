package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// KeysetsMap maps mint urls to their keysets keyed by keyset id.
type KeysetsMap map[string]map[string]WalletKeyset

// WalletKeyset is the wallet-side view of a mint keyset.
type WalletKeyset struct {
	Id          string
	MintURL     string
	Unit        string
	Active      bool
	PublicKeys  map[uint64]*secp256k1.PublicKey
	InputFeePpk uint
	Counter     uint32
}

// DeriveKeysetId derives the keyset id from its public keys:
// sha256 over the compressed keys sorted by amount, "00" version prefix
// plus the first 14 hex chars. A keyset is self-certifying: the id a
// mint advertises must match the id derived from the keys it serves.
func DeriveKeysetId(keys map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, 0, len(keys))
	for amount := range keys {
		amounts = append(amounts, amount)
	}
	sort.Slice(amounts, func(i, j int) bool {
		return amounts[i] < amounts[j]
	})

	pubkeys := make([]byte, 0, len(keys)*33)
	for _, amount := range amounts {
		pubkeys = append(pubkeys, keys[amount].SerializeCompressed()...)
	}
	hash := sha256.Sum256(pubkeys)

	return "00" + hex.EncodeToString(hash[:])[:14]
}

// MapPubKeys parses an amount -> hex compressed key map as served
// by the mint on /v1/keys.
func MapPubKeys(keys map[uint64]string) (map[uint64]*secp256k1.PublicKey, error) {
	parsedKeys := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, key := range keys {
		pkbytes, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for amount %v: %v", amount, err)
		}
		pubkey, err := secp256k1.ParsePubKey(pkbytes)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for amount %v: %v", amount, err)
		}
		parsedKeys[amount] = pubkey
	}
	return parsedKeys, nil
}

type walletKeysetJSON struct {
	Id          string            `json:"id"`
	MintURL     string            `json:"mint_url"`
	Unit        string            `json:"unit"`
	Active      bool              `json:"active"`
	PublicKeys  map[uint64]string `json:"public_keys"`
	InputFeePpk uint              `json:"input_fee_ppk"`
	Counter     uint32            `json:"counter"`
}

func (wk WalletKeyset) MarshalJSON() ([]byte, error) {
	keys := make(map[uint64]string, len(wk.PublicKeys))
	for amount, key := range wk.PublicKeys {
		keys[amount] = hex.EncodeToString(key.SerializeCompressed())
	}
	return json.Marshal(walletKeysetJSON{
		Id:          wk.Id,
		MintURL:     wk.MintURL,
		Unit:        wk.Unit,
		Active:      wk.Active,
		PublicKeys:  keys,
		InputFeePpk: wk.InputFeePpk,
		Counter:     wk.Counter,
	})
}

func (wk *WalletKeyset) UnmarshalJSON(data []byte) error {
	var temp walletKeysetJSON
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	keys, err := MapPubKeys(temp.PublicKeys)
	if err != nil {
		return err
	}

	wk.Id = temp.Id
	wk.MintURL = temp.MintURL
	wk.Unit = temp.Unit
	wk.Active = temp.Active
	wk.PublicKeys = keys
	wk.InputFeePpk = temp.InputFeePpk
	wk.Counter = temp.Counter
	return nil
}

// Amounts returns the keyset denominations in ascending order.
func (ks *WalletKeyset) Amounts() []uint64 {
	amounts := make([]uint64, 0, len(ks.PublicKeys))
	for amount := range ks.PublicKeys {
		amounts = append(amounts, amount)
	}
	sort.Slice(amounts, func(i, j int) bool {
		return amounts[i] < amounts[j]
	})
	return amounts
}
