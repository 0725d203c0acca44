package wallet

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// DeriveP2PK derives the key proofs get locked to when received over
// a pay-to-pubkey condition, at m/129372'/0'/1'/0.
func DeriveP2PK(master *hdkeychain.ExtendedKey) (*btcec.PrivateKey, error) {
	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + 129372)
	if err != nil {
		return nil, err
	}
	coinType, err := purpose.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}
	account, err := coinType.Derive(hdkeychain.HardenedKeyStart + 1)
	if err != nil {
		return nil, err
	}
	child, err := account.Derive(0)
	if err != nil {
		return nil, err
	}
	return child.ECPrivKey()
}

// ReceivePubkey is the public key to lock tokens to when sending to
// this wallet with a P2PK condition.
func (w *Wallet) ReceivePubkey() (*btcec.PublicKey, error) {
	key, err := DeriveP2PK(w.masterKey)
	if err != nil {
		return nil, err
	}
	return key.PubKey(), nil
}
