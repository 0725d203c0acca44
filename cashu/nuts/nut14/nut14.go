// Package nut14 implements Hashed Timelock Contract spending conditions
// as defined in [NUT-14].
//
// [NUT-14]: https://github.com/cashubtc/nuts/blob/main/14.md
package nut14

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cashukit/cashew/cashu"
	"github.com/cashukit/cashew/cashu/nuts/nut10"
	"github.com/cashukit/cashew/cashu/nuts/nut11"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

type HTLCWitness struct {
	Preimage   string   `json:"preimage"`
	Signatures []string `json:"signatures"`
}

// NewHTLCSecret builds an HTLC secret locked to the sha256 hash of
// the preimage. Additional conditions (pubkeys, locktime, refund)
// are carried in the tags.
func NewHTLCSecret(preimage string, tags nut11.P2PKTags) (string, error) {
	preimageBytes, err := hex.DecodeString(preimage)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(preimageBytes)

	spendingCondition := nut10.SpendingCondition{
		Kind: nut10.HTLC,
		Data: hex.EncodeToString(hash[:]),
		Tags: nut11.SerializeP2PKTags(tags),
	}
	return nut10.NewSecretFromSpendingCondition(spendingCondition)
}

// AddWitnessHTLC adds to each proof a witness with the preimage and a
// signature over the proof's secret.
func AddWitnessHTLC(
	proofs cashu.Proofs,
	preimage string,
	signingKey *btcec.PrivateKey,
) (cashu.Proofs, error) {
	for i, proof := range proofs {
		hash := sha256.Sum256([]byte(proof.Secret))
		signature, err := schnorr.Sign(signingKey, hash[:])
		if err != nil {
			return nil, err
		}

		htlcWitness := HTLCWitness{
			Preimage:   preimage,
			Signatures: []string{hex.EncodeToString(signature.Serialize())},
		}

		witness, err := json.Marshal(htlcWitness)
		if err != nil {
			return nil, err
		}
		proof.Witness = string(witness)
		proofs[i] = proof
	}

	return proofs, nil
}

// AddWitnessPreimage adds only the preimage to each proof, for HTLC
// secrets that do not require a signature.
func AddWitnessPreimage(proofs cashu.Proofs, preimage string) (cashu.Proofs, error) {
	for i, proof := range proofs {
		witness, err := json.Marshal(HTLCWitness{Preimage: preimage})
		if err != nil {
			return nil, err
		}
		proof.Witness = string(witness)
		proofs[i] = proof
	}
	return proofs, nil
}
