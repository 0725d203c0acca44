// Package nut11 implements Pay-to-Public-Key spending conditions as
// defined in [NUT-11].
//
// [NUT-11]: https://github.com/cashubtc/nuts/blob/main/11.md
package nut11

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/cashukit/cashew/cashu"
	"github.com/cashukit/cashew/cashu/nuts/nut10"
)

const (
	// supported tags
	SIGFLAG  = "sigflag"
	NSIGS    = "n_sigs"
	PUBKEYS  = "pubkeys"
	LOCKTIME = "locktime"
	REFUND   = "refund"

	// SIGFLAG types
	SIGINPUTS = "SIG_INPUTS"
	SIGALL    = "SIG_ALL"

	// Error code
	NUT11ErrCode cashu.CashuErrCode = 30001
)

// errors
var (
	InvalidTagErr          = cashu.Error{Detail: "invalid tag", Code: NUT11ErrCode}
	TooManyTagsErr         = cashu.Error{Detail: "too many tags", Code: NUT11ErrCode}
	NSigsMustBePositiveErr = cashu.Error{Detail: "n_sigs must be a positive integer", Code: NUT11ErrCode}
	EmptyWitnessErr        = cashu.Error{Detail: "witness cannot be empty", Code: NUT11ErrCode}
	NotEnoughSignaturesErr = cashu.Error{Detail: "not enough valid signatures provided", Code: NUT11ErrCode}
)

// P2PKWitness is the tagged witness variant for P2PK locked proofs.
// It is serialized to JSON only when placed on the wire.
type P2PKWitness struct {
	Signatures []string `json:"signatures"`
}

type P2PKTags struct {
	Sigflag  string
	NSigs    int
	Pubkeys  []*btcec.PublicKey
	Locktime int64
	Refund   []*btcec.PublicKey
}

// P2PKSecret returns a secret with a spending condition
// that will lock ecash to a public key
func P2PKSecret(pubkey string) (string, error) {
	return nut10.NewSecretFromSpendingCondition(nut10.SpendingCondition{
		Kind: nut10.P2PK,
		Data: pubkey,
	})
}

func ParseP2PKTags(tags [][]string) (*P2PKTags, error) {
	if len(tags) > 5 {
		return nil, TooManyTagsErr
	}

	p2pkTags := P2PKTags{}

	for _, tag := range tags {
		if len(tag) < 2 {
			return nil, InvalidTagErr
		}
		switch tag[0] {
		case SIGFLAG:
			sigflagType := tag[1]
			if sigflagType == SIGINPUTS || sigflagType == SIGALL {
				p2pkTags.Sigflag = sigflagType
			} else {
				errmsg := fmt.Sprintf("invalid sigflag: %v", sigflagType)
				return nil, cashu.BuildCashuError(errmsg, NUT11ErrCode)
			}
		case NSIGS:
			nsig, err := strconv.ParseInt(tag[1], 10, 8)
			if err != nil {
				errmsg := fmt.Sprintf("invalid n_sigs value: %v", err)
				return nil, cashu.BuildCashuError(errmsg, NUT11ErrCode)
			}
			if nsig < 0 {
				return nil, NSigsMustBePositiveErr
			}
			p2pkTags.NSigs = int(nsig)
		case PUBKEYS:
			pubkeys, err := parsePublicKeys(tag[1:])
			if err != nil {
				return nil, err
			}
			p2pkTags.Pubkeys = pubkeys
		case LOCKTIME:
			locktime, err := strconv.ParseInt(tag[1], 10, 64)
			if err != nil {
				errmsg := fmt.Sprintf("invalid locktime: %v", err)
				return nil, cashu.BuildCashuError(errmsg, NUT11ErrCode)
			}
			p2pkTags.Locktime = locktime
		case REFUND:
			refundKeys, err := parsePublicKeys(tag[1:])
			if err != nil {
				return nil, err
			}
			p2pkTags.Refund = refundKeys
		}
	}

	return &p2pkTags, nil
}

// SerializeP2PKTags is the inverse of ParseP2PKTags. Zero-valued
// fields are left out.
func SerializeP2PKTags(tags P2PKTags) [][]string {
	serialized := make([][]string, 0, 5)

	if tags.Sigflag != "" {
		serialized = append(serialized, []string{SIGFLAG, tags.Sigflag})
	}
	if tags.NSigs > 0 {
		serialized = append(serialized, []string{NSIGS, strconv.Itoa(tags.NSigs)})
	}
	if len(tags.Pubkeys) > 0 {
		serialized = append(serialized, serializePublicKeys(PUBKEYS, tags.Pubkeys))
	}
	if tags.Locktime > 0 {
		serialized = append(serialized, []string{LOCKTIME, strconv.FormatInt(tags.Locktime, 10)})
	}
	if len(tags.Refund) > 0 {
		serialized = append(serialized, serializePublicKeys(REFUND, tags.Refund))
	}

	return serialized
}

func serializePublicKeys(tag string, keys []*btcec.PublicKey) []string {
	serialized := make([]string, 0, len(keys)+1)
	serialized = append(serialized, tag)
	for _, key := range keys {
		serialized = append(serialized, hex.EncodeToString(key.SerializeCompressed()))
	}
	return serialized
}

func parsePublicKeys(keys []string) ([]*btcec.PublicKey, error) {
	pubkeys := make([]*btcec.PublicKey, len(keys))
	for i, key := range keys {
		pubkey, err := ParsePublicKey(key)
		if err != nil {
			return nil, err
		}
		pubkeys[i] = pubkey
	}
	return pubkeys, nil
}

func AddSignatureToInputs(inputs cashu.Proofs, signingKey *btcec.PrivateKey) (cashu.Proofs, error) {
	for i, proof := range inputs {
		hash := sha256.Sum256([]byte(proof.Secret))
		signature, err := schnorr.Sign(signingKey, hash[:])
		if err != nil {
			return nil, err
		}

		p2pkWitness := P2PKWitness{
			Signatures: []string{hex.EncodeToString(signature.Serialize())},
		}

		witness, err := json.Marshal(p2pkWitness)
		if err != nil {
			return nil, err
		}
		proof.Witness = string(witness)
		inputs[i] = proof
	}

	return inputs, nil
}

func AddSignatureToOutputs(
	outputs cashu.BlindedMessages,
	signingKey *btcec.PrivateKey,
) (cashu.BlindedMessages, error) {
	for i, output := range outputs {
		msgToSign, err := hex.DecodeString(output.B_)
		if err != nil {
			return nil, err
		}

		hash := sha256.Sum256(msgToSign)
		signature, err := schnorr.Sign(signingKey, hash[:])
		if err != nil {
			return nil, err
		}

		p2pkWitness := P2PKWitness{
			Signatures: []string{hex.EncodeToString(signature.Serialize())},
		}

		witness, err := json.Marshal(p2pkWitness)
		if err != nil {
			return nil, err
		}
		output.Witness = string(witness)
		outputs[i] = output
	}

	return outputs, nil
}

// PublicKeys returns a list of public keys that can sign
// a P2PK locked proof
func PublicKeys(secret nut10.WellKnownSecret) ([]*btcec.PublicKey, error) {
	p2pkTags, err := ParseP2PKTags(secret.Tags)
	if err != nil {
		return nil, err
	}

	pubkey, err := ParsePublicKey(secret.Data)
	if err != nil {
		return nil, err
	}
	return append([]*btcec.PublicKey{pubkey}, p2pkTags.Pubkeys...), nil
}

func IsSecretP2PK(proof cashu.Proof) bool {
	return nut10.SecretType(proof.Secret) == nut10.P2PK
}

// ProofsSigAll returns true if at least one of the proofs
// in the list has a SIG_ALL flag
func ProofsSigAll(proofs cashu.Proofs) bool {
	for _, proof := range proofs {
		secret, err := nut10.DeserializeSecret(proof.Secret)
		if err != nil {
			return false
		}

		if IsSigAll(secret) {
			return true
		}
	}
	return false
}

func IsSigAll(secret nut10.WellKnownSecret) bool {
	for _, tag := range secret.Tags {
		if len(tag) == 2 && tag[0] == SIGFLAG && tag[1] == SIGALL {
			return true
		}
	}

	return false
}

func CanSign(secret nut10.WellKnownSecret, key *btcec.PrivateKey) bool {
	publicKey, err := ParsePublicKey(secret.Data)
	if err != nil {
		return false
	}

	return publicKey.IsEqual(key.PubKey())
}

func HasValidSignatures(hash []byte, witness P2PKWitness, Nsigs int, pubkeys []*btcec.PublicKey) bool {
	pubkeysCopy := make([]*btcec.PublicKey, len(pubkeys))
	copy(pubkeysCopy, pubkeys)

	validSignatures := 0
	for _, signature := range witness.Signatures {
		sig, err := ParseSignature(signature)
		if err != nil {
			continue
		}

		for i, pubkey := range pubkeysCopy {
			if sig.Verify(hash, pubkey) {
				validSignatures++
				if len(pubkeysCopy) > 1 {
					pubkeysCopy = slices.Delete(pubkeysCopy, i, i+1)
				}
				break
			}
		}
	}

	return validSignatures >= Nsigs
}

func ParsePublicKey(key string) (*btcec.PublicKey, error) {
	hexPubkey, err := hex.DecodeString(key)
	if err != nil {
		errmsg := fmt.Sprintf("invalid public key: %v", err)
		return nil, cashu.BuildCashuError(errmsg, NUT11ErrCode)
	}
	pubkey, err := btcec.ParsePubKey(hexPubkey)
	if err != nil {
		errmsg := fmt.Sprintf("invalid public key: %v", err)
		return nil, cashu.BuildCashuError(errmsg, NUT11ErrCode)
	}
	return pubkey, nil
}

func ParseSignature(signature string) (*schnorr.Signature, error) {
	hexSig, err := hex.DecodeString(signature)
	if err != nil {
		errmsg := fmt.Sprintf("invalid signature: %v", err)
		return nil, cashu.BuildCashuError(errmsg, NUT11ErrCode)
	}
	sig, err := schnorr.ParseSignature(hexSig)
	if err != nil {
		errmsg := fmt.Sprintf("invalid signature: %v", err)
		return nil, cashu.BuildCashuError(errmsg, NUT11ErrCode)
	}

	return sig, nil
}
