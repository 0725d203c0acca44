// Package nut12 implements wallet-side verification of DLEQ proofs
// as defined in [NUT-12]. Two verification paths exist and are kept
// separate: verifying a blind signature straight off the wire (the
// wallet still holds B_) and re-verifying a proof later, which needs
// the blinding factor r to reconstruct B_ and C_ from the secret.
//
// [NUT-12]: https://github.com/cashubtc/nuts/blob/main/12.md
package nut12

import (
	"encoding/hex"

	"github.com/cashukit/cashew/cashu"
	"github.com/cashukit/cashew/crypto"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// VerifyProofsDLEQ will verify the DLEQ proofs if present. If the DLEQ proofs are not present
// it will continue and return true
func VerifyProofsDLEQ(proofs cashu.Proofs, keyset crypto.WalletKeyset) bool {
	for _, proof := range proofs {
		if proof.DLEQ == nil {
			continue
		}

		pubkey, ok := keyset.PublicKeys[proof.Amount]
		if !ok {
			return false
		}

		if !VerifyProofDLEQ(proof, pubkey) {
			return false
		}
	}
	return true
}

// VerifyProofDLEQ verifies the DLEQ on an unblinded proof by
// reconstructing the blinded pair from the secret and the blinding
// factor carried in the proof: B_ = HashToCurve(secret) + r*G and
// C_ = C + r*A.
func VerifyProofDLEQ(proof cashu.Proof, A *secp256k1.PublicKey) bool {
	e, s, r, err := ParseDLEQ(*proof.DLEQ)
	if err != nil || r == nil {
		return false
	}

	B_, _, err := crypto.BlindMessage(proof.Secret, r)
	if err != nil {
		return false
	}

	CBytes, err := hex.DecodeString(proof.C)
	if err != nil {
		return false
	}
	C, err := secp256k1.ParsePubKey(CBytes)
	if err != nil {
		return false
	}

	// C_ = C + r*A
	var CPoint, APoint, rAPoint, C_Point secp256k1.JacobianPoint
	C.AsJacobian(&CPoint)
	A.AsJacobian(&APoint)
	secp256k1.ScalarMultNonConst(&r.Key, &APoint, &rAPoint)
	rAPoint.ToAffine()
	secp256k1.AddNonConst(&CPoint, &rAPoint, &C_Point)
	C_Point.ToAffine()
	C_ := secp256k1.NewPublicKey(&C_Point.X, &C_Point.Y)

	return crypto.VerifyDLEQ(e, s, A, B_, C_)
}

// VerifyBlindSignatureDLEQ verifies the DLEQ on a blind signature as
// it came back from the mint, before unblinding.
func VerifyBlindSignatureDLEQ(
	dleq cashu.DLEQProof,
	A *secp256k1.PublicKey,
	B_str string,
	C_str string,
) bool {
	e, s, _, err := ParseDLEQ(dleq)
	if err != nil {
		return false
	}

	B_bytes, err := hex.DecodeString(B_str)
	if err != nil {
		return false
	}
	B_, err := secp256k1.ParsePubKey(B_bytes)
	if err != nil {
		return false
	}

	C_bytes, err := hex.DecodeString(C_str)
	if err != nil {
		return false
	}
	C_, err := secp256k1.ParsePubKey(C_bytes)
	if err != nil {
		return false
	}

	return crypto.VerifyDLEQ(e, s, A, B_, C_)
}

func ParseDLEQ(dleq cashu.DLEQProof) (
	*secp256k1.PrivateKey,
	*secp256k1.PrivateKey,
	*secp256k1.PrivateKey,
	error,
) {
	ebytes, err := hex.DecodeString(dleq.E)
	if err != nil {
		return nil, nil, nil, err
	}
	e := secp256k1.PrivKeyFromBytes(ebytes)

	sbytes, err := hex.DecodeString(dleq.S)
	if err != nil {
		return nil, nil, nil, err
	}
	s := secp256k1.PrivKeyFromBytes(sbytes)

	if dleq.R == "" {
		return e, s, nil, nil
	}

	rbytes, err := hex.DecodeString(dleq.R)
	if err != nil {
		return nil, nil, nil, err
	}
	r := secp256k1.PrivKeyFromBytes(rbytes)

	return e, s, r, nil
}
