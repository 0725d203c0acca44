// Package crypto implements the Blind Diffie-Hellman Key Exchange
// on which Cashu is built. See
// https://github.com/cashubtc/nuts/blob/main/00.md
package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const DomainSeparator = "Secp256k1_HashToCurve_Cashu_"

// number of trials before giving up on finding a valid point.
// 2^16 failures would mean sha256 is broken
const maxHashToCurveTrials = 1 << 16

var ErrNoValidPoint = errors.New("no valid point found for message")

// HashToCurve maps a message to a point on the curve by hashing the
// domain-separated message with an incrementing 32-bit counter until
// the result is the x coordinate of a valid compressed point.
// Deterministic and bit-for-bit compatible across implementations.
func HashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	msgToHash := sha256.Sum256(append([]byte(DomainSeparator), message...))

	counter := make([]byte, 4)
	for i := uint32(0); i < maxHashToCurveTrials; i++ {
		binary.LittleEndian.PutUint32(counter, i)
		hash := sha256.Sum256(append(msgToHash[:], counter...))

		point, err := secp256k1.ParsePubKey(append([]byte{0x02}, hash[:]...))
		if err == nil && point.IsOnCurve() {
			return point, nil
		}
	}
	return nil, ErrNoValidPoint
}

// BlindMessage computes B_ = Y + rG where Y = HashToCurve(secret).
// If r is nil, a fresh random blinding factor is drawn.
func BlindMessage(secret string, r *secp256k1.PrivateKey) (*secp256k1.PublicKey, *secp256k1.PrivateKey, error) {
	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return nil, nil, err
	}

	if r == nil {
		r, err = secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, err
		}
	}

	var ypoint, rpoint, blindedMessage secp256k1.JacobianPoint
	Y.AsJacobian(&ypoint)
	r.PubKey().AsJacobian(&rpoint)

	secp256k1.AddNonConst(&ypoint, &rpoint, &blindedMessage)
	blindedMessage.ToAffine()
	B_ := secp256k1.NewPublicKey(&blindedMessage.X, &blindedMessage.Y)

	return B_, r, nil
}

// SignBlindedMessage computes C_ = kB_. This is the mint's half of the
// exchange, kept here so the scheme round-trips in tests.
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()

	return secp256k1.NewPublicKey(&result.X, &result.Y)
}

// UnblindSignature computes C = C_ - rK.
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey,
	K *secp256k1.PublicKey) *secp256k1.PublicKey {

	var Kpoint, rKPoint, CPoint secp256k1.JacobianPoint
	K.AsJacobian(&Kpoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)

	secp256k1.ScalarMultNonConst(&rNeg, &Kpoint, &rKPoint)

	var C_Point secp256k1.JacobianPoint
	C_.AsJacobian(&C_Point)
	secp256k1.AddNonConst(&C_Point, &rKPoint, &CPoint)
	CPoint.ToAffine()

	return secp256k1.NewPublicKey(&CPoint.X, &CPoint.Y)
}

// Verify checks k * HashToCurve(secret) == C.
func Verify(secret string, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return false
	}

	var Ypoint, result secp256k1.JacobianPoint
	Y.AsJacobian(&Ypoint)

	secp256k1.ScalarMultNonConst(&k.Key, &Ypoint, &result)
	result.ToAffine()
	pk := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C.IsEqual(pk)
}

// HashE computes the Fiat-Shamir challenge for a DLEQ proof: the sha256
// of the concatenated lowercase-hex uncompressed serializations of the
// points, hashed as a UTF-8 string.
func HashE(publicKeys ...*secp256k1.PublicKey) [32]byte {
	var hexStr string
	for _, pk := range publicKeys {
		hexStr += hex.EncodeToString(pk.SerializeUncompressed())
	}
	return sha256.Sum256([]byte(hexStr))
}

// GenerateDLEQ proves that the same private key k produced both the
// public key A = kG and the blind signature C_ = kB_, without revealing k.
// See https://github.com/cashubtc/nuts/blob/main/12.md
func GenerateDLEQ(k *secp256k1.PrivateKey, B_, C_ *secp256k1.PublicKey) (
	e *secp256k1.PrivateKey, s *secp256k1.PrivateKey, err error) {

	nonce, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}

	// R1 = nonce*G, R2 = nonce*B_
	R1 := nonce.PubKey()

	var bpoint, r2point secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)
	secp256k1.ScalarMultNonConst(&nonce.Key, &bpoint, &r2point)
	r2point.ToAffine()
	R2 := secp256k1.NewPublicKey(&r2point.X, &r2point.Y)

	eHash := HashE(R1, R2, k.PubKey(), C_)

	var eScalar secp256k1.ModNScalar
	eScalar.SetBytes(&eHash)

	// s = nonce + e*k
	var sScalar secp256k1.ModNScalar
	sScalar.Mul2(&eScalar, &k.Key).Add(&nonce.Key)

	e = secp256k1.NewPrivateKey(&eScalar)
	s = secp256k1.NewPrivateKey(&sScalar)
	return e, s, nil
}

// VerifyDLEQ checks that (e, s) proves A and C_ share the same private
// key: R1 = sG - eA and R2 = sB_ - eC_ must hash back to e.
func VerifyDLEQ(e, s *secp256k1.PrivateKey, A, B_, C_ *secp256k1.PublicKey) bool {
	R1 := subScaled(s.PubKey(), A, &e.Key)

	var bpoint, sBPoint secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)
	secp256k1.ScalarMultNonConst(&s.Key, &bpoint, &sBPoint)
	sBPoint.ToAffine()
	sB_ := secp256k1.NewPublicKey(&sBPoint.X, &sBPoint.Y)
	R2 := subScaled(sB_, C_, &e.Key)

	eHash := HashE(R1, R2, A, C_)
	var expected secp256k1.ModNScalar
	expected.SetBytes(&eHash)

	return expected.Equals(&e.Key)
}

// subScaled computes P - scalar*Q.
func subScaled(P, Q *secp256k1.PublicKey, scalar *secp256k1.ModNScalar) *secp256k1.PublicKey {
	var neg secp256k1.ModNScalar
	neg.NegateVal(scalar)

	var qpoint, scaled, result secp256k1.JacobianPoint
	Q.AsJacobian(&qpoint)
	secp256k1.ScalarMultNonConst(&neg, &qpoint, &scaled)

	var ppoint secp256k1.JacobianPoint
	P.AsJacobian(&ppoint)
	secp256k1.AddNonConst(&ppoint, &scaled, &result)
	result.ToAffine()

	return secp256k1.NewPublicKey(&result.X, &result.Y)
}

// ParseKey parses a hex-encoded compressed public key.
func ParseKey(keyhex string) (*btcec.PublicKey, error) {
	keyBytes, err := hex.DecodeString(keyhex)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(keyBytes)
}
