package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestHashToCurve(t *testing.T) {
	tests := []struct {
		message  string
		expected string
	}{
		{message: "0000000000000000000000000000000000000000000000000000000000000000",
			expected: "024cce997d3b518f739663b757deaec95bcd9473c30a14ac2fd04023a739d1a725"},
		{message: "0000000000000000000000000000000000000000000000000000000000000001",
			expected: "022e7158e11c9506f1aa4248bf531298daa7febd6194f003edcd9b93ade6253acf"},
		// this message requires multiple iterations before a valid point is found
		{message: "0000000000000000000000000000000000000000000000000000000000000002",
			expected: "026cdbe15362df59cd1dd3c9c11de8aedac2106eca69236ecd9fbe117af897be4f"},
	}

	for _, test := range tests {
		msgBytes, err := hex.DecodeString(test.message)
		if err != nil {
			t.Errorf("error decoding msg: %v", err)
		}

		pk, err := HashToCurve(msgBytes)
		if err != nil {
			t.Fatalf("HashToCurve: %v", err)
		}
		hexStr := hex.EncodeToString(pk.SerializeCompressed())
		if hexStr != test.expected {
			t.Errorf("expected '%v' but got '%v' instead\n", test.expected, hexStr)
		}
	}
}

func TestBlindMessage(t *testing.T) {
	tests := []struct {
		secret         string
		blindingFactor string
		expected       string
	}{
		{secret: "d341ee4871f1f889041e63cf0d3823c713eea6aff01e80f1719f08f9e5be98f6",
			blindingFactor: "99fce58439fc37412ab3468b73db0569322588f62fb3a49182d67e23d877824a",
			expected:       "033b1a9737a40cc3fd9b6af4b723632b7a67a8716ddb22dec9778a0d5f5194a43e",
		},
		{secret: "f1aaf16c2239746f369572c0784d9dd3d032d952c2d992175873fb58fae31a60",
			blindingFactor: "f78476ea7cc9ade20f9e05e58a804cf19533f03ea805ece5fee88c8e2874ba50",
			expected:       "029bdf2d716ee366eddf599ba252786c1033f47e230248a4612a5670ab931f1763",
		},
	}

	for _, test := range tests {
		rbytes, err := hex.DecodeString(test.blindingFactor)
		if err != nil {
			t.Errorf("error decoding blinding factor: %v", err)
		}
		r := secp256k1.PrivKeyFromBytes(rbytes)

		B_, _, err := BlindMessage(test.secret, r)
		if err != nil {
			t.Fatalf("BlindMessage: %v", err)
		}
		B_Hex := hex.EncodeToString(B_.SerializeCompressed())
		if B_Hex != test.expected {
			t.Errorf("expected '%v' but got '%v' instead\n", test.expected, B_Hex)
		}
	}
}

func TestBlindSignRoundTrip(t *testing.T) {
	secret := "test_message"
	rbytes, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000002")
	r := secp256k1.PrivKeyFromBytes(rbytes)

	B_, r, err := BlindMessage(secret, r)
	if err != nil {
		t.Fatal(err)
	}

	kbytes, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000001")
	k := secp256k1.PrivKeyFromBytes(kbytes)

	C_ := SignBlindedMessage(B_, k)
	C := UnblindSignature(C_, r, k.PubKey())

	if !Verify(secret, k, C) {
		t.Error("failed verification")
	}

	if Verify("another_message", k, C) {
		t.Error("verification passed for wrong secret")
	}
}

func TestDLEQ(t *testing.T) {
	k, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	B_, _, err := BlindMessage("some_deterministic_secret", nil)
	if err != nil {
		t.Fatal(err)
	}
	C_ := SignBlindedMessage(B_, k)

	e, s, err := GenerateDLEQ(k, B_, C_)
	if err != nil {
		t.Fatalf("GenerateDLEQ: %v", err)
	}

	if !VerifyDLEQ(e, s, k.PubKey(), B_, C_) {
		t.Error("valid DLEQ proof failed verification")
	}

	// flipping any bit of the challenge or response must invalidate the proof
	flip := func(key *secp256k1.PrivateKey) *secp256k1.PrivateKey {
		serialized := key.Serialize()
		serialized[0] ^= 0x01
		return secp256k1.PrivKeyFromBytes(serialized)
	}

	if VerifyDLEQ(flip(e), s, k.PubKey(), B_, C_) {
		t.Error("DLEQ proof with flipped challenge passed verification")
	}
	if VerifyDLEQ(e, flip(s), k.PubKey(), B_, C_) {
		t.Error("DLEQ proof with flipped response passed verification")
	}

	// a proof from a different key must not verify against this one
	otherKey, _ := secp256k1.GeneratePrivateKey()
	if VerifyDLEQ(e, s, otherKey.PubKey(), B_, C_) {
		t.Error("DLEQ proof passed verification against wrong public key")
	}
}
