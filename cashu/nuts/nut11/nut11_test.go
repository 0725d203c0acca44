package nut11

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/cashukit/cashew/cashu"
	"github.com/cashukit/cashew/cashu/nuts/nut10"
)

func TestParseP2PKTags(t *testing.T) {
	key1 := "033281c37677ea273eb7183b783067f5244933ef78d8c3f15b1a77cb246099c26e"
	key2 := "02698c4e2b5f9534cd0687d87513c759790cf829aa5739184a3e3735471fbda904"

	tags := [][]string{
		{SIGFLAG, SIGALL},
		{NSIGS, "2"},
		{PUBKEYS, key1, key2},
		{LOCKTIME, "1689418329"},
		{REFUND, key1},
	}

	parsed, err := ParseP2PKTags(tags)
	if err != nil {
		t.Fatalf("ParseP2PKTags: %v", err)
	}

	if parsed.Sigflag != SIGALL {
		t.Errorf("expected '%v' but got '%v' instead", SIGALL, parsed.Sigflag)
	}
	if parsed.NSigs != 2 {
		t.Errorf("expected 2 n_sigs but got '%v' instead", parsed.NSigs)
	}
	if len(parsed.Pubkeys) != 2 {
		t.Errorf("expected 2 pubkeys but got '%v' instead", len(parsed.Pubkeys))
	}
	if parsed.Locktime != 1689418329 {
		t.Errorf("expected locktime 1689418329 but got '%v' instead", parsed.Locktime)
	}
	if len(parsed.Refund) != 1 {
		t.Errorf("expected 1 refund key but got '%v' instead", len(parsed.Refund))
	}
}

func TestParseP2PKTagsInvalid(t *testing.T) {
	tests := [][][]string{
		{{SIGFLAG, "SIG_NONE"}},
		{{NSIGS, "not a number"}},
		{{PUBKEYS, "deadbeef"}},
		{{LOCKTIME}},
	}

	for _, tags := range tests {
		if _, err := ParseP2PKTags(tags); err == nil {
			t.Errorf("expected error for tags '%v' but got nil", tags)
		}
	}
}

func TestSigAll(t *testing.T) {
	secretData := nut10.WellKnownSecret{
		Nonce: "nonce",
		Data:  "033281c37677ea273eb7183b783067f5244933ef78d8c3f15b1a77cb246099c26e",
		Tags:  [][]string{{SIGFLAG, SIGALL}},
	}
	if !IsSigAll(secretData) {
		t.Error("expected SIG_ALL")
	}

	secretData.Tags = [][]string{{SIGFLAG, SIGINPUTS}}
	if IsSigAll(secretData) {
		t.Error("expected no SIG_ALL for SIG_INPUTS flag")
	}

	serialized, err := nut10.SerializeSecret(nut10.P2PK, nut10.WellKnownSecret{
		Nonce: "nonce",
		Data:  "033281c37677ea273eb7183b783067f5244933ef78d8c3f15b1a77cb246099c26e",
		Tags:  [][]string{{SIGFLAG, SIGALL}},
	})
	if err != nil {
		t.Fatal(err)
	}
	proofs := cashu.Proofs{{Amount: 1, Secret: serialized}}
	if !ProofsSigAll(proofs) {
		t.Error("expected ProofsSigAll to be true")
	}
}

func TestAddSignatureToInputs(t *testing.T) {
	signingKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	secret, err := P2PKSecret(hex.EncodeToString(signingKey.PubKey().SerializeCompressed()))
	if err != nil {
		t.Fatal(err)
	}

	proofs := cashu.Proofs{
		{Amount: 2, Id: "009a1f293253e41e", Secret: secret, C: "c1"},
		{Amount: 8, Id: "009a1f293253e41e", Secret: secret, C: "c2"},
	}

	signed, err := AddSignatureToInputs(proofs, signingKey)
	if err != nil {
		t.Fatalf("AddSignatureToInputs: %v", err)
	}

	for _, proof := range signed {
		var witness P2PKWitness
		if err := json.Unmarshal([]byte(proof.Witness), &witness); err != nil {
			t.Fatalf("invalid witness: %v", err)
		}
		if len(witness.Signatures) != 1 {
			t.Fatalf("expected 1 signature but got %v", len(witness.Signatures))
		}

		sig, err := ParseSignature(witness.Signatures[0])
		if err != nil {
			t.Fatalf("invalid signature: %v", err)
		}
		hash := sha256.Sum256([]byte(proof.Secret))
		if !sig.Verify(hash[:], signingKey.PubKey()) {
			t.Error("signature did not verify against signing key")
		}
	}
}

func TestHasValidSignatures(t *testing.T) {
	key1, _ := btcec.NewPrivateKey()
	key2, _ := btcec.NewPrivateKey()

	msg := []byte("message to sign over")
	hash := sha256.Sum256(msg)

	sig1, _ := schnorr.Sign(key1, hash[:])
	sig2, _ := schnorr.Sign(key2, hash[:])

	witness := P2PKWitness{
		Signatures: []string{
			hex.EncodeToString(sig1.Serialize()),
			hex.EncodeToString(sig2.Serialize()),
		},
	}
	pubkeys := []*btcec.PublicKey{key1.PubKey(), key2.PubKey()}

	if !HasValidSignatures(hash[:], witness, 2, pubkeys) {
		t.Error("expected valid multisig witness")
	}

	// same signature twice should not count for two keys
	witness.Signatures[1] = witness.Signatures[0]
	if HasValidSignatures(hash[:], witness, 2, pubkeys) {
		t.Error("expected duplicate signature to fail n_sigs check")
	}
}
