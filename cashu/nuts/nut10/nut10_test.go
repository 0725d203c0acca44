package nut10

import (
	"testing"
)

func TestSerializeSecret(t *testing.T) {
	secretData := WellKnownSecret{
		Nonce: "da62796403af76c80cd6ce9153ed3746",
		Data:  "033281c37677ea273eb7183b783067f5244933ef78d8c3f15b1a77cb246099c26e",
		Tags: [][]string{
			{"locktime", "1689418329"},
			{"refund", "033281c37677ea273eb7183b783067f5244933ef78d8c3f15b1a77cb246099c26e"},
		},
	}

	serialized, err := SerializeSecret(P2PK, secretData)
	if err != nil {
		t.Fatalf("error serializing secret: %v", err)
	}

	expected := `["P2PK", {"nonce":"da62796403af76c80cd6ce9153ed3746","data":"033281c37677ea273eb7183b783067f5244933ef78d8c3f15b1a77cb246099c26e","tags":[["locktime","1689418329"],["refund","033281c37677ea273eb7183b783067f5244933ef78d8c3f15b1a77cb246099c26e"]]}]`
	if serialized != expected {
		t.Errorf("expected '%v' but got '%v' instead", expected, serialized)
	}

	if SecretType(serialized) != P2PK {
		t.Errorf("expected P2PK secret kind but got '%v'", SecretType(serialized))
	}

	deserialized, err := DeserializeSecret(serialized)
	if err != nil {
		t.Fatalf("error deserializing secret: %v", err)
	}
	if deserialized.Nonce != secretData.Nonce || deserialized.Data != secretData.Data {
		t.Error("deserialized secret does not match")
	}
}

func TestSecretType(t *testing.T) {
	tests := []struct {
		secret   string
		expected SecretKind
	}{
		{secret: `["P2PK", {"nonce":"nonce","data":"data"}]`, expected: P2PK},
		{secret: `["HTLC", {"nonce":"nonce","data":"data"}]`, expected: HTLC},
		{secret: "354d43bbbd78028ae9dd40d0e2ecbdc3dd3d7d4159ee5c23712b661a2b51f425", expected: AnyoneCanSpend},
		{secret: `["UNKNOWN", {"nonce":"nonce","data":"data"}]`, expected: AnyoneCanSpend},
		{secret: `["P2PK"]`, expected: AnyoneCanSpend},
	}

	for _, test := range tests {
		if kind := SecretType(test.secret); kind != test.expected {
			t.Errorf("expected '%v' but got '%v' for secret '%v'", test.expected, kind, test.secret)
		}
	}
}
