package wallet

import (
	"reflect"
	"testing"

	"github.com/cashukit/cashew/cashu"
	"github.com/cashukit/cashew/crypto"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func powerOfTwoDenominations(max uint64) []uint64 {
	denominations := make([]uint64, 0)
	for amount := uint64(1); amount <= max; amount *= 2 {
		denominations = append(denominations, amount)
	}
	return denominations
}

func testKeyset(inputFeePpk uint) *crypto.WalletKeyset {
	key, _ := secp256k1.GeneratePrivateKey()
	publicKeys := make(map[uint64]*secp256k1.PublicKey)
	for _, amount := range powerOfTwoDenominations(2048) {
		publicKeys[amount] = key.PubKey()
	}
	return &crypto.WalletKeyset{
		Id:          "009a1f293253e41e",
		Unit:        cashu.Sat.String(),
		Active:      true,
		PublicKeys:  publicKeys,
		InputFeePpk: inputFeePpk,
	}
}

func TestSplitAmount(t *testing.T) {
	denominations := powerOfTwoDenominations(2048)

	tests := []struct {
		amount   uint64
		expected []uint64
	}{
		{2561, []uint64{2048, 512, 1}},
		{13, []uint64{8, 4, 1}},
		{2048, []uint64{2048}},
		{0, []uint64{}},
		{5000, []uint64{2048, 2048, 512, 256, 128, 8}},
	}

	for _, test := range tests {
		split := SplitAmount(test.amount, denominations)
		if !reflect.DeepEqual(split, test.expected) {
			t.Errorf("split of %v: expected %v but got %v", test.amount, test.expected, split)
		}
	}
}

func TestSplitAmountArbitraryDenominations(t *testing.T) {
	denominations := []uint64{1, 5, 10, 25}

	split := SplitAmount(41, denominations)
	expected := []uint64{25, 10, 5, 1}
	if !reflect.DeepEqual(split, expected) {
		t.Errorf("expected %v but got %v", expected, split)
	}
}

func TestKeepAmounts(t *testing.T) {
	proofs := cashu.Proofs{
		{Amount: 1},
		{Amount: 2},
		{Amount: 4},
		{Amount: 4},
		{Amount: 4},
		{Amount: 8},
	}

	amounts := keepAmounts(proofs, 22, 3, powerOfTwoDenominations(2048))
	expected := []uint64{1, 1, 2, 2, 8, 8}
	if !reflect.DeepEqual(amounts, expected) {
		t.Errorf("expected keep amounts %v but got %v", expected, amounts)
	}

	var sum uint64
	for _, amount := range amounts {
		sum += amount
	}
	if sum != 22 {
		t.Errorf("keep amounts sum to %v but expected 22", sum)
	}
}

func TestValidateExplicitSplit(t *testing.T) {
	keyset := testKeyset(0)

	if err := validateExplicitSplit(21, []uint64{16, 4, 1}, keyset); err != nil {
		t.Errorf("expected valid split but got error: %v", err)
	}

	if err := validateExplicitSplit(21, []uint64{16, 4}, keyset); err == nil {
		t.Error("expected error for split that does not sum to amount")
	}

	if err := validateExplicitSplit(21, []uint64{16, 4, 1, 0}, keyset); err == nil {
		t.Error("expected error for denomination not in keyset")
	}
}

func TestSplitAmountIncludingFees(t *testing.T) {
	// 300 ppk: each output costs the receiver 0.3 sat to spend
	keyset := testKeyset(300)

	split := splitAmountIncludingFees(900, keyset)
	var total uint64
	for _, amount := range split {
		total += amount
	}

	fee := feesForCount(len(split), keyset)
	if total != 900+fee {
		t.Errorf("split sums to %v but expected amount plus fee %v", total, 900+fee)
	}

	// with no fees the split is just the plain decomposition
	noFeeKeyset := testKeyset(0)
	split = splitAmountIncludingFees(900, noFeeKeyset)
	expected := SplitAmount(900, noFeeKeyset.Amounts())
	if !reflect.DeepEqual(split, expected) {
		t.Errorf("expected %v but got %v", expected, split)
	}
}

func TestFeesForCount(t *testing.T) {
	tests := []struct {
		count       int
		inputFeePpk uint
		expected    uint64
	}{
		{3, 100, 1},
		{10, 100, 1},
		{11, 100, 2},
		{5, 0, 0},
		{1, 1000, 1},
	}

	for _, test := range tests {
		keyset := testKeyset(test.inputFeePpk)
		fee := feesForCount(test.count, keyset)
		if fee != test.expected {
			t.Errorf("fee for %d proofs at %d ppk: expected %v but got %v",
				test.count, test.inputFeePpk, test.expected, fee)
		}
	}
}
