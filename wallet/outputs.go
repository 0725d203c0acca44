package wallet

import (
	"fmt"
	"slices"
	"sort"

	"github.com/cashukit/cashew/cashu"
	"github.com/cashukit/cashew/crypto"
)

// SplitAmount decomposes amount into the keyset's denominations,
// greedy largest first. Denominations are usually powers of two but
// any set works as long as it can represent the amount.
func SplitAmount(amount uint64, denominations []uint64) []uint64 {
	descending := make([]uint64, len(denominations))
	copy(descending, denominations)
	sort.Slice(descending, func(i, j int) bool { return descending[i] > descending[j] })

	split := make([]uint64, 0)
	remaining := amount
	for _, denom := range descending {
		for remaining >= denom {
			split = append(split, denom)
			remaining -= denom
		}
	}

	if remaining != 0 {
		// denominations cannot represent the amount. Does not happen
		// with power-of-two keysets since they include 1.
		return nil
	}
	return split
}

// validateExplicitSplit checks a caller-supplied denomination list
// against the amount it must sum to and the keyset's denominations.
func validateExplicitSplit(amount uint64, split []uint64, keyset *crypto.WalletKeyset) error {
	var sum uint64
	for _, amt := range split {
		if _, ok := keyset.PublicKeys[amt]; !ok {
			return fmt.Errorf("%v is not a denomination of keyset '%v'", amt, keyset.Id)
		}
		sum += amt
	}
	if sum != amount {
		return fmt.Errorf("%w: split sums to %v but amount is %v",
			ErrInvalidExplicitSplit, sum, amount)
	}
	return nil
}

// keepAmounts plans the denominations for the amount the wallet keeps
// after a swap. It first tops up each denomination the wallet holds
// fewer than targetCount of, bounded by the amount to keep, and fills
// the remainder with the default decomposition. Returned ascending.
func keepAmounts(
	currentProofs cashu.Proofs,
	amountToKeep uint64,
	targetCount int,
	denominations []uint64,
) []uint64 {
	counts := make(map[uint64]int)
	for _, proof := range currentProofs {
		counts[proof.Amount]++
	}

	ascending := make([]uint64, len(denominations))
	copy(ascending, denominations)
	slices.Sort(ascending)

	amounts := make([]uint64, 0)
	var sum uint64
	for _, denom := range ascending {
		for i := counts[denom]; i < targetCount; i++ {
			if sum+denom > amountToKeep {
				break
			}
			amounts = append(amounts, denom)
			sum += denom
		}
	}

	amounts = append(amounts, SplitAmount(amountToKeep-sum, denominations)...)
	slices.Sort(amounts)
	return amounts
}

// splitAmountIncludingFees grows the amount by the fee the receiver
// will pay to spend the resulting outputs, so that the receiver nets
// the intended amount. Adding fee outputs can itself raise the fee,
// so it iterates to a fixed point.
func splitAmountIncludingFees(amount uint64, keyset *crypto.WalletKeyset) []uint64 {
	denominations := keyset.Amounts()
	split := SplitAmount(amount, denominations)
	for {
		fee := feesForCount(len(split), keyset)
		newSplit := SplitAmount(amount+fee, denominations)
		if feesForCount(len(newSplit), keyset) <= fee {
			return newSplit
		}
		split = newSplit
	}
}

// fees returns the fee for spending the proofs, rounded up from the
// summed parts-per-thousand rates of their keysets.
func (w *Wallet) fees(proofs cashu.Proofs) uint64 {
	var totalPpk uint
	for _, proof := range proofs {
		keyset, err := w.getWalletKeyset(proof.Id)
		if err != nil {
			continue
		}
		totalPpk += keyset.InputFeePpk
	}
	return uint64((totalPpk + 999) / 1000)
}

// feesForCount is the fee for spending count proofs from one keyset.
func feesForCount(count int, keyset *crypto.WalletKeyset) uint64 {
	return uint64((uint(count)*keyset.InputFeePpk + 999) / 1000)
}
