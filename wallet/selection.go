package wallet

import (
	"math/rand"
	"slices"
	"time"

	"github.com/cashukit/cashew/cashu"
)

const (
	// search budget for proof selection
	selectionTrials     = 60
	selectionWallClock  = time.Second
	maxImprovementSteps = 200
)

// candidate is a proof with its fee-adjusted value in per-mille units
// so that fee rates (parts per thousand) stay in integer arithmetic.
type candidate struct {
	proof cashu.Proof
	net   int64
}

// selectProofsToSend picks a subset of proofs whose fee-adjusted
// value meets the target, searching with randomized greedy trials
// followed by bounded pairwise swaps and a shrink pass. When
// exactMatch is set only a zero-overage solution is acceptable and
// not finding one within the budget is ErrSelectionTimeout. Otherwise
// the minimum-overage solution found is returned, ties broken by
// fewer proofs then lower fee.
func selectProofsToSend(
	proofs cashu.Proofs,
	targetAmount uint64,
	feePpk func(keysetId string) uint,
	includeFees bool,
	exactMatch bool,
) (cashu.Proofs, error) {
	target := int64(targetAmount) * 1000

	candidates := make([]candidate, 0, len(proofs))
	var total int64
	for _, proof := range proofs {
		net := int64(proof.Amount) * 1000
		if includeFees {
			net -= int64(feePpk(proof.Id))
			// uneconomical to spend
			if net <= 0 {
				continue
			}
		}
		candidates = append(candidates, candidate{proof: proof, net: net})
		total += net
	}

	if total < target {
		return nil, ErrInsufficientFunds
	}

	var best []candidate
	bestOverage := int64(-1)

	deadline := time.Now().Add(selectionWallClock)
	for trial := 0; trial < selectionTrials && time.Now().Before(deadline); trial++ {
		selected := greedyRandomSubset(candidates, target)
		selected = improveSelection(selected, candidates, target)
		selected = shrinkSelection(selected, target)

		overage := sum(selected) - target
		if betterSelection(selected, overage, best, bestOverage) {
			best = selected
			bestOverage = overage
		}
		if bestOverage == 0 {
			break
		}
	}

	if exactMatch && bestOverage != 0 {
		return nil, ErrSelectionTimeout
	}

	send := make(cashu.Proofs, len(best))
	for i, c := range best {
		send[i] = c.proof
	}
	return send, nil
}

// greedyRandomSubset adds candidates in random order until the net
// sum first reaches the target.
func greedyRandomSubset(candidates []candidate, target int64) []candidate {
	order := rand.Perm(len(candidates))

	selected := make([]candidate, 0)
	var current int64
	for _, idx := range order {
		selected = append(selected, candidates[idx])
		current += candidates[idx].net
		if current >= target {
			break
		}
	}
	return selected
}

// improveSelection does bounded pairwise swaps between selected and
// unselected candidates, taking any swap that lowers the overage
// without going under the target.
func improveSelection(selected, candidates []candidate, target int64) []candidate {
	inSelection := make(map[string]bool, len(selected))
	for _, c := range selected {
		inSelection[c.proof.Secret] = true
	}

	current := sum(selected)
	steps := 0
	improved := true
	for improved && steps < maxImprovementSteps {
		improved = false
		for i := range selected {
			for _, outside := range candidates {
				if inSelection[outside.proof.Secret] {
					continue
				}
				steps++
				swapped := current - selected[i].net + outside.net
				if swapped >= target && swapped < current {
					inSelection[selected[i].proof.Secret] = false
					inSelection[outside.proof.Secret] = true
					current = swapped
					selected[i] = outside
					improved = true
				}
				if steps >= maxImprovementSteps {
					return selected
				}
			}
		}
	}
	return selected
}

// shrinkSelection drops members made redundant by earlier swaps,
// largest first so small proofs fill the gap to the target.
func shrinkSelection(selected []candidate, target int64) []candidate {
	slices.SortFunc(selected, func(a, b candidate) int {
		if a.net > b.net {
			return -1
		} else if a.net < b.net {
			return 1
		}
		return 0
	})

	current := sum(selected)
	kept := make([]candidate, 0, len(selected))
	for i, c := range selected {
		if current-c.net >= target {
			current -= c.net
			continue
		}
		kept = append(kept, selected[i])
	}
	return kept
}

func betterSelection(selected []candidate, overage int64, best []candidate, bestOverage int64) bool {
	if bestOverage < 0 {
		return true
	}
	if overage != bestOverage {
		return overage < bestOverage
	}
	if len(selected) != len(best) {
		return len(selected) < len(best)
	}
	// equal net overage, prefer lower gross amount (lower fee)
	return grossSum(selected) < grossSum(best)
}

func grossSum(candidates []candidate) uint64 {
	var total uint64
	for _, c := range candidates {
		total += c.proof.Amount
	}
	return total
}

func sum(candidates []candidate) int64 {
	var total int64
	for _, c := range candidates {
		total += c.net
	}
	return total
}
