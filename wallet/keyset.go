package wallet

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/cashukit/cashew/crypto"
)

// getActiveKeyset returns the cached active keyset for the wallet's
// unit. The cache is filled at load time and replaced only by
// explicit refresh calls, so concurrent readers always observe a
// complete keyset.
func (w *Wallet) getActiveKeyset(ctx context.Context) (*crypto.WalletKeyset, error) {
	w.mu.RLock()
	active := w.activeKeyset
	w.mu.RUnlock()

	if active != nil {
		return active, nil
	}
	return w.RefreshKeysets(ctx)
}

// RefreshKeysets asks the mint for its current keysets and rotates
// the cached active keyset if the mint activated a new one. The
// previously active keyset is kept as inactive so its proofs can
// still be spent.
func (w *Wallet) RefreshKeysets(ctx context.Context) (*crypto.WalletKeyset, error) {
	keysetsResponse, err := w.client.GetKeysets(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint: %v", err)
	}

	for _, keyset := range keysetsResponse.Keysets {
		if !keyset.Active || keyset.Unit != w.unit.String() {
			continue
		}
		// ignore keysets with non-hex ids
		if _, err := hex.DecodeString(keyset.Id); err != nil {
			continue
		}

		w.mu.RLock()
		current := w.activeKeyset
		w.mu.RUnlock()
		if current != nil && current.Id == keyset.Id {
			return current, nil
		}

		active, err := w.fetchKeyset(ctx, keyset.Id, true, keyset.InputFeePpk)
		if err != nil {
			return nil, err
		}

		// the demoted keyset is a copy so holders of the old active
		// pointer never observe the flip
		var demoted *crypto.WalletKeyset
		if current != nil {
			inactive := *current
			inactive.Active = false
			if err := w.db.SaveKeyset(&inactive); err != nil {
				return nil, fmt.Errorf("error saving keyset: %v", err)
			}
			demoted = &inactive
		}

		w.mu.Lock()
		if demoted != nil {
			w.inactiveKeysets[demoted.Id] = demoted
		}
		delete(w.inactiveKeysets, active.Id)
		w.activeKeyset = active
		w.mu.Unlock()

		return active, nil
	}

	return nil, fmt.Errorf("%w: no active keyset for unit '%v'", ErrKeysetNotFound, w.unit)
}

// fetchKeyset gets a keyset's keys from the mint and checks it is
// self-certifying: the id derived from the keys must match the id the
// mint advertises.
func (w *Wallet) fetchKeyset(ctx context.Context, id string, active bool, inputFeePpk uint) (
	*crypto.WalletKeyset, error) {
	keysResponse, err := w.client.GetKeysetById(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("error getting keyset '%v' from mint: %v", id, err)
	}
	if len(keysResponse.Keysets) == 0 {
		return nil, fmt.Errorf("%w: mint returned no keys for keyset '%v'", ErrKeysetNotFound, id)
	}

	keys, err := crypto.MapPubKeys(keysResponse.Keysets[0].Keys)
	if err != nil {
		return nil, err
	}

	if derived := crypto.DeriveKeysetId(keys); derived != id {
		return nil, fmt.Errorf("%w: derived '%v' but mint advertises '%v'",
			ErrInvalidKeysetId, derived, id)
	}

	keyset := &crypto.WalletKeyset{
		Id:          id,
		MintURL:     w.mintURL,
		Unit:        keysResponse.Keysets[0].Unit,
		Active:      active,
		PublicKeys:  keys,
		InputFeePpk: inputFeePpk,
	}
	if err := w.db.SaveKeyset(keyset); err != nil {
		return nil, fmt.Errorf("error saving keyset: %v", err)
	}

	return keyset, nil
}

// getWalletKeyset looks a keyset up in the cache and then the db. It
// does not reach the mint.
func (w *Wallet) getWalletKeyset(id string) (*crypto.WalletKeyset, error) {
	w.mu.RLock()
	if w.activeKeyset != nil && w.activeKeyset.Id == id {
		keyset := w.activeKeyset
		w.mu.RUnlock()
		return keyset, nil
	}
	if keyset, ok := w.inactiveKeysets[id]; ok {
		w.mu.RUnlock()
		return keyset, nil
	}
	w.mu.RUnlock()

	if keyset := w.db.GetKeyset(id); keyset != nil {
		w.mu.Lock()
		w.inactiveKeysets[id] = keyset
		w.mu.Unlock()
		return keyset, nil
	}

	return nil, fmt.Errorf("%w: '%v'", ErrKeysetNotFound, id)
}

// keysetById returns the keyset from the cache or fetches it from the
// mint, for proofs issued under keysets the wallet has not seen.
func (w *Wallet) keysetById(ctx context.Context, id string) (*crypto.WalletKeyset, error) {
	if keyset, err := w.getWalletKeyset(id); err == nil {
		return keyset, nil
	}

	keysetsResponse, err := w.client.GetKeysets(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint: %v", err)
	}

	for _, keyset := range keysetsResponse.Keysets {
		if keyset.Id != id {
			continue
		}
		fetched, err := w.fetchKeyset(ctx, id, keyset.Active, keyset.InputFeePpk)
		if err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.inactiveKeysets[id] = fetched
		w.mu.Unlock()
		return fetched, nil
	}

	return nil, fmt.Errorf("%w: '%v'", ErrKeysetNotFound, id)
}

// loadKeysets fills the cache from the db and resolves the active
// keyset from the mint.
func (w *Wallet) loadKeysets(ctx context.Context) error {
	for _, mintKeysets := range w.db.GetKeysets() {
		for id, keyset := range mintKeysets {
			ks := keyset
			w.inactiveKeysets[id] = &ks
		}
	}

	if _, err := w.RefreshKeysets(ctx); err != nil {
		return err
	}
	return nil
}
