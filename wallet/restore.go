package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cashukit/cashew/cashu"
	"github.com/cashukit/cashew/cashu/nuts/nut07"
	"github.com/cashukit/cashew/cashu/nuts/nut09"
	"github.com/cashukit/cashew/cashu/nuts/nut13"
	"github.com/cashukit/cashew/crypto"
	"github.com/cashukit/cashew/wallet/client"
	"github.com/cashukit/cashew/wallet/storage"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"
)

const (
	restoreBatchSize = 100

	// scanning a keyset stops after this many consecutive empty batches
	restoreEmptyBatchLimit = 3
)

// Restore rebuilds a wallet db at walletPath from the mnemonic by
// scanning the mint's keysets for deterministically derived proofs.
// It returns the amount restored. The mint must support signature
// restore and proof state checks.
func Restore(ctx context.Context, walletPath, mintURL, mnemonic string) (uint64, error) {
	dbPath := filepath.Join(walletPath, "wallet.db")
	if _, err := os.Stat(dbPath); err == nil {
		return 0, ErrWalletAlreadyExists
	}

	if !bip39.IsMnemonicValid(mnemonic) {
		return 0, ErrMnemonicInvalid
	}
	seed := bip39.NewSeed(mnemonic, "")

	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return 0, err
	}

	mintClient := client.New(mintURL)

	mintInfo, err := mintClient.GetMintInfo(ctx)
	if err != nil {
		return 0, fmt.Errorf("error getting info from mint: %v", err)
	}
	if !mintInfo.Nuts.Nut07.Supported || !mintInfo.Nuts.Nut09.Supported {
		return 0, ErrRestoreNotSupported
	}

	if err := os.MkdirAll(walletPath, 0700); err != nil {
		return 0, err
	}
	db, err := storage.InitBolt(walletPath)
	if err != nil {
		return 0, fmt.Errorf("InitStorage: %v", err)
	}
	defer db.Close()

	if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
		return 0, err
	}

	keysetsResponse, err := mintClient.GetKeysets(ctx)
	if err != nil {
		return 0, fmt.Errorf("error getting keysets from mint: %v", err)
	}

	var restoredAmount uint64
	for _, keyset := range keysetsResponse.Keysets {
		if keyset.Unit != cashu.Sat.String() {
			continue
		}
		if _, err := hex.DecodeString(keyset.Id); err != nil {
			continue
		}

		amount, err := restoreKeysetProofs(ctx, mintClient, db, masterKey, keyset.Id)
		if err != nil {
			return restoredAmount, err
		}
		restoredAmount += amount
	}

	return restoredAmount, nil
}

func restoreKeysetProofs(
	ctx context.Context,
	mintClient *client.Client,
	db storage.WalletDB,
	masterKey *hdkeychain.ExtendedKey,
	keysetId string,
) (uint64, error) {
	keysResponse, err := mintClient.GetKeysetById(ctx, keysetId)
	if err != nil {
		return 0, fmt.Errorf("error getting keyset '%v' from mint: %v", keysetId, err)
	}
	if len(keysResponse.Keysets) == 0 {
		return 0, fmt.Errorf("%w: '%v'", ErrKeysetNotFound, keysetId)
	}
	publicKeys, err := crypto.MapPubKeys(keysResponse.Keysets[0].Keys)
	if err != nil {
		return 0, err
	}

	keysetPath, err := nut13.DeriveKeysetPath(masterKey, keysetId)
	if err != nil {
		return 0, err
	}

	var (
		restoredAmount uint64
		counter        uint32
		usedThrough    uint32
		emptyBatches   int
	)
	for emptyBatches < restoreEmptyBatchLimit {
		messages := make(cashu.BlindedMessages, restoreBatchSize)
		secrets := make(map[string]string, restoreBatchSize)
		rs := make(map[string]*secp256k1.PrivateKey, restoreBatchSize)

		for i := 0; i < restoreBatchSize; i++ {
			secret, err := nut13.DeriveSecret(keysetPath, counter+uint32(i))
			if err != nil {
				return restoredAmount, err
			}
			r, err := nut13.DeriveBlindingFactor(keysetPath, counter+uint32(i))
			if err != nil {
				return restoredAmount, err
			}
			B_, r, err := crypto.BlindMessage(secret, r)
			if err != nil {
				return restoredAmount, err
			}

			B_str := hex.EncodeToString(B_.SerializeCompressed())
			messages[i] = cashu.NewBlindedMessage(keysetId, 0, B_)
			secrets[B_str] = secret
			rs[B_str] = r
		}
		counter += restoreBatchSize

		restoreResponse, err := mintClient.PostRestore(ctx, nut09.PostRestoreRequest{Outputs: messages})
		if err != nil {
			return restoredAmount, fmt.Errorf("error restoring signatures from mint: %v", err)
		}
		if len(restoreResponse.Signatures) == 0 {
			emptyBatches++
			continue
		}
		emptyBatches = 0
		usedThrough = counter

		proofs := make(cashu.Proofs, 0, len(restoreResponse.Signatures))
		Ys := make([]string, 0, len(restoreResponse.Signatures))
		for i, signature := range restoreResponse.Signatures {
			B_str := restoreResponse.Outputs[i].B_
			secret, ok := secrets[B_str]
			if !ok {
				return restoredAmount, fmt.Errorf("mint returned output not in restore batch")
			}

			K, ok := publicKeys[signature.Amount]
			if !ok {
				return restoredAmount, fmt.Errorf("keyset '%v' has no key for amount %v",
					keysetId, signature.Amount)
			}

			C_bytes, err := hex.DecodeString(signature.C_)
			if err != nil {
				return restoredAmount, fmt.Errorf("invalid signature from mint: %v", err)
			}
			C_, err := secp256k1.ParsePubKey(C_bytes)
			if err != nil {
				return restoredAmount, fmt.Errorf("invalid signature from mint: %v", err)
			}
			C := crypto.UnblindSignature(C_, rs[B_str], K)

			Y, err := crypto.HashToCurve([]byte(secret))
			if err != nil {
				return restoredAmount, err
			}
			Ys = append(Ys, hex.EncodeToString(Y.SerializeCompressed()))

			proofs = append(proofs, cashu.Proof{
				Amount: signature.Amount,
				Secret: secret,
				C:      hex.EncodeToString(C.SerializeCompressed()),
				Id:     keysetId,
			})
		}

		stateResponse, err := mintClient.PostCheckProofState(ctx, nut07.PostCheckStateRequest{Ys: Ys})
		if err != nil {
			return restoredAmount, fmt.Errorf("error checking proof states: %v", err)
		}

		unspent := make(cashu.Proofs, 0, len(proofs))
		for i, state := range stateResponse.States {
			if state.State == nut07.Unspent {
				unspent = append(unspent, proofs[i])
			}
		}
		if len(unspent) > 0 {
			if err := db.SaveProofs(unspent); err != nil {
				return restoredAmount, err
			}
			restoredAmount += unspent.Amount()
		}
	}

	// move the counter past the last batch that produced signatures
	// so new outputs never reuse a restored secret
	if usedThrough > 0 {
		if _, err := db.ReserveCounterRange(keysetId, usedThrough); err != nil {
			return restoredAmount, err
		}
	}

	return restoredAmount, nil
}
