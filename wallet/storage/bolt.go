package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cashukit/cashew/cashu"
	"github.com/cashukit/cashew/crypto"
	bolt "go.etcd.io/bbolt"
)

const (
	keysetsBucket  = "keysets"
	proofsBucket   = "proofs"
	countersBucket = "counters"
	seedBucket     = "seed"

	mnemonicKey = "mnemonic"
	seedKey     = "seed"
)

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "wallet.db"), 0600,
		&bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening wallet db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initWalletBuckets(); err != nil {
		return nil, fmt.Errorf("error setting up wallet db: %v", err)
	}

	return boltdb, nil
}

func (db *BoltDB) initWalletBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{keysetsBucket, proofsBucket, countersBucket, seedBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) SaveMnemonicSeed(mnemonic string, seed []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		if err := seedb.Put([]byte(mnemonicKey), []byte(mnemonic)); err != nil {
			return err
		}
		return seedb.Put([]byte(seedKey), seed)
	})
}

func (db *BoltDB) GetMnemonicSeed() (string, []byte) {
	var mnemonic string
	var seed []byte
	db.bolt.View(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		mnemonic = string(seedb.Get([]byte(mnemonicKey)))
		if v := seedb.Get([]byte(seedKey)); v != nil {
			seed = make([]byte, len(v))
			copy(seed, v)
		}
		return nil
	})
	return mnemonic, seed
}

// SaveProofs stores proofs keyed by their secret.
func (db *BoltDB) SaveProofs(proofs cashu.Proofs) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, proof := range proofs {
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return fmt.Errorf("invalid proof: %v", err)
			}
			if err := proofsb.Put([]byte(proof.Secret), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) GetProofs() cashu.Proofs {
	proofs := cashu.Proofs{}

	db.bolt.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		return proofsb.ForEach(func(k, v []byte) error {
			var proof cashu.Proof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			proofs = append(proofs, proof)
			return nil
		})
	})

	return proofs
}

func (db *BoltDB) GetProofsByKeysetId(id string) cashu.Proofs {
	proofs := cashu.Proofs{}
	for _, proof := range db.GetProofs() {
		if proof.Id == id {
			proofs = append(proofs, proof)
		}
	}
	return proofs
}

func (db *BoltDB) DeleteProof(secret string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		val := proofsb.Get([]byte(secret))
		if val == nil {
			return ProofNotFoundErr
		}
		return proofsb.Delete([]byte(secret))
	})
}

func (db *BoltDB) SaveKeyset(keyset *crypto.WalletKeyset) error {
	jsonKeyset, err := json.Marshal(keyset)
	if err != nil {
		return fmt.Errorf("invalid keyset: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		mintBucket, err := keysetsb.CreateBucketIfNotExists([]byte(keyset.MintURL))
		if err != nil {
			return err
		}
		return mintBucket.Put([]byte(keyset.Id), jsonKeyset)
	})
}

func (db *BoltDB) GetKeysets() crypto.KeysetsMap {
	keysets := make(crypto.KeysetsMap)

	db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))

		return keysetsb.ForEachBucket(func(mintURL []byte) error {
			mintKeysets := make(map[string]crypto.WalletKeyset)
			mintBucket := keysetsb.Bucket(mintURL)

			if err := mintBucket.ForEach(func(k, v []byte) error {
				var keyset crypto.WalletKeyset
				if err := json.Unmarshal(v, &keyset); err != nil {
					return err
				}
				mintKeysets[keyset.Id] = keyset
				return nil
			}); err != nil {
				return err
			}

			keysets[string(mintURL)] = mintKeysets
			return nil
		})
	})

	return keysets
}

func (db *BoltDB) GetKeyset(keysetId string) *crypto.WalletKeyset {
	var keyset *crypto.WalletKeyset

	db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))

		return keysetsb.ForEachBucket(func(mintURL []byte) error {
			mintBucket := keysetsb.Bucket(mintURL)
			if v := mintBucket.Get([]byte(keysetId)); v != nil {
				var wk crypto.WalletKeyset
				if err := json.Unmarshal(v, &wk); err != nil {
					return err
				}
				keyset = &wk
			}
			return nil
		})
	})

	return keyset
}

// ReserveCounterRange reads and advances the counter in a single
// write transaction so concurrent reservations never overlap and the
// new cursor is on disk before the range is handed out.
func (db *BoltDB) ReserveCounterRange(keysetId string, count uint32) (uint32, error) {
	var start uint32
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		countersb := tx.Bucket([]byte(countersBucket))

		if v := countersb.Get([]byte(keysetId)); v != nil {
			start = binary.BigEndian.Uint32(v)
		}

		next := make([]byte, 4)
		binary.BigEndian.PutUint32(next, start+count)
		return countersb.Put([]byte(keysetId), next)
	})
	if err != nil {
		return 0, fmt.Errorf("error reserving counter range: %v", err)
	}
	return start, nil
}

func (db *BoltDB) GetKeysetCounter(keysetId string) uint32 {
	var counter uint32
	db.bolt.View(func(tx *bolt.Tx) error {
		countersb := tx.Bucket([]byte(countersBucket))
		if v := countersb.Get([]byte(keysetId)); v != nil {
			counter = binary.BigEndian.Uint32(v)
		}
		return nil
	})
	return counter
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}
