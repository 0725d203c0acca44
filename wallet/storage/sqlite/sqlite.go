// Package sqlite is a WalletDB implementation on sqlite3 with schema
// migrations. It offers the same durability contract as the bolt
// store, with counter reservations done in a single transaction.
package sqlite

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cashukit/cashew/cashu"
	"github.com/cashukit/cashew/crypto"
	"github.com/cashukit/cashew/wallet/storage"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type SQLiteDB struct {
	db *sql.DB
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "wallet.sqlite.db")

	// transactions start with BEGIN IMMEDIATE so counter reservations
	// take the write lock up front instead of failing on upgrade.
	db, err := sql.Open("sqlite3", dbpath+"?_txlock=immediate")
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) SaveMnemonicSeed(mnemonic string, seed []byte) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO seed (id, mnemonic, seed) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET mnemonic = excluded.mnemonic, seed = excluded.seed
	`, "id", mnemonic, hex.EncodeToString(seed))

	return err
}

func (sqlite *SQLiteDB) GetMnemonicSeed() (string, []byte) {
	var mnemonic, hexSeed string
	row := sqlite.db.QueryRow("SELECT mnemonic, seed FROM seed WHERE id = 'id'")
	if err := row.Scan(&mnemonic, &hexSeed); err != nil {
		return "", nil
	}

	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return "", nil
	}
	return mnemonic, seed
}

func (sqlite *SQLiteDB) SaveProofs(proofs cashu.Proofs) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, proof := range proofs {
		var dleq []byte
		if proof.DLEQ != nil {
			if dleq, err = json.Marshal(proof.DLEQ); err != nil {
				return fmt.Errorf("invalid proof: %v", err)
			}
		}

		_, err = tx.Exec(`
			INSERT OR REPLACE INTO proofs (secret, amount, keyset_id, c, witness, dleq)
			VALUES (?, ?, ?, ?, ?, ?)
		`, proof.Secret, proof.Amount, proof.Id, proof.C, proof.Witness, dleq)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) GetProofs() cashu.Proofs {
	return sqlite.queryProofs("SELECT amount, keyset_id, secret, c, witness, dleq FROM proofs")
}

func (sqlite *SQLiteDB) GetProofsByKeysetId(id string) cashu.Proofs {
	return sqlite.queryProofs(
		"SELECT amount, keyset_id, secret, c, witness, dleq FROM proofs WHERE keyset_id = ?", id)
}

func (sqlite *SQLiteDB) queryProofs(query string, args ...any) cashu.Proofs {
	proofs := cashu.Proofs{}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return proofs
	}
	defer rows.Close()

	for rows.Next() {
		var proof cashu.Proof
		var witness sql.NullString
		var dleq []byte

		if err := rows.Scan(&proof.Amount, &proof.Id, &proof.Secret,
			&proof.C, &witness, &dleq); err != nil {
			continue
		}
		proof.Witness = witness.String
		if len(dleq) > 0 {
			var dleqProof cashu.DLEQProof
			if err := json.Unmarshal(dleq, &dleqProof); err == nil {
				proof.DLEQ = &dleqProof
			}
		}
		proofs = append(proofs, proof)
	}

	return proofs
}

func (sqlite *SQLiteDB) DeleteProof(secret string) error {
	result, err := sqlite.db.Exec("DELETE FROM proofs WHERE secret = ?", secret)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return storage.ProofNotFoundErr
	}
	return nil
}

func (sqlite *SQLiteDB) SaveKeyset(keyset *crypto.WalletKeyset) error {
	jsonKeys, err := keysToJSON(keyset.PublicKeys)
	if err != nil {
		return fmt.Errorf("invalid keyset: %v", err)
	}

	_, err = sqlite.db.Exec(`
		INSERT INTO keysets (id, mint_url, unit, active, public_keys, input_fee_ppk)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET active = excluded.active, input_fee_ppk = excluded.input_fee_ppk
	`, keyset.Id, keyset.MintURL, keyset.Unit, keyset.Active, jsonKeys, keyset.InputFeePpk)

	return err
}

func (sqlite *SQLiteDB) GetKeysets() crypto.KeysetsMap {
	keysets := make(crypto.KeysetsMap)

	rows, err := sqlite.db.Query(
		"SELECT id, mint_url, unit, active, public_keys, input_fee_ppk FROM keysets")
	if err != nil {
		return keysets
	}
	defer rows.Close()

	for rows.Next() {
		keyset, err := scanKeyset(rows)
		if err != nil {
			continue
		}

		if _, ok := keysets[keyset.MintURL]; !ok {
			keysets[keyset.MintURL] = make(map[string]crypto.WalletKeyset)
		}
		keysets[keyset.MintURL][keyset.Id] = *keyset
	}

	return keysets
}

func (sqlite *SQLiteDB) GetKeyset(id string) *crypto.WalletKeyset {
	row := sqlite.db.QueryRow(
		"SELECT id, mint_url, unit, active, public_keys, input_fee_ppk FROM keysets WHERE id = ?", id)

	keyset, err := scanKeyset(row)
	if err != nil {
		return nil
	}
	return keyset
}

// ReserveCounterRange runs the read-increment in one transaction so
// ranges are disjoint under concurrency and the cursor is committed
// before the start is returned.
func (sqlite *SQLiteDB) ReserveCounterRange(keysetId string, count uint32) (uint32, error) {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var start uint32
	row := tx.QueryRow("SELECT counter FROM counters WHERE keyset_id = ?", keysetId)
	if err := row.Scan(&start); err != nil && err != sql.ErrNoRows {
		return 0, err
	}

	_, err = tx.Exec(`
		INSERT INTO counters (keyset_id, counter) VALUES (?, ?)
		ON CONFLICT(keyset_id) DO UPDATE SET counter = excluded.counter
	`, keysetId, start+count)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return start, nil
}

func (sqlite *SQLiteDB) GetKeysetCounter(keysetId string) uint32 {
	var counter uint32
	row := sqlite.db.QueryRow("SELECT counter FROM counters WHERE keyset_id = ?", keysetId)
	if err := row.Scan(&counter); err != nil {
		return 0
	}
	return counter
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKeyset(row scanner) (*crypto.WalletKeyset, error) {
	var keyset crypto.WalletKeyset
	var jsonKeys []byte

	if err := row.Scan(&keyset.Id, &keyset.MintURL, &keyset.Unit,
		&keyset.Active, &jsonKeys, &keyset.InputFeePpk); err != nil {
		return nil, err
	}

	keys, err := keysFromJSON(jsonKeys)
	if err != nil {
		return nil, err
	}
	keyset.PublicKeys = keys

	return &keyset, nil
}

func keysToJSON(keys map[uint64]*secp256k1.PublicKey) ([]byte, error) {
	hexKeys := make(map[uint64]string, len(keys))
	for amount, key := range keys {
		hexKeys[amount] = hex.EncodeToString(key.SerializeCompressed())
	}
	return json.Marshal(hexKeys)
}

func keysFromJSON(data []byte) (map[uint64]*secp256k1.PublicKey, error) {
	hexKeys := make(map[uint64]string)
	if err := json.Unmarshal(data, &hexKeys); err != nil {
		return nil, err
	}
	return crypto.MapPubKeys(hexKeys)
}
