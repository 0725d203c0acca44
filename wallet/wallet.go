// Package wallet implements the transaction engine of an ecash
// wallet: proof selection, output planning, deterministic counter
// allocation and the prepare/complete flows for the swap, mint and
// melt operations. The mint is reached only through the MintClient
// interface; the prepare stage does the planning and crypto, the
// complete stage does a single network exchange.
package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/bits"
	"math/rand"
	"net/url"
	"os"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cashukit/cashew/cashu"
	"github.com/cashukit/cashew/cashu/nuts/nut01"
	"github.com/cashukit/cashew/cashu/nuts/nut02"
	"github.com/cashukit/cashew/cashu/nuts/nut03"
	"github.com/cashukit/cashew/cashu/nuts/nut04"
	"github.com/cashukit/cashew/cashu/nuts/nut05"
	"github.com/cashukit/cashew/cashu/nuts/nut06"
	"github.com/cashukit/cashew/cashu/nuts/nut07"
	"github.com/cashukit/cashew/cashu/nuts/nut09"
	"github.com/cashukit/cashew/cashu/nuts/nut10"
	"github.com/cashukit/cashew/cashu/nuts/nut11"
	"github.com/cashukit/cashew/cashu/nuts/nut12"
	"github.com/cashukit/cashew/cashu/nuts/nut13"
	"github.com/cashukit/cashew/cashu/nuts/nut14"
	"github.com/cashukit/cashew/crypto"
	"github.com/cashukit/cashew/wallet/client"
	"github.com/cashukit/cashew/wallet/storage"
	"github.com/cashukit/cashew/wallet/storage/sqlite"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"
)

// number of proofs per denomination the change planner tops up to
const defaultKeepTargetCount = 3

// MintClient is the wallet's view of a mint. The default
// implementation lives in the client package.
type MintClient interface {
	GetMintInfo(ctx context.Context) (*nut06.MintInfo, error)
	GetActiveKeysets(ctx context.Context) (*nut01.GetKeysResponse, error)
	GetKeysets(ctx context.Context) (*nut02.GetKeysetsResponse, error)
	GetKeysetById(ctx context.Context, id string) (*nut01.GetKeysResponse, error)
	PostMintQuoteBolt11(ctx context.Context, request nut04.PostMintQuoteBolt11Request) (*nut04.PostMintQuoteBolt11Response, error)
	GetMintQuoteState(ctx context.Context, quoteId string) (*nut04.PostMintQuoteBolt11Response, error)
	PostMintBolt11(ctx context.Context, request nut04.PostMintBolt11Request) (*nut04.PostMintBolt11Response, error)
	PostSwap(ctx context.Context, request nut03.PostSwapRequest) (*nut03.PostSwapResponse, error)
	PostMeltQuoteBolt11(ctx context.Context, request nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
	PostMeltBolt11(ctx context.Context, request nut05.PostMeltBolt11Request) (*nut05.PostMeltBolt11Response, error)
	PostCheckProofState(ctx context.Context, request nut07.PostCheckStateRequest) (*nut07.PostCheckStateResponse, error)
	PostRestore(ctx context.Context, request nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error)
}

// StorageBackend selects the persistence layer for proofs, keysets,
// counters and the seed.
type StorageBackend int

const (
	StorageBolt StorageBackend = iota
	StorageSQLite
)

type Config struct {
	WalletPath     string
	CurrentMintURL string

	// Unit the wallet operates in. Defaults to sat.
	Unit string

	// Backend is the storage backend for the wallet. Defaults to bolt.
	Backend StorageBackend

	// StrictDLEQ makes proof reconstruction fail when a returned
	// signature carries no DLEQ or one that does not verify.
	StrictDLEQ bool

	Logger *slog.Logger
}

type Wallet struct {
	db       storage.WalletDB
	client   MintClient
	counters CounterSource
	logger   *slog.Logger

	mintURL    string
	unit       cashu.Unit
	strictDLEQ bool

	masterKey *hdkeychain.ExtendedKey

	mu              sync.RWMutex
	activeKeyset    *crypto.WalletKeyset
	inactiveKeysets map[string]*crypto.WalletKeyset
}

func LoadWallet(ctx context.Context, config Config) (*Wallet, error) {
	mintURL, err := url.Parse(config.CurrentMintURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mint url: %v", err)
	}

	unit := cashu.Sat
	if config.Unit != "" {
		unit, err = cashu.StringToUnit(config.Unit)
		if err != nil {
			return nil, fmt.Errorf("%w: '%v'", ErrInvalidUnit, config.Unit)
		}
	}

	if err := os.MkdirAll(config.WalletPath, 0700); err != nil {
		return nil, err
	}
	var db storage.WalletDB
	switch config.Backend {
	case StorageSQLite:
		db, err = sqlite.InitSQLite(config.WalletPath)
	default:
		db, err = storage.InitBolt(config.WalletPath)
	}
	if err != nil {
		return nil, fmt.Errorf("InitStorage: %v", err)
	}

	mnemonic, seed := db.GetMnemonicSeed()
	if len(seed) == 0 {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return nil, err
		}
		mnemonic, err = bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, err
		}
		seed = bip39.NewSeed(mnemonic, "")
		if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
			return nil, fmt.Errorf("error saving mnemonic: %v", err)
		}
	}

	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	wallet := &Wallet{
		db:              db,
		client:          client.New(mintURL.String()),
		counters:        &dbCounterSource{db: db},
		logger:          logger,
		mintURL:         mintURL.String(),
		unit:            unit,
		strictDLEQ:      config.StrictDLEQ,
		masterKey:       masterKey,
		inactiveKeysets: make(map[string]*crypto.WalletKeyset),
	}

	if err := wallet.loadKeysets(ctx); err != nil {
		return nil, fmt.Errorf("error setting up wallet: %v", err)
	}

	return wallet, nil
}

func (w *Wallet) MintURL() string { return w.mintURL }

func (w *Wallet) Unit() cashu.Unit { return w.unit }

func (w *Wallet) Mnemonic() string {
	mnemonic, _ := w.db.GetMnemonicSeed()
	return mnemonic
}

func (w *Wallet) GetBalance() uint64 {
	return w.db.GetProofs().Amount()
}

func (w *Wallet) Shutdown() error {
	return w.db.Close()
}

// dbCounterSource is the durable CounterSource backed by the wallet
// db. Ranges survive restarts, so a crashed or cancelled transaction
// burns its counters instead of reissuing them.
type dbCounterSource struct {
	db storage.WalletDB
}

func (cs *dbCounterSource) Reserve(keysetId string, count uint32) (CounterRange, error) {
	start, err := cs.db.ReserveCounterRange(keysetId, count)
	if err != nil {
		return CounterRange{}, fmt.Errorf("%w: %v", ErrCounterSource, err)
	}
	return CounterRange{KeysetId: keysetId, Start: start, Count: count}, nil
}

// ------------------------------------------------------------------
// outputs
// ------------------------------------------------------------------

type outputKind int

const (
	kindDeterministic outputKind = iota
	kindRandom
	kindP2PK
	kindHTLC
)

// OutputSpec selects how output secrets are produced: derived from
// the wallet seed (recoverable), drawn at random, or carrying a
// spending condition. The zero value is deterministic.
type OutputSpec struct {
	kind      outputKind
	condition nut10.SpendingCondition
}

func DeterministicOutputs() OutputSpec {
	return OutputSpec{kind: kindDeterministic}
}

func RandomOutputs() OutputSpec {
	return OutputSpec{kind: kindRandom}
}

// P2PKOutputs locks outputs to the public key. Additional conditions
// (multisig, locktime, refund, sigflag) go in tags.
func P2PKOutputs(pubkey *btcec.PublicKey, tags *nut11.P2PKTags) OutputSpec {
	condition := nut10.SpendingCondition{
		Kind: nut10.P2PK,
		Data: hex.EncodeToString(pubkey.SerializeCompressed()),
	}
	if tags != nil {
		condition.Tags = nut11.SerializeP2PKTags(*tags)
	}
	return OutputSpec{kind: kindP2PK, condition: condition}
}

// HTLCOutputs locks outputs to the sha256 hash of the hex preimage.
func HTLCOutputs(preimage string, tags *nut11.P2PKTags) (OutputSpec, error) {
	preimageBytes, err := hex.DecodeString(preimage)
	if err != nil {
		return OutputSpec{}, fmt.Errorf("invalid preimage: %v", err)
	}
	hash := sha256.Sum256(preimageBytes)

	condition := nut10.SpendingCondition{
		Kind: nut10.HTLC,
		Data: hex.EncodeToString(hash[:]),
	}
	if tags != nil {
		condition.Tags = nut11.SerializeP2PKTags(*tags)
	}
	return OutputSpec{kind: kindHTLC, condition: condition}, nil
}

// outputSet carries blinded messages with the secrets and blinding
// factors needed to unblind the mint's signatures over them.
type outputSet struct {
	messages cashu.BlindedMessages
	secrets  []string
	rs       []*secp256k1.PrivateKey
}

func (set *outputSet) append(other *outputSet) {
	set.messages = append(set.messages, other.messages...)
	set.secrets = append(set.secrets, other.secrets...)
	set.rs = append(set.rs, other.rs...)
}

// shuffle permutes the outputs in place so the mint cannot correlate
// position with the send/keep role. It returns the mapping from
// submitted position to original position.
func (set *outputSet) shuffle() []int {
	n := len(set.messages)
	perm := rand.Perm(n)

	shuffled := &outputSet{
		messages: make(cashu.BlindedMessages, n),
		secrets:  make([]string, n),
		rs:       make([]*secp256k1.PrivateKey, n),
	}
	for i, j := range perm {
		shuffled.messages[i] = set.messages[j]
		shuffled.secrets[i] = set.secrets[j]
		shuffled.rs[i] = set.rs[j]
	}
	*set = *shuffled
	return perm
}

// slice returns the first n outputs, for responses that sign fewer
// outputs than submitted (melt change).
func (set *outputSet) slice(n int) *outputSet {
	return &outputSet{
		messages: set.messages[:n],
		secrets:  set.secrets[:n],
		rs:       set.rs[:n],
	}
}

func identityOrder(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// newOutputs builds blinded messages for the amounts according to the
// spec. Deterministic outputs reserve a counter range; the range is
// burned if the outputs are never submitted.
func (w *Wallet) newOutputs(amounts []uint64, keyset *crypto.WalletKeyset, spec OutputSpec) (*outputSet, error) {
	switch spec.kind {
	case kindDeterministic:
		return w.deterministicOutputs(amounts, keyset)
	case kindRandom:
		return randomOutputs(amounts, keyset.Id)
	case kindP2PK, kindHTLC:
		return lockedOutputs(amounts, keyset.Id, spec.condition)
	default:
		return nil, fmt.Errorf("unknown output kind %d", spec.kind)
	}
}

func (w *Wallet) deterministicOutputs(amounts []uint64, keyset *crypto.WalletKeyset) (*outputSet, error) {
	counterRange, err := w.counters.Reserve(keyset.Id, uint32(len(amounts)))
	if err != nil {
		return nil, err
	}

	keysetPath, err := nut13.DeriveKeysetPath(w.masterKey, keyset.Id)
	if err != nil {
		return nil, err
	}

	set := emptyOutputSet(len(amounts))
	for i, amount := range amounts {
		counter := counterRange.Start + uint32(i)

		secret, err := nut13.DeriveSecret(keysetPath, counter)
		if err != nil {
			return nil, err
		}
		r, err := nut13.DeriveBlindingFactor(keysetPath, counter)
		if err != nil {
			return nil, err
		}

		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, err
		}

		set.messages[i] = cashu.NewBlindedMessage(keyset.Id, amount, B_)
		set.secrets[i] = secret
		set.rs[i] = r
	}

	return set, nil
}

func randomOutputs(amounts []uint64, keysetId string) (*outputSet, error) {
	set := emptyOutputSet(len(amounts))
	for i, amount := range amounts {
		secretBytes, err := cashu.GenerateRandomBytes()
		if err != nil {
			return nil, err
		}
		secret := hex.EncodeToString(secretBytes)

		B_, r, err := crypto.BlindMessage(secret, nil)
		if err != nil {
			return nil, err
		}

		set.messages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		set.secrets[i] = secret
		set.rs[i] = r
	}
	return set, nil
}

func lockedOutputs(amounts []uint64, keysetId string, condition nut10.SpendingCondition) (*outputSet, error) {
	set := emptyOutputSet(len(amounts))
	for i, amount := range amounts {
		// fresh nonce per output
		secret, err := nut10.NewSecretFromSpendingCondition(condition)
		if err != nil {
			return nil, err
		}

		B_, r, err := crypto.BlindMessage(secret, nil)
		if err != nil {
			return nil, err
		}

		set.messages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		set.secrets[i] = secret
		set.rs[i] = r
	}
	return set, nil
}

func emptyOutputSet(n int) *outputSet {
	return &outputSet{
		messages: make(cashu.BlindedMessages, n),
		secrets:  make([]string, n),
		rs:       make([]*secp256k1.PrivateKey, n),
	}
}

// constructProofs verifies and unblinds the signatures returned by
// the mint. A present DLEQ is always verified; with StrictDLEQ a
// missing DLEQ is also an error. Failures abort the whole
// reconstruction, no proof is silently dropped.
func (w *Wallet) constructProofs(
	signatures cashu.BlindedSignatures,
	outputs *outputSet,
	keyset *crypto.WalletKeyset,
) (cashu.Proofs, error) {
	if len(signatures) != len(outputs.secrets) {
		return nil, fmt.Errorf("%w: expected %d but got %d",
			ErrSignatureCountMismatch, len(outputs.secrets), len(signatures))
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		K, ok := keyset.PublicKeys[signature.Amount]
		if !ok {
			return nil, fmt.Errorf("keyset '%v' has no key for amount %v",
				keyset.Id, signature.Amount)
		}

		if signature.DLEQ != nil {
			if !nut12.VerifyBlindSignatureDLEQ(*signature.DLEQ, K, outputs.messages[i].B_, signature.C_) {
				return nil, fmt.Errorf("%w: amount %v from keyset '%v'",
					ErrInvalidDLEQ, signature.Amount, signature.Id)
			}
		} else if w.strictDLEQ {
			return nil, fmt.Errorf("%w: mint did not include DLEQ for amount %v",
				ErrInvalidDLEQ, signature.Amount)
		}

		C_bytes, err := hex.DecodeString(signature.C_)
		if err != nil {
			return nil, fmt.Errorf("invalid signature from mint: %v", err)
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid signature from mint: %v", err)
		}

		C := crypto.UnblindSignature(C_, outputs.rs[i], K)

		proof := cashu.Proof{
			Amount: signature.Amount,
			Secret: outputs.secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
			Id:     signature.Id,
		}
		if signature.DLEQ != nil {
			proof.DLEQ = &cashu.DLEQProof{
				E: signature.DLEQ.E,
				S: signature.DLEQ.S,
				R: hex.EncodeToString(outputs.rs[i].Serialize()),
			}
		}
		proofs[i] = proof
	}

	return proofs, nil
}

// restoreOrder undoes the submission permutation: order maps each
// submitted position to its original position.
func restoreOrder(proofs cashu.Proofs, order []int) cashu.Proofs {
	restored := make(cashu.Proofs, len(proofs))
	for i, j := range order {
		restored[j] = proofs[i]
	}
	return restored
}

// ------------------------------------------------------------------
// send
// ------------------------------------------------------------------

type SendOptions struct {
	// IncludeFeesToReceiver pads the sent amount so the receiver
	// still nets the requested amount after paying the swap fee.
	IncludeFeesToReceiver bool

	// ExplicitSplit forces the denominations of the send outputs. It
	// must sum exactly to the amount.
	ExplicitSplit []uint64

	// Outputs selects how the send output secrets are produced.
	// Defaults to deterministic.
	Outputs OutputSpec
}

// SendPreview is a staged send: inputs selected, outputs planned and
// blinded, counters reserved. It performs no network call and is
// consumed exactly once by CompleteSend.
type SendPreview struct {
	mu       sync.Mutex
	consumed bool

	inputs    cashu.Proofs
	outputs   *outputSet
	order     []int
	sendCount int
	keyset    *crypto.WalletKeyset
	sigAll    bool

	sendAmount   uint64
	changeAmount uint64
	fee          uint64
}

// Amount is the value the receiver gets.
func (p *SendPreview) Amount() uint64 { return p.sendAmount }

// Fee is the swap fee the sender pays on the selected inputs.
func (p *SendPreview) Fee() uint64 { return p.fee }

// TotalCost is the value leaving the wallet.
func (p *SendPreview) TotalCost() uint64 { return p.inputs.Amount() - p.changeAmount }

func (p *SendPreview) consume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed {
		return ErrPreviewConsumed
	}
	p.consumed = true
	return nil
}

// PrepareSend stages a send of the given amount. Counters reserved
// here are burned if the preview is never completed.
func (w *Wallet) PrepareSend(ctx context.Context, amount uint64, opts SendOptions) (*SendPreview, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}

	keyset, err := w.getActiveKeyset(ctx)
	if err != nil {
		return nil, err
	}

	var sendSplit []uint64
	switch {
	case len(opts.ExplicitSplit) > 0:
		if err := validateExplicitSplit(amount, opts.ExplicitSplit, keyset); err != nil {
			return nil, err
		}
		sendSplit = opts.ExplicitSplit
	case opts.IncludeFeesToReceiver:
		sendSplit = splitAmountIncludingFees(amount, keyset)
	default:
		sendSplit = SplitAmount(amount, keyset.Amounts())
	}

	var target uint64
	for _, amt := range sendSplit {
		target += amt
	}

	proofs := w.db.GetProofs()
	selected, err := selectProofsToSend(proofs, target, w.feePpk, true, false)
	if err != nil {
		return nil, err
	}

	fee := w.fees(selected)
	changeAmount := selected.Amount() - target - fee

	remaining := proofsWithout(proofs, selected)
	changeSplit := keepAmounts(remaining, changeAmount, defaultKeepTargetCount, keyset.Amounts())

	outputs, err := w.newOutputs(sendSplit, keyset, opts.Outputs)
	if err != nil {
		return nil, err
	}
	change, err := w.newOutputs(changeSplit, keyset, DeterministicOutputs())
	if err != nil {
		return nil, err
	}
	outputs.append(change)

	preview := &SendPreview{
		inputs:       selected,
		outputs:      outputs,
		sendCount:    len(sendSplit),
		keyset:       keyset,
		sigAll:       nut11.ProofsSigAll(selected),
		sendAmount:   amount,
		changeAmount: changeAmount,
		fee:          fee,
	}

	// submission order is part of the signed message under SIG_ALL
	if preview.sigAll {
		preview.order = identityOrder(len(outputs.messages))
	} else {
		preview.order = outputs.shuffle()
	}

	w.logger.Debug("prepared send",
		slog.Uint64("amount", amount),
		slog.Uint64("fee", fee),
		slog.Int("inputs", len(selected)),
		slog.Int("outputs", len(outputs.messages)))

	return preview, nil
}

// CompleteSend submits the staged swap and returns the proofs to hand
// to the receiver. Change proofs are stored, spent inputs removed.
func (w *Wallet) CompleteSend(ctx context.Context, preview *SendPreview) (cashu.Proofs, error) {
	if err := preview.consume(); err != nil {
		return nil, err
	}

	inputs, err := w.signInputs(preview.inputs, preview.outputs.messages, preview.sigAll)
	if err != nil {
		return nil, err
	}

	swapResponse, err := w.client.PostSwap(ctx, nut03.PostSwapRequest{
		Inputs:  inputs,
		Outputs: preview.outputs.messages,
	})
	if err != nil {
		return nil, err
	}

	proofs, err := w.constructProofs(swapResponse.Signatures, preview.outputs, preview.keyset)
	if err != nil {
		return nil, err
	}
	proofs = restoreOrder(proofs, preview.order)

	sendProofs := proofs[:preview.sendCount]
	changeProofs := proofs[preview.sendCount:]

	for _, proof := range preview.inputs {
		w.db.DeleteProof(proof.Secret)
	}
	if err := w.db.SaveProofs(changeProofs); err != nil {
		return nil, fmt.Errorf("error saving change proofs: %v", err)
	}

	return sendProofs, nil
}

// Send is PrepareSend and CompleteSend in one step, returning a
// serialized token.
func (w *Wallet) Send(ctx context.Context, amount uint64, opts SendOptions) (string, error) {
	preview, err := w.PrepareSend(ctx, amount, opts)
	if err != nil {
		return "", err
	}
	proofs, err := w.CompleteSend(ctx, preview)
	if err != nil {
		return "", err
	}

	token, err := cashu.NewTokenV4(proofs, w.mintURL, w.unit, true)
	if err != nil {
		return "", err
	}
	return token.Serialize()
}

// ------------------------------------------------------------------
// receive
// ------------------------------------------------------------------

type ReceiveOptions struct {
	// Preimage unlocks HTLC locked tokens.
	Preimage string
}

type ReceivePreview struct {
	mu       sync.Mutex
	consumed bool

	inputs   cashu.Proofs
	outputs  *outputSet
	keyset   *crypto.WalletKeyset
	sigAll   bool
	preimage string

	amount uint64
	fee    uint64
}

// Amount is the value the wallet will hold after the swap.
func (p *ReceivePreview) Amount() uint64 { return p.amount }

func (p *ReceivePreview) Fee() uint64 { return p.fee }

func (p *ReceivePreview) consume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed {
		return ErrPreviewConsumed
	}
	p.consumed = true
	return nil
}

// PrepareReceive stages a swap of the token's proofs into proofs held
// by this wallet. The token must come from the wallet's mint. DLEQs
// carried by the token are verified against the issuing keyset.
func (w *Wallet) PrepareReceive(ctx context.Context, token cashu.Token, opts ReceiveOptions) (*ReceivePreview, error) {
	if token.Mint() != w.mintURL {
		return nil, fmt.Errorf("%w: token from '%v'", ErrMintNotTrusted, token.Mint())
	}

	proofs := token.Proofs()
	if len(proofs) == 0 {
		return nil, fmt.Errorf("%w: token has no proofs", ErrInvalidTokenV4)
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return nil, fmt.Errorf("%w: duplicate proofs in token", ErrInvalidTokenV4)
	}

	for _, proof := range proofs {
		keyset, err := w.keysetById(ctx, proof.Id)
		if err != nil {
			return nil, err
		}
		A, ok := keyset.PublicKeys[proof.Amount]
		if !ok {
			return nil, fmt.Errorf("keyset '%v' has no key for amount %v", proof.Id, proof.Amount)
		}
		if proof.DLEQ != nil && !nut12.VerifyProofDLEQ(proof, A) {
			return nil, fmt.Errorf("%w: proof for amount %v", ErrInvalidDLEQ, proof.Amount)
		}
	}

	keyset, err := w.getActiveKeyset(ctx)
	if err != nil {
		return nil, err
	}

	fee := w.fees(proofs)
	amount := proofs.Amount() - fee
	split := keepAmounts(w.db.GetProofs(), amount, defaultKeepTargetCount, keyset.Amounts())

	outputs, err := w.newOutputs(split, keyset, DeterministicOutputs())
	if err != nil {
		return nil, err
	}

	return &ReceivePreview{
		inputs:   proofs,
		outputs:  outputs,
		keyset:   keyset,
		sigAll:   nut11.ProofsSigAll(proofs),
		preimage: opts.Preimage,
		amount:   amount,
		fee:      fee,
	}, nil
}

// CompleteReceive submits the staged swap, stores the new proofs and
// returns the amount received.
func (w *Wallet) CompleteReceive(ctx context.Context, preview *ReceivePreview) (uint64, error) {
	if err := preview.consume(); err != nil {
		return 0, err
	}

	inputs := preview.inputs
	var err error
	if preview.preimage != "" {
		signingKey, err := DeriveP2PK(w.masterKey)
		if err != nil {
			return 0, err
		}
		inputs, err = nut14.AddWitnessHTLC(inputs, preview.preimage, signingKey)
		if err != nil {
			return 0, err
		}
	} else {
		inputs, err = w.signInputs(inputs, preview.outputs.messages, preview.sigAll)
		if err != nil {
			return 0, err
		}
	}

	swapResponse, err := w.client.PostSwap(ctx, nut03.PostSwapRequest{
		Inputs:  inputs,
		Outputs: preview.outputs.messages,
	})
	if err != nil {
		return 0, err
	}

	proofs, err := w.constructProofs(swapResponse.Signatures, preview.outputs, preview.keyset)
	if err != nil {
		return 0, err
	}

	if err := w.db.SaveProofs(proofs); err != nil {
		return 0, fmt.Errorf("error saving proofs: %v", err)
	}

	return preview.amount, nil
}

// Receive is PrepareReceive and CompleteReceive in one step.
func (w *Wallet) Receive(ctx context.Context, token cashu.Token, opts ReceiveOptions) (uint64, error) {
	preview, err := w.PrepareReceive(ctx, token, opts)
	if err != nil {
		return 0, err
	}
	return w.CompleteReceive(ctx, preview)
}

// ------------------------------------------------------------------
// mint
// ------------------------------------------------------------------

// RequestMint asks the mint for a bolt11 quote to mint the amount.
func (w *Wallet) RequestMint(ctx context.Context, amount uint64) (*nut04.PostMintQuoteBolt11Response, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	return w.client.PostMintQuoteBolt11(ctx, nut04.PostMintQuoteBolt11Request{
		Amount: amount,
		Unit:   w.unit.String(),
	})
}

// MintQuoteState returns the current state of a mint quote.
func (w *Wallet) MintQuoteState(ctx context.Context, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	return w.client.GetMintQuoteState(ctx, quoteId)
}

type MintPreview struct {
	mu       sync.Mutex
	consumed bool

	quoteId string
	outputs *outputSet
	keyset  *crypto.WalletKeyset
	amount  uint64
}

func (p *MintPreview) Amount() uint64 { return p.amount }

func (p *MintPreview) consume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed {
		return ErrPreviewConsumed
	}
	p.consumed = true
	return nil
}

// PrepareMint stages minting of the quoted amount.
func (w *Wallet) PrepareMint(ctx context.Context, quoteId string, amount uint64) (*MintPreview, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}

	keyset, err := w.getActiveKeyset(ctx)
	if err != nil {
		return nil, err
	}

	split := keepAmounts(w.db.GetProofs(), amount, defaultKeepTargetCount, keyset.Amounts())
	outputs, err := w.newOutputs(split, keyset, DeterministicOutputs())
	if err != nil {
		return nil, err
	}

	return &MintPreview{
		quoteId: quoteId,
		outputs: outputs,
		keyset:  keyset,
		amount:  amount,
	}, nil
}

// CompleteMint checks the quote was paid, requests the signatures and
// stores the minted proofs. Returns the amount minted.
func (w *Wallet) CompleteMint(ctx context.Context, preview *MintPreview) (uint64, error) {
	if err := preview.consume(); err != nil {
		return 0, err
	}

	quote, err := w.client.GetMintQuoteState(ctx, preview.quoteId)
	if err != nil {
		return 0, err
	}
	if !quote.Paid {
		return 0, ErrQuoteNotPaid
	}

	mintResponse, err := w.client.PostMintBolt11(ctx, nut04.PostMintBolt11Request{
		Quote:   preview.quoteId,
		Outputs: preview.outputs.messages,
	})
	if err != nil {
		return 0, err
	}

	proofs, err := w.constructProofs(mintResponse.Signatures, preview.outputs, preview.keyset)
	if err != nil {
		return 0, err
	}

	if err := w.db.SaveProofs(proofs); err != nil {
		return 0, fmt.Errorf("error saving proofs: %v", err)
	}

	return proofs.Amount(), nil
}

// ------------------------------------------------------------------
// melt
// ------------------------------------------------------------------

// RequestMeltQuote asks the mint for a quote to pay the invoice.
func (w *Wallet) RequestMeltQuote(ctx context.Context, invoice string) (*nut05.PostMeltQuoteBolt11Response, error) {
	return w.client.PostMeltQuoteBolt11(ctx, nut05.PostMeltQuoteBolt11Request{
		Request: invoice,
		Unit:    w.unit.String(),
	})
}

type MeltPreview struct {
	mu       sync.Mutex
	consumed bool

	quoteId string
	inputs  cashu.Proofs
	outputs *outputSet
	keyset  *crypto.WalletKeyset
	sigAll  bool

	amount     uint64
	feeReserve uint64
	inputFee   uint64
}

func (p *MeltPreview) Amount() uint64 { return p.amount }

// FeeReserve is the lightning fee reserve quoted by the mint. The
// unused portion comes back as change.
func (p *MeltPreview) FeeReserve() uint64 { return p.feeReserve }

// InputFee is the swap fee owed on the selected inputs.
func (p *MeltPreview) InputFee() uint64 { return p.inputFee }

func (p *MeltPreview) consume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed {
		return ErrPreviewConsumed
	}
	p.consumed = true
	return nil
}

// PrepareMelt stages paying a melt quote: selects proofs covering
// amount plus fee reserve and builds blank outputs for the overpaid
// portion of the reserve.
func (w *Wallet) PrepareMelt(ctx context.Context, quote *nut05.PostMeltQuoteBolt11Response) (*MeltPreview, error) {
	keyset, err := w.getActiveKeyset(ctx)
	if err != nil {
		return nil, err
	}

	target := quote.Amount + quote.FeeReserve
	selected, err := selectProofsToSend(w.db.GetProofs(), target, w.feePpk, true, false)
	if err != nil {
		return nil, err
	}

	// blank outputs for the change off the fee reserve
	blankCount := blankOutputCount(quote.FeeReserve)
	blankAmounts := make([]uint64, blankCount)
	for i := range blankAmounts {
		blankAmounts[i] = 1
	}
	outputs, err := w.newOutputs(blankAmounts, keyset, DeterministicOutputs())
	if err != nil {
		return nil, err
	}

	return &MeltPreview{
		quoteId:    quote.Quote,
		inputs:     selected,
		outputs:    outputs,
		keyset:     keyset,
		sigAll:     nut11.ProofsSigAll(selected),
		amount:     quote.Amount,
		feeReserve: quote.FeeReserve,
		inputFee:   w.fees(selected),
	}, nil
}

type MeltResult struct {
	Paid     bool
	Preimage string
	Change   uint64
}

// CompleteMelt submits the staged melt. On payment the inputs are
// deleted and change signatures over the blank outputs are unblinded
// and stored.
func (w *Wallet) CompleteMelt(ctx context.Context, preview *MeltPreview) (*MeltResult, error) {
	if err := preview.consume(); err != nil {
		return nil, err
	}

	inputs, err := w.signInputs(preview.inputs, preview.outputs.messages, preview.sigAll)
	if err != nil {
		return nil, err
	}

	meltResponse, err := w.client.PostMeltBolt11(ctx, nut05.PostMeltBolt11Request{
		Quote:   preview.quoteId,
		Inputs:  inputs,
		Outputs: preview.outputs.messages,
	})
	if err != nil {
		return nil, err
	}

	if !meltResponse.Paid {
		// inputs are untouched, counters for the blank outputs are burned
		return &MeltResult{Paid: false}, nil
	}

	result := &MeltResult{Paid: true, Preimage: meltResponse.Preimage}

	if len(meltResponse.Change) > 0 {
		if len(meltResponse.Change) > len(preview.outputs.messages) {
			return nil, fmt.Errorf("%w: %d change signatures over %d blank outputs",
				ErrSignatureCountMismatch, len(meltResponse.Change), len(preview.outputs.messages))
		}

		change, err := w.constructProofs(meltResponse.Change,
			preview.outputs.slice(len(meltResponse.Change)), preview.keyset)
		if err != nil {
			return nil, err
		}
		if err := w.db.SaveProofs(change); err != nil {
			return nil, fmt.Errorf("error saving change proofs: %v", err)
		}
		result.Change = change.Amount()
	}

	for _, proof := range preview.inputs {
		w.db.DeleteProof(proof.Secret)
	}

	return result, nil
}

// blankOutputCount is max(ceil(log2(feeReserve)), 1), enough blank
// outputs to return any overpaid amount up to the reserve.
func blankOutputCount(feeReserve uint64) int {
	if feeReserve == 0 {
		return 0
	}
	count := bits.Len64(feeReserve - 1)
	if count < 1 {
		count = 1
	}
	return count
}

// ------------------------------------------------------------------
// proof states and witnesses
// ------------------------------------------------------------------

// CheckProofsSpent asks the mint for the state of the proofs, in the
// same order.
func (w *Wallet) CheckProofsSpent(ctx context.Context, proofs cashu.Proofs) ([]nut07.ProofState, error) {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, err
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}

	stateResponse, err := w.client.PostCheckProofState(ctx, nut07.PostCheckStateRequest{Ys: Ys})
	if err != nil {
		return nil, err
	}
	return stateResponse.States, nil
}

// signInputs adds P2PK witnesses to locked inputs the wallet can sign
// for. Under SIG_ALL the outputs are signed as well.
func (w *Wallet) signInputs(inputs cashu.Proofs, outputs cashu.BlindedMessages, sigAll bool) (cashu.Proofs, error) {
	locked := false
	for _, proof := range inputs {
		if nut11.IsSecretP2PK(proof) {
			locked = true
			break
		}
	}
	if !locked {
		return inputs, nil
	}

	signingKey, err := DeriveP2PK(w.masterKey)
	if err != nil {
		return nil, err
	}

	for _, proof := range inputs {
		if !nut11.IsSecretP2PK(proof) {
			continue
		}
		secret, err := nut10.DeserializeSecret(proof.Secret)
		if err != nil {
			return nil, err
		}
		if !nut11.CanSign(secret, signingKey) {
			return nil, fmt.Errorf("wallet key cannot sign proof locked to '%v'", secret.Data)
		}
	}

	inputs, err = nut11.AddSignatureToInputs(inputs, signingKey)
	if err != nil {
		return nil, err
	}

	if sigAll {
		if _, err := nut11.AddSignatureToOutputs(outputs, signingKey); err != nil {
			return nil, err
		}
	}

	return inputs, nil
}

// feePpk is the fee rate lookup used by proof selection.
func (w *Wallet) feePpk(keysetId string) uint {
	keyset, err := w.getWalletKeyset(keysetId)
	if err != nil {
		return 0
	}
	return keyset.InputFeePpk
}

func proofsWithout(proofs, exclude cashu.Proofs) cashu.Proofs {
	excluded := make(map[string]bool, len(exclude))
	for _, proof := range exclude {
		excluded[proof.Secret] = true
	}

	remaining := make(cashu.Proofs, 0, len(proofs))
	for _, proof := range proofs {
		if !excluded[proof.Secret] {
			remaining = append(remaining, proof)
		}
	}
	return remaining
}
