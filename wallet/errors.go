package wallet

import "errors"

var (
	// ErrInsufficientFunds is returned when the wallet does not hold
	// enough value to satisfy a target amount, fees included.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrSelectionTimeout is returned when an exact-match selection
	// was requested but no exact solution was found within the
	// search budget. Funds may still be sufficient for an
	// overage-based selection.
	ErrSelectionTimeout = errors.New("could not find exact match within time budget")

	// ErrPreviewConsumed is returned when a complete call is made on
	// a preview that was already completed. Previews are single use
	// because their counter ranges and blinded messages must not be
	// submitted twice.
	ErrPreviewConsumed = errors.New("preview already consumed")

	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidUnit   = errors.New("invalid unit")

	// ErrSignatureCountMismatch means the mint returned a different
	// number of signatures than outputs requested. This is fatal and
	// never retried.
	ErrSignatureCountMismatch = errors.New("mint returned wrong number of signatures")

	// ErrInvalidDLEQ means a proof carried a DLEQ that failed
	// verification. When strict verification is on, the whole
	// reconstruction fails.
	ErrInvalidDLEQ = errors.New("invalid DLEQ proof")

	ErrKeysetNotFound       = errors.New("keyset not found")
	ErrInvalidKeysetId      = errors.New("keyset id does not match derived id")
	ErrMintNotTrusted       = errors.New("mint not trusted by wallet")
	ErrQuoteNotPaid         = errors.New("quote not paid")
	ErrCounterSource        = errors.New("counter source unavailable")
	ErrInvalidTokenV4       = errors.New("invalid token")
	ErrMnemonicInvalid      = errors.New("invalid mnemonic")
	ErrWalletAlreadyExists  = errors.New("wallet already exists")
	ErrRestoreNotSupported  = errors.New("mint does not support the operations needed to restore")
	ErrInvalidExplicitSplit = errors.New("explicit split does not sum to the amount")
)
