package wallet

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cashukit/cashew/cashu/nuts/nut04"
	"github.com/cashukit/cashew/cashu/nuts/nut17"
	"github.com/cashukit/cashew/wallet/submanager"
)

// AwaitMintQuotePaid subscribes to updates for the mint quote over the
// mint's websocket and blocks until the quote is reported paid, the
// connection fails, or ctx is done. Callers without a websocket
// capable mint can poll MintQuoteState instead.
func (w *Wallet) AwaitMintQuotePaid(ctx context.Context, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	sm, err := submanager.NewSubscriptionManager(ctx, w.mintURL)
	if err != nil {
		return nil, err
	}
	defer sm.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// a connection error unblocks the Read below through ctx. connErr
	// is written before cancel, so observing ctx done orders the read.
	var connErr error
	errChan := make(chan error, 1)
	go sm.Run(errChan)
	go func() {
		select {
		case <-ctx.Done():
		case e := <-errChan:
			connErr = e
			cancel()
		}
	}()

	sub, err := sm.Subscribe(nut17.Bolt11MintQuote, []string{quoteId})
	if err != nil {
		return nil, err
	}

	for {
		notification, err := sub.Read(ctx)
		if err != nil {
			if connErr != nil {
				return nil, connErr
			}
			return nil, err
		}

		var quote nut04.PostMintQuoteBolt11Response
		if err := json.Unmarshal(notification.Params.Payload, &quote); err != nil {
			return nil, fmt.Errorf("malformed quote notification: %v", err)
		}
		if quote.Paid {
			return &quote, nil
		}
	}
}
