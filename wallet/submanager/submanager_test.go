package submanager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cashukit/cashew/cashu/nuts/nut04"
	"github.com/cashukit/cashew/cashu/nuts/nut17"
	"github.com/gorilla/websocket"
)

const mintInfoJSON = `{"name":"test mint","nuts":{"17":{"supported":[{"method":"bolt11","unit":"sat","commands":["bolt11_mint_quote","bolt11_melt_quote","proof_state"]}]}}}`

// fakeMintServer serves a minimal mint with websocket support. On each
// subscribe request it acknowledges and then sends one notification per
// quote in quotes, echoing the requested subId.
func fakeMintServer(t *testing.T, quotes []nut04.PostMintQuoteBolt11Response) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/info", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(mintInfoJSON))
	})

	upgrader := websocket.Upgrader{}
	mux.HandleFunc("/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var req nut17.WsRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Method != nut17.SUBSCRIBE {
				continue
			}

			ack := nut17.WsResponse{
				JsonRPC: nut17.JSONRPC_2,
				Result:  nut17.Result{Status: nut17.OK, SubId: req.Params.SubId},
				Id:      req.Id,
			}
			if err := conn.WriteJSON(ack); err != nil {
				return
			}

			for _, quote := range quotes {
				payload, err := json.Marshal(quote)
				if err != nil {
					t.Errorf("could not marshal quote: %v", err)
					return
				}
				notification := nut17.WsNotification{
					JsonRPC: nut17.JSONRPC_2,
					Method:  req.Params.Kind,
					Params: nut17.NotificationParams{
						SubId:   req.Params.SubId,
						Payload: payload,
					},
				}
				if err := conn.WriteJSON(notification); err != nil {
					return
				}
			}
		}
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestSubscribeMintQuote(t *testing.T) {
	quotes := []nut04.PostMintQuoteBolt11Response{
		{Quote: "quote-1", Paid: false},
		{Quote: "quote-1", Paid: true},
	}
	server := fakeMintServer(t, quotes)

	ctx := context.Background()
	sm, err := NewSubscriptionManager(ctx, server.URL)
	if err != nil {
		t.Fatalf("unexpected error creating subscription manager: %v", err)
	}

	errChan := make(chan error, 1)
	go sm.Run(errChan)

	sub, err := sm.Subscribe(nut17.Bolt11MintQuote, []string{"quote-1"})
	if err != nil {
		t.Fatalf("unexpected error subscribing: %v", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var got []bool
	for i := 0; i < 2; i++ {
		notification, err := sub.Read(readCtx)
		if err != nil {
			t.Fatalf("unexpected error reading notification: %v", err)
		}
		if notification.Params.SubId != sub.SubId() {
			t.Fatalf("expected subId '%v' but got '%v'", sub.SubId(), notification.Params.SubId)
		}
		var quote nut04.PostMintQuoteBolt11Response
		if err := json.Unmarshal(notification.Params.Payload, &quote); err != nil {
			t.Fatalf("unexpected error unmarshalling payload: %v", err)
		}
		got = append(got, quote.Paid)
	}
	if got[0] || !got[1] {
		t.Fatalf("expected paid states [false true] but got %v", got)
	}

	// Close must return even while the reader is blocked on the
	// connection, and the shutdown must not surface as a read error.
	closed := make(chan error, 1)
	go func() { closed <- sm.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("unexpected error closing subscription manager: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	select {
	case err := <-errChan:
		t.Fatalf("unexpected connection error after close: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeUnsupportedKind(t *testing.T) {
	server := fakeMintServer(t, nil)

	sm, err := NewSubscriptionManager(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("unexpected error creating subscription manager: %v", err)
	}
	defer sm.Close()

	if sm.IsSubscriptionKindSupported(nut17.Unknown) {
		t.Fatal("expected unknown subscription kind to be unsupported")
	}
	if _, err := sm.Subscribe(nut17.Unknown, []string{"quote-1"}); err == nil {
		t.Fatal("expected error subscribing with unsupported kind")
	}
}

func TestSubscriptionsNotSupported(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/info", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"test mint","nuts":{}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, err := NewSubscriptionManager(context.Background(), server.URL)
	if !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected error '%v' but got '%v'", ErrNotSupported, err)
	}
}
