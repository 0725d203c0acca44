package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cashukit/cashew/cashu/nuts/nut04"
	"github.com/cashukit/cashew/cashu/nuts/nut17"
	"github.com/gorilla/websocket"
)

// wsMintServer serves mint info with websocket support and, on each
// subscribe request, acknowledges and then streams the given quote
// states as notifications.
func wsMintServer(t *testing.T, quotes []nut04.PostMintQuoteBolt11Response) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/info", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"test mint","nuts":{"17":{"supported":[{"method":"bolt11","unit":"sat","commands":["bolt11_mint_quote"]}]}}}`))
	})

	upgrader := websocket.Upgrader{}
	mux.HandleFunc("/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req nut17.WsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
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
		// hold the connection open until the client closes it
		conn.ReadMessage()
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestAwaitMintQuotePaid(t *testing.T) {
	quotes := []nut04.PostMintQuoteBolt11Response{
		{Quote: "quote-1", Paid: false},
		{Quote: "quote-1", Paid: true},
	}
	server := wsMintServer(t, quotes)

	w := testWallet(t, newFakeMint(t, 0))
	w.mintURL = server.URL

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	quote, err := w.AwaitMintQuotePaid(ctx, "quote-1")
	if err != nil {
		t.Fatalf("unexpected error waiting for quote payment: %v", err)
	}
	if !quote.Paid {
		t.Fatal("expected paid quote")
	}
	if quote.Quote != "quote-1" {
		t.Fatalf("expected quote id 'quote-1' but got '%v'", quote.Quote)
	}
}

func TestAwaitMintQuotePaidCancel(t *testing.T) {
	server := wsMintServer(t, nil)

	w := testWallet(t, newFakeMint(t, 0))
	w.mintURL = server.URL

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if _, err := w.AwaitMintQuotePaid(ctx, "quote-1"); err == nil {
		t.Fatal("expected error after context cancellation")
	}
}
