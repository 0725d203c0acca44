// Package nut18 implements payment requests as defined in [NUT-18].
// A payment request is a CBOR-encoded structure with single-letter
// field names, serialized as "creqA" followed by the base64 of the
// CBOR bytes.
//
// [NUT-18]: https://github.com/cashubtc/nuts/blob/main/18.md
package nut18

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/cashukit/cashew/cashu"
	"github.com/fxamacker/cbor/v2"
)

const (
	PaymentRequestPrefix = "creq"
	PaymentRequestV1     = "A"
)

var ErrInvalidPaymentRequest = errors.New("invalid payment request")

type PaymentRequest struct {
	PaymentId   string      `json:"i,omitempty" cbor:"i,omitempty"`
	Amount      uint64      `json:"a,omitempty" cbor:"a,omitempty"`
	Unit        string      `json:"u,omitempty" cbor:"u,omitempty"`
	SingleUse   bool        `json:"s,omitempty" cbor:"s,omitempty"`
	Mints       []string    `json:"m,omitempty" cbor:"m,omitempty"`
	Description string      `json:"d,omitempty" cbor:"d,omitempty"`
	Transports  []Transport `json:"t" cbor:"t"`
}

type Transport struct {
	Type   string     `json:"t" cbor:"t"`
	Target string     `json:"a" cbor:"a"`
	Tags   [][]string `json:"g,omitempty" cbor:"g,omitempty"`
}

// PaymentRequestPayload is what the payer sends over the requested
// transport to settle a payment request.
type PaymentRequestPayload struct {
	Id     string       `json:"id,omitempty"`
	Memo   string       `json:"memo,omitempty"`
	Mint   string       `json:"mint"`
	Unit   string       `json:"unit"`
	Proofs cashu.Proofs `json:"proofs"`
}

func (p PaymentRequest) Encode() (string, error) {
	requestBytes, err := cbor.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("cbor.Marshal: %v", err)
	}

	request := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(requestBytes)
	return PaymentRequestPrefix + PaymentRequestV1 + request, nil
}

func DecodePaymentRequest(request string) (*PaymentRequest, error) {
	prefixVersion := PaymentRequestPrefix + PaymentRequestV1
	if !strings.HasPrefix(request, prefixVersion) {
		return nil, ErrInvalidPaymentRequest
	}

	encoded := request[len(prefixVersion):]
	requestBytes, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(encoded)
	if err != nil {
		requestBytes, err = base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, ErrInvalidPaymentRequest
		}
	}

	var paymentRequest PaymentRequest
	if err := cbor.Unmarshal(requestBytes, &paymentRequest); err != nil {
		return nil, ErrInvalidPaymentRequest
	}

	return &paymentRequest, nil
}
