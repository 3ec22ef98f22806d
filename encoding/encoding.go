// Package encoding provides utilities for encoding and decoding x402 headers.
// Every structured header is JSON serialized and then standard base64 encoded.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	x402 "github.com/x402-foundation/x402-tabs"
)

// paymentHeaderSchema is the JSON schema of a decoded X-Payment header.
const paymentHeaderSchema = `{
  "type": "object",
  "required": ["paymentId", "payer", "txHash", "timestamp"],
  "properties": {
    "paymentId": {"type": "string", "minLength": 1},
    "payer": {"type": "string", "minLength": 1},
    "txHash": {"type": "string", "minLength": 1},
    "timestamp": {"type": "integer", "minimum": 1},
    "signature": {"type": "string"}
  }
}`

var paymentSchema = mustSchema(paymentHeaderSchema)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("encoding: invalid schema: %v", err))
	}
	return schema
}

// Encode converts any header value to base64-encoded JSON.
func Encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode converts a base64-encoded JSON header into v and returns the raw JSON.
// Failures wrap x402.ErrHeaderFormat.
func Decode(header, encoded string, v interface{}) ([]byte, error) {
	raw, err := decodeBase64(encoded)
	if err != nil {
		return nil, x402.NewHeaderFormatError(header, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, x402.NewHeaderFormatError(header, fmt.Errorf("failed to unmarshal: %w", err))
	}
	return raw, nil
}

// EncodePaymentRequired encodes a 402 challenge for the X-Payment-Required header.
func EncodePaymentRequired(p x402.PaymentRequired) (string, error) {
	return Encode(p)
}

// DecodePaymentRequired decodes an X-Payment-Required header.
func DecodePaymentRequired(encoded string) (x402.PaymentRequired, error) {
	var p x402.PaymentRequired
	_, err := Decode(x402.HeaderPaymentRequired, encoded, &p)
	return p, err
}

// EncodePayment encodes a payment proof for the X-Payment header.
func EncodePayment(h x402.PaymentHeader) (string, error) {
	return Encode(h)
}

// DecodePayment decodes and schema-validates an X-Payment header. The raw
// JSON is returned so callers can key idempotency on the exact proof.
func DecodePayment(encoded string) (x402.PaymentHeader, []byte, error) {
	var h x402.PaymentHeader

	raw, err := decodeBase64(encoded)
	if err != nil {
		return h, nil, x402.NewHeaderFormatError(x402.HeaderPayment, err)
	}

	result, err := paymentSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return h, nil, x402.NewHeaderFormatError(x402.HeaderPayment, fmt.Errorf("not valid JSON: %w", err))
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return h, nil, x402.NewHeaderFormatError(x402.HeaderPayment, fmt.Errorf("%s", strings.Join(msgs, "; ")))
	}

	if err := json.Unmarshal(raw, &h); err != nil {
		return h, nil, x402.NewHeaderFormatError(x402.HeaderPayment, fmt.Errorf("failed to unmarshal: %w", err))
	}
	return h, raw, nil
}

// EncodeReceipt encodes a receipt for the X-Payment-Receipt header.
func EncodeReceipt(r x402.PaymentReceipt) (string, error) {
	return Encode(r)
}

// DecodeReceipt decodes an X-Payment-Receipt header.
func DecodeReceipt(encoded string) (x402.PaymentReceipt, error) {
	var r x402.PaymentReceipt
	_, err := Decode(x402.HeaderPaymentReceipt, encoded, &r)
	return r, err
}

func decodeBase64(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("header is empty")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	return raw, nil
}
