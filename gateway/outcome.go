package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"

	x402 "github.com/riverventures/solana-agent-pay"
	"github.com/riverventures/solana-agent-pay/provider"
)

// Outcome is the transport-neutral result of handling one request. Adapters
// write Status, Header and Body as-is; the structured fields are kept for
// transports (like MCP) that render their own envelope.
type Outcome struct {
	Status int

	// Code is empty for a successful response and a plain challenge.
	Code x402.ErrorCode

	// Message is the error text for non-200 outcomes.
	Message string

	RequestID   string
	Fingerprint x402.Fingerprint

	// Challenge is set on 402 outcomes.
	Challenge *x402.PaymentRequired

	// Response, Receipt and ReceiptHeader are set on 200 outcomes.
	Response      *provider.Response
	Receipt       *x402.Receipt
	ReceiptHeader string

	Body        []byte
	ContentType string
}

// Header returns the response headers adapters must set.
func (o *Outcome) Header() http.Header {
	h := http.Header{}
	if o.ContentType != "" {
		h.Set("Content-Type", o.ContentType)
	}
	if o.ReceiptHeader != "" {
		h.Set(x402.HeaderPaymentResponse, o.ReceiptHeader)
	}
	if o.RequestID != "" {
		h.Set("X-Request-ID", o.RequestID)
	}
	return h
}

// ErrorBody is the JSON body of 4xx and 5xx outcomes.
type ErrorBody struct {
	X402Version int            `json:"x402Version"`
	Error       string         `json:"error"`
	Code        x402.ErrorCode `json:"code"`
}

// PaymentSummary is the "payment" object added to a paid response body.
type PaymentSummary struct {
	Settled     bool    `json:"settled"`
	Transaction *string `json:"transaction"`
	Network     string  `json:"network"`
	Payer       string  `json:"payer"`
	ErrorReason string  `json:"errorReason,omitempty"`
}

// SummaryOf converts a receipt into the body summary. An empty transaction
// is rendered as null.
func SummaryOf(r x402.Receipt) PaymentSummary {
	s := PaymentSummary{
		Settled:     r.Success,
		Network:     r.Network,
		Payer:       r.Payer,
		ErrorReason: r.ErrorReason,
	}
	if r.Transaction != "" {
		tx := r.Transaction
		s.Transaction = &tx
	}
	return s
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code x402.ErrorCode) int {
	switch code {
	case x402.ErrCodeResourceNotFound:
		return http.StatusNotFound
	case x402.ErrCodeMalformedPayload, x402.ErrCodeRequirementMismatch, x402.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case x402.ErrCodeVerificationFailed:
		return http.StatusPaymentRequired
	case x402.ErrCodeDuplicatePayment:
		return http.StatusConflict
	case x402.ErrCodeProviderUnavailable:
		return http.StatusBadGateway
	case x402.ErrCodeFacilitatorUnavailable, x402.ErrCodeDedupeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (o *Outcome) fail(code x402.ErrorCode, message string) *Outcome {
	o.Status = StatusFor(code)
	o.Code = code
	o.Message = message
	o.ContentType = "application/json"
	o.Body = mustJSON(ErrorBody{X402Version: x402.X402Version, Error: message, Code: code})
	return o
}

func (o *Outcome) challenge(accepts []x402.PaymentRequirements, reason string, code x402.ErrorCode) *Outcome {
	o.Status = http.StatusPaymentRequired
	o.Code = code
	o.Message = reason
	o.Challenge = &x402.PaymentRequired{
		X402Version: x402.X402Version,
		Error:       reason,
		Accepts:     accepts,
	}
	o.ContentType = "application/json"
	o.Body = mustJSON(o.Challenge)
	return o
}

func (o *Outcome) paid(resp *provider.Response, receipt x402.Receipt, header string) *Outcome {
	o.Status = http.StatusOK
	o.Response = resp
	o.Receipt = &receipt
	o.ReceiptHeader = header
	o.ContentType = "application/json"
	o.Body = withPayment(resp.Body, SummaryOf(receipt))
	return o
}

// withPayment adds the payment summary to the provider body. A JSON object
// without a "payment" key gains one; anything else, including an object that
// already carries "payment", is wrapped as {"result", "payment"} so the
// provider's data is never overwritten.
func withPayment(body []byte, summary PaymentSummary) []byte {
	payment := mustJSON(summary)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err == nil && obj != nil {
		if _, taken := obj["payment"]; !taken {
			obj["payment"] = payment
			return mustJSON(obj)
		}
	}

	var result json.RawMessage
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		result = trimmed
	} else {
		result = mustJSON(string(body))
	}
	return mustJSON(map[string]json.RawMessage{"result": result, "payment": payment})
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Only plain structs and maps of raw JSON reach here.
		panic("gateway: " + err.Error())
	}
	return b
}
