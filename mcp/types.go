// Package mcp carries x402 payments over the Model Context Protocol.
//
// A paid tool call that arrives without a payment is answered with a
// JSON-RPC error whose code is 402 and whose data is the PaymentRequired
// challenge. The client repeats the call with the payment payload in
// params._meta["x402/payment"]; the receipt comes back in
// result._meta["x402/payment-response"].
package mcp

import (
	x402 "github.com/riverventures/solana-agent-pay"
)

// Keys used in the MCP _meta objects.
const (
	MetaPayment         = "x402/payment"
	MetaPaymentResponse = "x402/payment-response"
)

// CodePaymentRequired is the JSON-RPC error code of a payment challenge.
const CodePaymentRequired = 402

// JSON-RPC error codes used for failures that are not challenges.
const (
	CodeInvalidParams = -32602
	CodeInternalError = -32603
	CodeParseError    = -32700
)

// PaymentRequired is the error.data of a 402 JSON-RPC error.
type PaymentRequired = x402.PaymentRequired
