package x402

import "errors"

// Gateway-side sentinel errors. Each maps to one error code below.
var (
	// ErrMalformedPayload indicates the X-PAYMENT header could not be decoded
	// into a complete payload.
	ErrMalformedPayload = errors.New("x402: malformed payment payload")

	// ErrRequirementMismatch indicates the payload's scheme or network does not
	// match any requirement issued for the resource.
	ErrRequirementMismatch = errors.New("x402: payment does not match requirements")

	// ErrDuplicatePayment indicates the payload's fingerprint was already reserved.
	ErrDuplicatePayment = errors.New("x402: duplicate payment")

	// ErrProviderUnavailable indicates the upstream provider failed.
	ErrProviderUnavailable = errors.New("x402: provider unavailable")

	// ErrFacilitatorUnavailable indicates the facilitator could not be reached
	// or did not return a verdict.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator service unavailable")

	// ErrVerificationFailed indicates the facilitator judged the proof invalid.
	ErrVerificationFailed = errors.New("x402: payment verification failed")

	// ErrSettlementFailed indicates settlement did not complete.
	ErrSettlementFailed = errors.New("x402: payment settlement failed")

	// ErrResourceNotFound indicates no price is configured for the resource.
	ErrResourceNotFound = errors.New("x402: resource not priced")
)

// Client-side sentinel errors.
var (
	// ErrNoValidSigner indicates no signer can satisfy the payment requirements.
	ErrNoValidSigner = errors.New("x402: no signer can satisfy payment requirements")

	// ErrAmountExceeded indicates the payment amount exceeds the per-call limit.
	ErrAmountExceeded = errors.New("x402: payment amount exceeds per-call limit")

	// ErrInsufficientBalance indicates the payer cannot cover the amount.
	ErrInsufficientBalance = errors.New("x402: insufficient balance")

	// ErrInvalidRequirements indicates the payment requirements are invalid.
	ErrInvalidRequirements = errors.New("x402: invalid payment requirements")

	// ErrSigningFailed indicates the payment signing operation failed.
	ErrSigningFailed = errors.New("x402: payment signing failed")

	ErrInvalidAmount = errors.New("x402: invalid amount")

	ErrInvalidKey = errors.New("x402: invalid private key")

	// ErrInvalidNetwork indicates an unsupported network.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrInvalidToken indicates invalid token configuration.
	ErrInvalidToken = errors.New("x402: invalid token configuration")

	// ErrNoTokens indicates no tokens are configured for the signer.
	ErrNoTokens = errors.New("x402: no tokens configured")

	// ErrUnsupportedVersion indicates an unsupported x402 protocol version.
	ErrUnsupportedVersion = errors.New("x402: unsupported protocol version")

	// ErrUnsupportedScheme indicates an unsupported payment scheme.
	ErrUnsupportedScheme = errors.New("x402: unsupported payment scheme")
)

// ErrorCode represents payment error codes for programmatic handling.
// Codes are sent to clients in the "code" field of error bodies.
type ErrorCode string

const (
	ErrCodeResourceNotFound       ErrorCode = "RESOURCE_NOT_FOUND"
	ErrCodeMalformedPayload       ErrorCode = "MALFORMED_PAYLOAD"
	ErrCodeRequirementMismatch    ErrorCode = "REQUIREMENT_MISMATCH"
	ErrCodeVerificationFailed     ErrorCode = "VERIFICATION_FAILED"
	ErrCodeDuplicatePayment       ErrorCode = "DUPLICATE_PAYMENT"
	ErrCodeProviderUnavailable    ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrCodeFacilitatorUnavailable ErrorCode = "FACILITATOR_UNAVAILABLE"
	ErrCodeDedupeUnavailable      ErrorCode = "DEDUPE_UNAVAILABLE"
	ErrCodeSettlementFailed       ErrorCode = "SETTLEMENT_FAILED"

	// ErrCodeInvalidRequest marks a request the gateway could not read,
	// such as an oversized or truncated body. No payment was inspected.
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"

	// ErrCodeNoValidSigner indicates no signer can satisfy requirements.
	ErrCodeNoValidSigner ErrorCode = "NO_VALID_SIGNER"

	// ErrCodeAmountExceeded indicates payment exceeds limits.
	ErrCodeAmountExceeded ErrorCode = "AMOUNT_EXCEEDED"

	// ErrCodeInsufficientBalance indicates the wallet cannot cover the price.
	ErrCodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"

	// ErrCodeInvalidRequirements indicates invalid server requirements.
	ErrCodeInvalidRequirements ErrorCode = "INVALID_REQUIREMENTS"

	// ErrCodeSigningFailed indicates signing operation failed.
	ErrCodeSigningFailed ErrorCode = "SIGNING_FAILED"

	// ErrCodeNetworkError indicates network communication error.
	ErrCodeNetworkError ErrorCode = "NETWORK_ERROR"

	// ErrCodeUnsupportedScheme indicates unsupported payment scheme or network.
	ErrCodeUnsupportedScheme ErrorCode = "UNSUPPORTED_SCHEME"
)

// PaymentError provides structured error information.
type PaymentError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new PaymentError with the given code and message.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the ErrorCode carried by err, or "" when err is not a
// PaymentError.
func CodeOf(err error) ErrorCode {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
