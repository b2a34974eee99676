package http

import (
	"bytes"
	"io"
	"net/http"
	"time"

	x402 "github.com/riverventures/solana-agent-pay"
	"github.com/riverventures/solana-agent-pay/http/internal/helpers"
)

// X402Transport is a RoundTripper that pays 402 challenges.
//
// It sends the request once. On a 402 it picks a requirement and signer,
// checks the balance when the signer can report one, signs, and resends the
// request exactly once with the X-PAYMENT header. The second response is
// returned as-is, even if it is another 402.
type X402Transport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Signers is the list of available payment signers.
	Signers []x402.Signer

	// Selector chooses the requirement and signer. Nil means the default.
	Selector x402.PaymentSelector

	OnPaymentAttempt x402.PaymentCallback
	OnPaymentSuccess x402.PaymentCallback
	OnPaymentFailure x402.PaymentCallback
}

func (t *X402Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *X402Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := t.base().RoundTrip(withBody(req, body))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, err := helpers.ParsePaymentRequirements(resp)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	ctx := req.Context()
	start := time.Now()
	ev := x402.PaymentEvent{Method: "HTTP", Resource: req.URL.String()}

	payment, selected, err := x402.Pay(ctx, t.Selector, t.Signers, challenge.Accepts)
	if selected != nil {
		ev.Amount = selected.MaxAmountRequired
		ev.Asset = selected.Asset
		ev.Network = selected.Network
		ev.Scheme = selected.Scheme
		ev.Recipient = selected.PayTo
	}
	if err != nil {
		t.fail(ev, err, start)
		return nil, err
	}

	ev.Type = x402.PaymentEventAttempt
	t.emit(t.OnPaymentAttempt, ev)

	header, err := helpers.BuildPaymentHeader(payment)
	if err != nil {
		err = x402.NewPaymentError(x402.ErrCodeSigningFailed, "failed to build payment header", err)
		t.fail(ev, err, start)
		return nil, err
	}

	paid := withBody(req, body)
	paid.Header.Set(x402.HeaderPayment, header)

	respPaid, err := t.base().RoundTrip(paid)
	if err != nil {
		t.fail(ev, x402.NewPaymentError(x402.ErrCodeNetworkError, "paid request failed", err), start)
		return nil, err
	}

	receipt := helpers.ParseReceipt(respPaid.Header.Get(x402.HeaderPaymentResponse))
	switch {
	case respPaid.StatusCode == http.StatusOK && receipt != nil && receipt.Success:
		ev.Type = x402.PaymentEventSuccess
		ev.Transaction = receipt.Transaction
		ev.Payer = receipt.Payer
		ev.Duration = time.Since(start)
		t.emit(t.OnPaymentSuccess, ev)
	case respPaid.StatusCode != http.StatusOK:
		t.fail(ev, x402.NewPaymentError(x402.ErrCodeVerificationFailed, "payment not accepted", nil).
			WithDetails("status", respPaid.StatusCode), start)
	}
	return respPaid, nil
}

func (t *X402Transport) fail(ev x402.PaymentEvent, err error, start time.Time) {
	ev.Type = x402.PaymentEventFailure
	ev.Error = err
	ev.Duration = time.Since(start)
	t.emit(t.OnPaymentFailure, ev)
}

func (t *X402Transport) emit(cb x402.PaymentCallback, ev x402.PaymentEvent) {
	x402.Emit([]x402.PaymentCallback{cb}, ev)
}

// bufferBody reads the request body so it can be sent twice.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

func withBody(req *http.Request, body []byte) *http.Request {
	r := req.Clone(req.Context())
	if body == nil {
		r.Body = http.NoBody
		r.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		return r
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return r
}
