package x402

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Fingerprint is the stable identity of a payment proof: the hex BLAKE3 hash
// of the decoded transaction bytes. Two encodings of the same signed
// transaction share a fingerprint.
type Fingerprint string

// FingerprintOf hashes the payload's transaction blob.
func FingerprintOf(payload *PaymentPayload) (Fingerprint, error) {
	raw, err := DecodeTransaction(payload.Payload.Transaction)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(raw)
	return Fingerprint(hex.EncodeToString(sum[:])), nil
}

// DecodeTransaction decodes a transport-encoded transaction in any of the
// four base64 alphabets.
func DecodeTransaction(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty transaction", ErrMalformedPayload)
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(s); err == nil && len(raw) > 0 {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("%w: transaction is not base64", ErrMalformedPayload)
}

func (f Fingerprint) String() string { return string(f) }
