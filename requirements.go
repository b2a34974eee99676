package x402

// Defaults applied by Issue when a PriceEntry leaves a field empty.
const (
	DefaultMaxTimeoutSeconds = 60
	DefaultMimeType          = "application/json"
)

// PriceEntry is one row of a merchant price table.
type PriceEntry struct {
	// Amount is the price in atomic units of Asset. Must be > 0.
	Amount string

	Asset   string
	Network string
	PayTo   string

	// Scheme defaults to SchemeExact.
	Scheme string

	Description string
	MimeType    string

	// MaxTimeoutSeconds defaults to DefaultMaxTimeoutSeconds. It is
	// advisory; see gateway.Price.
	MaxTimeoutSeconds int

	// Extra is passed through to the requirements untouched.
	Extra map[string]interface{}
}

// Issue builds the requirements for one access to resource priced by entry.
// It is deterministic: the same inputs always yield equal requirements.
func Issue(resource string, entry PriceEntry) (*PaymentRequirements, error) {
	if resource == "" {
		return nil, NewPaymentError(ErrCodeInvalidRequirements, "resource is required", ErrInvalidRequirements)
	}
	amount, err := ParseAtomicAmount(entry.Amount)
	if err != nil {
		return nil, NewPaymentError(ErrCodeInvalidRequirements, "amount must be a positive integer", err).
			WithDetails("amount", entry.Amount).
			WithDetails("resource", resource)
	}
	if entry.Asset == "" || entry.PayTo == "" || entry.Network == "" {
		return nil, NewPaymentError(ErrCodeInvalidRequirements, "asset, payTo and network are required", ErrInvalidRequirements).
			WithDetails("resource", resource)
	}

	scheme := entry.Scheme
	if scheme == "" {
		scheme = SchemeExact
	}
	mime := entry.MimeType
	if mime == "" {
		mime = DefaultMimeType
	}
	timeout := entry.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultMaxTimeoutSeconds
	}

	return &PaymentRequirements{
		Scheme:            scheme,
		Network:           entry.Network,
		MaxAmountRequired: amount.String(),
		Resource:          resource,
		Description:       entry.Description,
		MimeType:          mime,
		PayTo:             entry.PayTo,
		MaxTimeoutSeconds: timeout,
		Asset:             entry.Asset,
		Extra:             copyExtra(entry.Extra),
	}, nil
}

// MatchRequirement returns the requirement whose scheme and network equal the
// payload's. Networks are compared after alias normalization.
func MatchRequirement(payload *PaymentPayload, requirements []PaymentRequirements) (*PaymentRequirements, error) {
	for i := range requirements {
		req := &requirements[i]
		if req.Scheme == payload.Scheme && SameNetwork(req.Network, payload.Network) {
			return req, nil
		}
	}
	return nil, NewPaymentError(
		ErrCodeRequirementMismatch,
		"no matching requirement for network and scheme",
		ErrRequirementMismatch,
	).WithDetails("network", payload.Network).WithDetails("scheme", payload.Scheme)
}

func copyExtra(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyExtra(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	default:
		return v
	}
}
