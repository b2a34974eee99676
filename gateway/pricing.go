package gateway

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	x402 "github.com/riverventures/solana-agent-pay"
)

// Price is one configured price table row. Exactly one of Amount (atomic
// units) or Price (whole token units, e.g. "0.01") must be set.
type Price struct {
	Path              string
	Amount            string
	Price             string
	Description       string
	MimeType          string

	// MaxTimeoutSeconds is advertised to clients in the requirements but not
	// enforced here: a Solana payload carries no signing time, so expiry is
	// left to the facilitator and the transaction's blockhash lifetime
	// (roughly 60 to 90 seconds). A shorter value does not make the gateway
	// reject older payloads. Zero means x402.DefaultMaxTimeoutSeconds.
	MaxTimeoutSeconds int
}

// Merchant is the settlement side shared by every price.
type Merchant struct {
	Network string
	Asset   string
	PayTo   string

	// Decimals converts Price values into atomic units.
	Decimals int

	// Extra is copied into every issued requirement (e.g. "feePayer").
	Extra map[string]interface{}
}

// PriceTable maps resource paths to price entries. It is immutable once
// built, so requirements issued for a path never vary.
type PriceTable struct {
	entries map[string]x402.PriceEntry
}

// NewPriceTable builds the table, converting decimal prices into atomic
// amounts. Duplicate paths, non-positive prices and prices finer than the
// asset's decimals are rejected.
func NewPriceTable(m Merchant, prices []Price) (*PriceTable, error) {
	if m.Network == "" || m.Asset == "" || m.PayTo == "" {
		return nil, fmt.Errorf("%w: network, asset and pay_to are required", x402.ErrInvalidRequirements)
	}

	t := &PriceTable{entries: make(map[string]x402.PriceEntry, len(prices))}
	for _, p := range prices {
		path := normalizePath(p.Path)
		if _, dup := t.entries[path]; dup {
			return nil, fmt.Errorf("%w: duplicate price for %s", x402.ErrInvalidRequirements, path)
		}

		amount, err := atomicAmount(p, m.Decimals)
		if err != nil {
			return nil, fmt.Errorf("price for %s: %w", path, err)
		}

		t.entries[path] = x402.PriceEntry{
			Amount:            amount,
			Asset:             m.Asset,
			Network:           m.Network,
			PayTo:             m.PayTo,
			Scheme:            x402.SchemeExact,
			Description:       p.Description,
			MimeType:          p.MimeType,
			MaxTimeoutSeconds: p.MaxTimeoutSeconds,
			Extra:             m.Extra,
		}
	}
	return t, nil
}

func atomicAmount(p Price, decimals int) (string, error) {
	switch {
	case p.Amount != "" && p.Price != "":
		return "", fmt.Errorf("%w: set amount or price, not both", x402.ErrInvalidAmount)
	case p.Amount != "":
		v, err := x402.ParseAtomicAmount(p.Amount)
		if err != nil {
			return "", err
		}
		return v.String(), nil
	case p.Price != "":
		d, err := decimal.NewFromString(p.Price)
		if err != nil {
			return "", fmt.Errorf("%w: %v", x402.ErrInvalidAmount, err)
		}
		atomic := d.Shift(int32(decimals))
		if !atomic.IsInteger() {
			return "", fmt.Errorf("%w: %s has more than %d decimals", x402.ErrInvalidAmount, p.Price, decimals)
		}
		if !atomic.IsPositive() {
			return "", x402.ErrInvalidAmount
		}
		return atomic.BigInt().String(), nil
	default:
		return "", fmt.Errorf("%w: amount or price is required", x402.ErrInvalidAmount)
	}
}

// Lookup returns the price entry for path.
func (t *PriceTable) Lookup(path string) (x402.PriceEntry, bool) {
	if t == nil {
		return x402.PriceEntry{}, false
	}
	e, ok := t.entries[normalizePath(path)]
	return e, ok
}

// Paths lists the priced paths in sorted order.
func (t *PriceTable) Paths() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.entries))
	for p := range t.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}
