// Package svm provides a Solana signer that pays x402 requirements with SPL
// token transfers.
package svm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/riverventures/solana-agent-pay"
	solutil "github.com/riverventures/solana-agent-pay/internal/solana"
)

// RPCClient is the subset of the Solana RPC API the signer uses.
// *rpc.Client satisfies it.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
}

var _ RPCClient = (*rpc.Client)(nil)

// Signer implements x402.Signer and x402.BalanceChecker for Solana.
type Signer struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
	network    string
	tokens     []x402.TokenConfig
	priority   int
	maxAmount  *big.Int
	rpcURL     string

	rpcOnce   sync.Once
	rpcClient RPCClient

	// knownATAs records destination token accounts seen on-chain, keyed by
	// (payTo, mint).
	knownATAs sync.Map
}

var (
	_ x402.Signer         = (*Signer)(nil)
	_ x402.BalanceChecker = (*Signer)(nil)
)

// Option configures a Signer.
type Option func(*Signer) error

// NewSigner creates a signer from a base58-encoded private key.
func NewSigner(network string, privateKeyBase58 string, tokens []x402.TokenConfig, opts ...Option) (*Signer, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, x402.ErrInvalidKey
	}
	return NewSignerFromKey(network, privateKey, tokens, opts...)
}

// NewSignerFromKey creates a signer from an existing private key.
func NewSignerFromKey(network string, key solana.PrivateKey, tokens []x402.TokenConfig, opts ...Option) (*Signer, error) {
	networkType, err := x402.ValidateNetwork(network)
	if err != nil {
		return nil, err
	}
	if networkType != x402.NetworkTypeSVM {
		return nil, fmt.Errorf("%w: expected Solana network, got %s", x402.ErrInvalidNetwork, network)
	}
	if len(tokens) == 0 {
		return nil, x402.ErrInvalidToken
	}
	for _, tok := range tokens {
		if tok.Decimals < 0 || tok.Decimals > 255 {
			return nil, fmt.Errorf("%w: invalid decimals %d for %s", x402.ErrInvalidToken, tok.Decimals, tok.Address)
		}
	}

	s := &Signer{
		privateKey: key,
		publicKey:  key.PublicKey(),
		network:    x402.NormalizeNetwork(network),
		tokens:     tokens,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewSignerFromKeygenFile creates a signer from a solana-keygen JSON file
// (a JSON array of 64 bytes).
func NewSignerFromKeygenFile(network string, path string, tokens []x402.TokenConfig, opts ...Option) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidKey, err)
	}
	var keyBytes []byte
	if err := json.Unmarshal(data, &keyBytes); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON format", x402.ErrInvalidKey)
	}
	if len(keyBytes) != 64 {
		return nil, fmt.Errorf("%w: invalid key length (expected 64 bytes)", x402.ErrInvalidKey)
	}
	return NewSignerFromKey(network, solana.PrivateKey(keyBytes), tokens, opts...)
}

// WithMaxAmount sets the maximum amount per payment call.
func WithMaxAmount(amount *big.Int) Option {
	return func(s *Signer) error {
		s.maxAmount = amount
		return nil
	}
}

// WithPriority sets the signer priority.
func WithPriority(priority int) Option {
	return func(s *Signer) error {
		s.priority = priority
		return nil
	}
}

// WithRPCClient sets the RPC client.
func WithRPCClient(client RPCClient) Option {
	return func(s *Signer) error {
		s.rpcClient = client
		return nil
	}
}

// WithRPCURL sets the RPC endpoint used when no client is injected.
func WithRPCURL(url string) Option {
	return func(s *Signer) error {
		s.rpcURL = url
		return nil
	}
}

// Network returns the wire network name.
func (s *Signer) Network() string { return s.network }

// Scheme returns the payment scheme identifier.
func (s *Signer) Scheme() string { return x402.SchemeExact }

// GetPriority returns the signer's priority level.
func (s *Signer) GetPriority() int { return s.priority }

// GetTokens returns the list of tokens supported by this signer.
func (s *Signer) GetTokens() []x402.TokenConfig { return s.tokens }

// GetMaxAmount returns the per-call spending limit, or nil if no limit is set.
func (s *Signer) GetMaxAmount() *big.Int { return s.maxAmount }

// Address returns the signer's public key.
func (s *Signer) Address() solana.PublicKey { return s.publicKey }

// CanSign checks scheme, network and asset. Mint addresses are compared
// case-sensitively.
func (s *Signer) CanSign(requirements *x402.PaymentRequirements) bool {
	if requirements == nil || requirements.Scheme != x402.SchemeExact {
		return false
	}
	if !x402.SameNetwork(requirements.Network, s.network) {
		return false
	}
	_, ok := s.token(requirements.Asset)
	return ok
}

func (s *Signer) token(asset string) (x402.TokenConfig, bool) {
	for _, tok := range s.tokens {
		if tok.Address == asset {
			return tok, true
		}
	}
	return x402.TokenConfig{}, false
}

func (s *Signer) client() (RPCClient, error) {
	var err error
	s.rpcOnce.Do(func() {
		if s.rpcClient != nil {
			return
		}
		url := s.rpcURL
		if url == "" {
			url, err = solutil.RPCURL(s.network)
			if err != nil {
				return
			}
		}
		s.rpcClient = rpc.New(url)
	})
	if s.rpcClient == nil {
		if err == nil {
			err = fmt.Errorf("%w: no RPC endpoint", x402.ErrInvalidNetwork)
		}
		return nil, err
	}
	return s.rpcClient, nil
}

// Balance returns the signer's balance of asset in atomic units. A missing
// token account is a zero balance.
func (s *Signer) Balance(ctx context.Context, asset string) (*big.Int, error) {
	mint, err := solana.PublicKeyFromBase58(asset)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid mint address: %v", x402.ErrInvalidToken, err)
	}
	ata, err := solutil.AssociatedTokenAddress(s.publicKey, mint)
	if err != nil {
		return nil, err
	}
	client, err := s.client()
	if err != nil {
		return nil, err
	}

	ctx, cancel := x402.Bound(ctx, x402.DefaultTimeouts.VerifyTimeout)
	defer cancel()
	res, err := client.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
	if err != nil {
		if solutil.IsAccountNotFound(err) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("failed to read token balance: %w", err)
	}
	if res == nil || res.Value == nil {
		return new(big.Int), nil
	}
	bal, ok := new(big.Int).SetString(res.Value.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token balance %q", res.Value.Amount)
	}
	return bal, nil
}

// Sign builds a TransferChecked of exactly maxAmountRequired to payTo's
// associated token account and signs it.
//
// When requirements name extra.feePayer, that account pays the fees and any
// destination account rent; the transaction is partially signed and the
// facilitator adds the fee payer signature. Otherwise the signer pays and
// fully signs.
func (s *Signer) Sign(ctx context.Context, requirements *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if !s.CanSign(requirements) {
		return nil, x402.ErrNoValidSigner
	}

	amount, err := x402.ParseAtomicAmount(requirements.MaxAmountRequired)
	if err != nil {
		return nil, err
	}
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, x402.ErrAmountExceeded
	}
	if !amount.IsUint64() {
		return nil, x402.ErrAmountExceeded
	}

	mint, err := solana.PublicKeyFromBase58(requirements.Asset)
	if err != nil {
		return nil, fmt.Errorf("invalid mint address: %w", err)
	}
	recipient, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	tok, _ := s.token(requirements.Asset)

	feePayer, err := feePayerOf(requirements)
	if err != nil {
		return nil, err
	}
	if feePayer.IsZero() {
		feePayer = s.publicKey
	}

	client, err := s.client()
	if err != nil {
		return nil, err
	}

	ctx, cancel := x402.Bound(ctx, x402.DefaultTimeouts.VerifyTimeout)
	defer cancel()

	recent, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash: %w", err)
	}
	if recent == nil || recent.Value == nil {
		return nil, fmt.Errorf("failed to get blockhash: empty response")
	}

	instructions := []solana.Instruction{
		solutil.ComputeUnitLimit(solutil.DefaultComputeUnits),
		solutil.ComputeUnitPrice(solutil.DefaultComputeUnitPrice),
	}

	destATA, err := solutil.AssociatedTokenAddress(recipient, mint)
	if err != nil {
		return nil, err
	}
	if !s.destinationExists(ctx, client, recipient, mint, destATA) {
		create, err := solutil.CreateIdempotentATA(feePayer, recipient, mint)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, create)
	}

	sourceATA, err := solutil.AssociatedTokenAddress(s.publicKey, mint)
	if err != nil {
		return nil, err
	}
	instructions = append(instructions,
		solutil.TransferChecked(sourceATA, mint, destATA, s.publicKey, amount.Uint64(), uint8(tok.Decimals)))

	tx, err := solana.NewTransaction(instructions, recent.Value.Blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.publicKey) {
			return &s.privateKey
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction: %w", err)
	}

	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      requirements.Scheme,
		Network:     requirements.Network,
		Payload:     x402.SVMPayload{Transaction: base64.StdEncoding.EncodeToString(raw)},
	}, nil
}

// destinationExists reports whether payTo's token account is already
// on-chain. Positive answers are cached; a lookup error is treated as
// missing so the idempotent create is included.
func (s *Signer) destinationExists(ctx context.Context, client RPCClient, owner, mint, ata solana.PublicKey) bool {
	key := owner.String() + "/" + mint.String()
	if _, ok := s.knownATAs.Load(key); ok {
		return true
	}
	info, err := client.GetAccountInfo(ctx, ata)
	if err != nil || info == nil || info.Value == nil {
		return false
	}
	s.knownATAs.Store(key, struct{}{})
	return true
}

// feePayerOf returns extra.feePayer, or the zero key when absent.
func feePayerOf(requirements *x402.PaymentRequirements) (solana.PublicKey, error) {
	v, ok := requirements.Extra["feePayer"]
	if !ok || v == nil {
		return solana.PublicKey{}, nil
	}
	str, ok := v.(string)
	if !ok || str == "" {
		return solana.PublicKey{}, fmt.Errorf("%w: feePayer must be a base58 string", x402.ErrInvalidRequirements)
	}
	pk, err := solana.PublicKeyFromBase58(str)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: invalid feePayer address: %v", x402.ErrInvalidRequirements, err)
	}
	return pk, nil
}
