package solana

import (
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/riverventures/solana-agent-pay"
)

func TestComputeBudgetInstructions(t *testing.T) {
	limit := ComputeUnitLimit(200_000)
	data, _ := limit.Data()
	if want := []byte{2, 0x40, 0x0d, 0x03, 0x00}; string(data) != string(want) {
		t.Errorf("ComputeUnitLimit data = %v; want %v", data, want)
	}
	price := ComputeUnitPrice(1)
	data, _ = price.Data()
	if len(data) != 9 || data[0] != 3 || data[1] != 1 {
		t.Errorf("ComputeUnitPrice data = %v", data)
	}
	if !limit.ProgramID().Equals(ComputeBudgetProgramID) {
		t.Errorf("program = %s", limit.ProgramID())
	}
}

func buildTransfer(t *testing.T, feePayer solana.PublicKey, owner solana.PrivateKey) string {
	t.Helper()
	mint := solana.MustPublicKeyFromBase58(x402.SolanaDevnet.USDCAddress)
	payTo := solana.NewWallet().PublicKey()
	src, _ := AssociatedTokenAddress(owner.PublicKey(), mint)
	dst, _ := AssociatedTokenAddress(payTo, mint)
	create, err := CreateIdempotentATA(feePayer, payTo, mint)
	if err != nil {
		t.Fatal(err)
	}

	tx, err := solana.NewTransaction([]solana.Instruction{
		ComputeUnitLimit(DefaultComputeUnits),
		create,
		TransferChecked(src, mint, dst, owner.PublicKey(), 10000, 6),
	}, solana.Hash{1}, solana.TransactionPayer(feePayer))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.PartialSign(func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(owner.PublicKey()) {
			return &owner
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestFindTransfer(t *testing.T) {
	owner := solana.NewWallet().PrivateKey
	feePayer := solana.NewWallet().PublicKey()
	encoded := buildTransfer(t, feePayer, owner)

	tx, err := DecodeTransaction(encoded)
	if err != nil {
		t.Fatalf("DecodeTransaction() error = %v", err)
	}
	tr, err := FindTransfer(tx)
	if err != nil {
		t.Fatalf("FindTransfer() error = %v", err)
	}
	if !tr.Owner.Equals(owner.PublicKey()) || !tr.FeePayer.Equals(feePayer) || tr.Amount != 10000 || tr.Decimals != 6 {
		t.Errorf("FindTransfer() = %+v", tr)
	}
	if tr.Mint.String() != x402.SolanaDevnet.USDCAddress {
		t.Errorf("mint = %s", tr.Mint)
	}

	if got := PayerFromTransaction(encoded); got != owner.PublicKey().String() {
		t.Errorf("PayerFromTransaction() = %q", got)
	}
	raw, _ := base64.StdEncoding.DecodeString(encoded)
	if got := PayerFromTransaction(base64.RawURLEncoding.EncodeToString(raw)); got != owner.PublicKey().String() {
		t.Errorf("PayerFromTransaction(url-safe) = %q", got)
	}
}

func TestFindTransfer_None(t *testing.T) {
	payer := solana.NewWallet()
	tx, err := solana.NewTransaction([]solana.Instruction{ComputeUnitLimit(1)}, solana.Hash{1}, solana.TransactionPayer(payer.PublicKey()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := FindTransfer(tx); !errors.Is(err, ErrNoTransfer) {
		t.Errorf("FindTransfer() error = %v; want ErrNoTransfer", err)
	}
}

func TestDecodeTransaction_Malformed(t *testing.T) {
	for _, in := range []string{"", "***", base64.StdEncoding.EncodeToString([]byte{0xff})} {
		if _, err := DecodeTransaction(in); !errors.Is(err, x402.ErrMalformedPayload) {
			t.Errorf("DecodeTransaction(%q) error = %v", in, err)
		}
		if got := PayerFromTransaction(in); got != "" {
			t.Errorf("PayerFromTransaction(%q) = %q", in, got)
		}
	}
}

func TestRPCURL(t *testing.T) {
	tests := []struct {
		network string
		want    string
		wantErr bool
	}{
		{x402.NetworkSolana, rpc.MainNetBeta_RPC, false},
		{x402.NetworkSolanaDevnet, rpc.DevNet_RPC, false},
		{x402.CAIP2SolanaDevnet, rpc.DevNet_RPC, false},
		{x402.NetworkBase, "", true},
	}
	for _, tt := range tests {
		got, err := RPCURL(tt.network)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("RPCURL(%s) = %q, %v", tt.network, got, err)
		}
	}
}

func TestIsAccountNotFound(t *testing.T) {
	if !IsAccountNotFound(rpc.ErrNotFound) || !IsAccountNotFound(fmt.Errorf("wrap: %w", rpc.ErrNotFound)) {
		t.Error("rpc.ErrNotFound not recognised")
	}
	if !IsAccountNotFound(errors.New("Invalid param: could not find account")) {
		t.Error("RPC message not recognised")
	}
	if IsAccountNotFound(nil) || IsAccountNotFound(errors.New("connection refused")) {
		t.Error("unexpected match")
	}
}
