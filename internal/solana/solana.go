// Package solana builds and inspects the SPL transfer transactions carried
// in payment payloads.
package solana

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/riverventures/solana-agent-pay"
)

// ComputeBudgetProgramID is the Solana Compute Budget program ID.
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// Compute budget applied to every payment transaction.
const (
	DefaultComputeUnits     uint32 = 200_000
	DefaultComputeUnitPrice uint64 = 10_000
)

// Instruction discriminators.
const (
	setComputeUnitLimit     = 2
	setComputeUnitPrice     = 3
	transferCheckedIx       = 12
	createIdempotentATAIx   = 1
	transferCheckedAccounts = 4
)

// ErrNoTransfer is returned when a transaction carries no TransferChecked.
var ErrNoTransfer = errors.New("solana: transaction has no TransferChecked instruction")

// TransferChecked builds an SPL Token TransferChecked instruction moving
// amount from owner's source account.
func TransferChecked(source, mint, destination, owner solana.PublicKey, amount uint64, decimals uint8) solana.Instruction {
	return token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(source).
		SetDestinationAccount(destination).
		SetMintAccount(mint).
		SetOwnerAccount(owner).
		Build()
}

// ComputeUnitLimit builds a SetComputeUnitLimit instruction.
func ComputeUnitLimit(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = setComputeUnitLimit
	binary.LittleEndian.PutUint32(data[1:], units)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// ComputeUnitPrice builds a SetComputeUnitPrice instruction (microlamports).
func ComputeUnitPrice(microlamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = setComputeUnitPrice
	binary.LittleEndian.PutUint64(data[1:], microlamports)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// AssociatedTokenAddress derives owner's associated token account for mint.
func AssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive associated token account: %w", err)
	}
	return ata, nil
}

// CreateIdempotentATA builds an associated token account CreateIdempotent
// instruction. payer funds the rent and must sign the transaction.
func CreateIdempotentATA(payer, owner, mint solana.PublicKey) (solana.Instruction, error) {
	ata, err := AssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.Meta(payer).WRITE().SIGNER(),
		solana.Meta(ata).WRITE(),
		solana.Meta(owner),
		solana.Meta(mint),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(solana.TokenProgramID),
	}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, []byte{createIdempotentATAIx}), nil
}

// Transfer is the TransferChecked found in a payment transaction.
type Transfer struct {
	Source      solana.PublicKey
	Mint        solana.PublicKey
	Destination solana.PublicKey
	Owner       solana.PublicKey
	Amount      uint64
	Decimals    uint8
	FeePayer    solana.PublicKey
}

// DecodeTransaction parses a transport-encoded transaction in any base64
// alphabet.
func DecodeTransaction(encoded string) (*solana.Transaction, error) {
	raw, err := x402.DecodeTransaction(encoded)
	if err != nil {
		return nil, err
	}
	tx := new(solana.Transaction)
	if err := tx.UnmarshalBase64(base64.StdEncoding.EncodeToString(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrMalformedPayload, err)
	}
	return tx, nil
}

// FindTransfer returns the first TransferChecked instruction of tx.
func FindTransfer(tx *solana.Transaction) (*Transfer, error) {
	keys := tx.Message.AccountKeys
	for _, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(keys) || !keys[ix.ProgramIDIndex].Equals(solana.TokenProgramID) {
			continue
		}
		if len(ix.Data) < 10 || ix.Data[0] != transferCheckedIx || len(ix.Accounts) < transferCheckedAccounts {
			continue
		}
		for _, idx := range ix.Accounts[:transferCheckedAccounts] {
			if int(idx) >= len(keys) {
				return nil, fmt.Errorf("%w: account index out of range", x402.ErrMalformedPayload)
			}
		}
		t := &Transfer{
			Source:      keys[ix.Accounts[0]],
			Mint:        keys[ix.Accounts[1]],
			Destination: keys[ix.Accounts[2]],
			Owner:       keys[ix.Accounts[3]],
			Amount:      binary.LittleEndian.Uint64(ix.Data[1:9]),
			Decimals:    ix.Data[9],
		}
		if len(keys) > 0 {
			t.FeePayer = keys[0]
		}
		return t, nil
	}
	return nil, ErrNoTransfer
}

// PayerFromTransaction returns the token owner of the transfer in an
// encoded transaction, or "" when it cannot be determined.
func PayerFromTransaction(encoded string) string {
	tx, err := DecodeTransaction(encoded)
	if err != nil {
		return ""
	}
	t, err := FindTransfer(tx)
	if err != nil {
		return ""
	}
	return t.Owner.String()
}

// RPCURL returns the public RPC endpoint for a Solana network name or CAIP-2
// identifier.
func RPCURL(network string) (string, error) {
	switch x402.NormalizeNetwork(network) {
	case x402.NetworkSolana:
		return rpc.MainNetBeta_RPC, nil
	case x402.NetworkSolanaDevnet:
		return rpc.DevNet_RPC, nil
	default:
		return "", fmt.Errorf("invalid network %s: %w", network, x402.ErrInvalidNetwork)
	}
}

// IsAccountNotFound reports whether an RPC error means the account does not
// exist yet.
func IsAccountNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, rpc.ErrNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "could not find account") || strings.Contains(msg, "not found")
}
