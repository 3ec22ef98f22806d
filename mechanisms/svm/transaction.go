package svm

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
)

// Validation errors returned by ValidateTransfer and ValidateRegistration.
var (
	ErrFeePayerMismatch     = errors.New("fee payer is not the facilitator")
	ErrFeePayerInAccounts   = errors.New("fee payer appears in instruction accounts")
	ErrUnexpectedProgram    = errors.New("transaction calls a disallowed program")
	ErrComputePriceTooHigh  = errors.New("compute unit price exceeds limit")
	ErrTransferMismatch     = errors.New("transfer does not match the payment")
	ErrRegistrationMismatch = errors.New("registration does not match the request")
	ErrSenderSignature      = errors.New("sender signature is invalid")
)

// NewSponsoredTransaction builds a legacy transaction with feePayer as the
// first account and allocates an empty signature slot for every signer.
func NewSponsoredTransaction(instructions []solana.Instruction, blockhash solana.Hash, feePayer solana.PublicKey) (*solana.Transaction, error) {
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	return tx, nil
}

// BuildTransferInstructions returns the instruction list of a sponsored transfer.
func BuildTransferInstructions(sender, recipient, mint solana.PublicKey, amount uint64, decimals uint8) ([]solana.Instruction, error) {
	transfer, err := BuildTransferCheckedInstruction(sender, recipient, mint, amount, decimals)
	if err != nil {
		return nil, err
	}
	return []solana.Instruction{
		BuildSetComputeUnitLimitInstruction(DefaultComputeUnits),
		BuildSetComputeUnitPriceInstruction(DefaultComputeUnitPrice),
		transfer,
	}, nil
}

// BuildRegistrationInstructions returns the instruction list that creates
// account's token account for mint, funded by feePayer and authorised by a
// memo the account signs.
func BuildRegistrationInstructions(feePayer, account, mint solana.PublicKey) ([]solana.Instruction, error) {
	create, err := BuildCreateIdempotentATAInstruction(feePayer, account, mint)
	if err != nil {
		return nil, err
	}
	return []solana.Instruction{
		BuildSetComputeUnitLimitInstruction(DefaultComputeUnits),
		BuildSetComputeUnitPriceInstruction(DefaultComputeUnitPrice),
		create,
		BuildMemoInstruction(RegistrationMemoPrefix+mint.String(), account),
	}, nil
}

// EncodeTransaction serializes a transaction to base64.
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTransaction parses base64 transaction bytes.
func DecodeTransaction(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("invalid transaction encoding: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	if need := int(tx.Message.Header.NumRequiredSignatures); len(tx.Signatures) < need {
		sigs := make([]solana.Signature, need)
		copy(sigs, tx.Signatures)
		tx.Signatures = sigs
	}
	return tx, nil
}

// DecodeAuthenticator parses a base64 or base58 encoded 64-byte ed25519 signature.
func DecodeAuthenticator(encoded string) (solana.Signature, error) {
	encoded = strings.TrimSpace(encoded)
	if raw, err := base64.StdEncoding.DecodeString(encoded); err == nil && len(raw) == ed25519.SignatureSize {
		var sig solana.Signature
		copy(sig[:], raw)
		return sig, nil
	}
	sig, err := solana.SignatureFromBase58(encoded)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("invalid sender authenticator: %w", err)
	}
	return sig, nil
}

// ApplySenderSignature verifies sig over the transaction message and places
// it in the sender's signature slot.
func ApplySenderSignature(tx *solana.Transaction, sender solana.PublicKey, sig solana.Signature) error {
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(sender[:]), message, sig[:]) {
		return ErrSenderSignature
	}
	idx, err := tx.GetAccountIndex(sender)
	if err != nil {
		return fmt.Errorf("sender not in transaction: %w", err)
	}
	if int(idx) >= int(tx.Message.Header.NumRequiredSignatures) {
		return fmt.Errorf("sender %s is not a required signer", sender)
	}
	if len(tx.Signatures) <= int(idx) {
		sigs := make([]solana.Signature, idx+1)
		copy(sigs, tx.Signatures)
		tx.Signatures = sigs
	}
	tx.Signatures[idx] = sig
	return nil
}

// ValidateTransfer checks that a client-returned sponsored transaction does
// exactly what the payment expects and cannot spend the fee payer's funds.
func ValidateTransfer(tx *solana.Transaction, feePayer solana.PublicKey, expected ExpectedTransfer) (*TransferChecked, error) {
	if err := checkFeePayer(tx, feePayer); err != nil {
		return nil, err
	}

	var transfer *TransferChecked
	for _, ix := range tx.Message.Instructions {
		program, err := accountAt(tx, ix.ProgramIDIndex)
		if err != nil {
			return nil, err
		}
		if err := checkNoFeePayer(tx, ix, feePayer, -1); err != nil {
			return nil, err
		}
		switch {
		case program.Equals(ComputeBudgetProgramID):
			if err := checkComputeBudget(ix); err != nil {
				return nil, err
			}
		case program.Equals(TokenProgramID):
			if transfer != nil {
				return nil, fmt.Errorf("%w: more than one transfer", ErrTransferMismatch)
			}
			transfer, err = DecodeTransferChecked(tx, ix)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTransferMismatch, err)
			}
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnexpectedProgram, program)
		}
	}
	if transfer == nil {
		return nil, fmt.Errorf("%w: no transfer instruction", ErrTransferMismatch)
	}

	wantSource, err := DeriveAssociatedTokenAddress(expected.Sender, expected.Mint)
	if err != nil {
		return nil, err
	}
	wantDest, err := DeriveAssociatedTokenAddress(expected.Recipient, expected.Mint)
	if err != nil {
		return nil, err
	}
	switch {
	case !transfer.Owner.Equals(expected.Sender):
		return nil, fmt.Errorf("%w: owner %s", ErrTransferMismatch, transfer.Owner)
	case !transfer.Mint.Equals(expected.Mint):
		return nil, fmt.Errorf("%w: mint %s", ErrTransferMismatch, transfer.Mint)
	case !transfer.Source.Equals(wantSource):
		return nil, fmt.Errorf("%w: source %s", ErrTransferMismatch, transfer.Source)
	case !transfer.Destination.Equals(wantDest):
		return nil, fmt.Errorf("%w: destination %s", ErrTransferMismatch, transfer.Destination)
	case transfer.Amount != expected.Amount:
		return nil, fmt.Errorf("%w: amount %d, expected %d", ErrTransferMismatch, transfer.Amount, expected.Amount)
	}
	return transfer, nil
}

// ValidateRegistration checks a client-returned registration transaction and
// returns the account being registered.
func ValidateRegistration(tx *solana.Transaction, feePayer, mint solana.PublicKey) (solana.PublicKey, error) {
	if err := checkFeePayer(tx, feePayer); err != nil {
		return solana.PublicKey{}, err
	}

	var owner, memoSigner solana.PublicKey
	var creates, memos int
	for _, ix := range tx.Message.Instructions {
		program, err := accountAt(tx, ix.ProgramIDIndex)
		if err != nil {
			return solana.PublicKey{}, err
		}
		switch {
		case program.Equals(ComputeBudgetProgramID):
			if err := checkNoFeePayer(tx, ix, feePayer, -1); err != nil {
				return solana.PublicKey{}, err
			}
			if err := checkComputeBudget(ix); err != nil {
				return solana.PublicKey{}, err
			}
		case program.Equals(AssociatedTokenProgramID):
			creates++
			// The fee payer may only fund the account, as account 0.
			if err := checkNoFeePayer(tx, ix, feePayer, 0); err != nil {
				return solana.PublicKey{}, err
			}
			if len(ix.Data) != 1 || ix.Data[0] != discriminatorCreateIdempotent || len(ix.Accounts) < 6 {
				return solana.PublicKey{}, fmt.Errorf("%w: not an idempotent create", ErrRegistrationMismatch)
			}
			if owner, err = accountAt(tx, ix.Accounts[2]); err != nil {
				return solana.PublicKey{}, err
			}
			ixMint, err := accountAt(tx, ix.Accounts[3])
			if err != nil {
				return solana.PublicKey{}, err
			}
			if !ixMint.Equals(mint) {
				return solana.PublicKey{}, fmt.Errorf("%w: mint %s", ErrRegistrationMismatch, ixMint)
			}
		case program.Equals(MemoProgramID):
			memos++
			if err := checkNoFeePayer(tx, ix, feePayer, -1); err != nil {
				return solana.PublicKey{}, err
			}
			if len(ix.Accounts) != 1 {
				return solana.PublicKey{}, fmt.Errorf("%w: memo must have one signer", ErrRegistrationMismatch)
			}
			if memoSigner, err = accountAt(tx, ix.Accounts[0]); err != nil {
				return solana.PublicKey{}, err
			}
		default:
			return solana.PublicKey{}, fmt.Errorf("%w: %s", ErrUnexpectedProgram, program)
		}
	}
	if creates != 1 || memos != 1 {
		return solana.PublicKey{}, fmt.Errorf("%w: expected one create and one memo", ErrRegistrationMismatch)
	}
	if !owner.Equals(memoSigner) {
		return solana.PublicKey{}, fmt.Errorf("%w: memo signer %s is not the owner", ErrRegistrationMismatch, memoSigner)
	}
	return owner, nil
}

func checkFeePayer(tx *solana.Transaction, feePayer solana.PublicKey) error {
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(feePayer) {
		return ErrFeePayerMismatch
	}
	return nil
}

// checkNoFeePayer rejects instructions referencing the fee payer, except at
// position allowed (-1 allows none).
func checkNoFeePayer(tx *solana.Transaction, ix solana.CompiledInstruction, feePayer solana.PublicKey, allowed int) error {
	for i, idx := range ix.Accounts {
		k, err := accountAt(tx, idx)
		if err != nil {
			return err
		}
		if k.Equals(feePayer) && i != allowed {
			return ErrFeePayerInAccounts
		}
	}
	return nil
}

func checkComputeBudget(ix solana.CompiledInstruction) error {
	if len(ix.Data) == 9 && ix.Data[0] == discriminatorSetComputeUnitPrice {
		if price := binary.LittleEndian.Uint64(ix.Data[1:]); price > MaxComputeUnitPrice {
			return fmt.Errorf("%w: %d", ErrComputePriceTooHigh, price)
		}
	}
	return nil
}
