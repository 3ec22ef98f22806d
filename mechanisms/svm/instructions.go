package svm

import (
	"encoding/binary"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// BuildSetComputeUnitLimitInstruction creates a SetComputeUnitLimit instruction.
// Format: [2, units (u32 little-endian)]
func BuildSetComputeUnitLimitInstruction(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = discriminatorSetComputeUnitLimit
	binary.LittleEndian.PutUint32(data[1:], units)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// BuildSetComputeUnitPriceInstruction creates a SetComputeUnitPrice instruction.
// Format: [3, microlamports (u64 little-endian)]
func BuildSetComputeUnitPriceInstruction(microlamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = discriminatorSetComputeUnitPrice
	binary.LittleEndian.PutUint64(data[1:], microlamports)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// BuildTransferCheckedInstruction creates an SPL Token TransferChecked
// instruction moving amount from owner's ATA to recipient's ATA.
func BuildTransferCheckedInstruction(owner, recipient, mint solana.PublicKey, amount uint64, decimals uint8) (solana.Instruction, error) {
	source, err := DeriveAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}
	destination, err := DeriveAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return nil, err
	}
	ix, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(source).
		SetMintAccount(mint).
		SetDestinationAccount(destination).
		SetOwnerAccount(owner).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer instruction: %w", err)
	}
	return ix, nil
}

// DeriveAssociatedTokenAddress derives an Associated Token Account (ATA) address.
func DeriveAssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive ATA: %w", err)
	}
	return ata, nil
}

// BuildCreateIdempotentATAInstruction creates an idempotent Associated Token
// Account creation instruction. It succeeds even if the account already exists.
//
// Accounts:
// [0] payer (signer, writable) - Funds the account creation if needed
// [1] associatedToken (writable) - The ATA to create
// [2] owner - The owner of the new ATA
// [3] mint - The SPL token mint
// [4] systemProgram - System program ID
// [5] tokenProgram - SPL Token program ID
func BuildCreateIdempotentATAInstruction(payer, owner, mint solana.PublicKey) (solana.Instruction, error) {
	ata, err := DeriveAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsSigner: false, IsWritable: true},
		{PublicKey: owner, IsSigner: false, IsWritable: false},
		{PublicKey: mint, IsSigner: false, IsWritable: false},
		{PublicKey: SystemProgramID, IsSigner: false, IsWritable: false},
		{PublicKey: TokenProgramID, IsSigner: false, IsWritable: false},
	}
	return solana.NewInstruction(AssociatedTokenProgramID, accounts, []byte{discriminatorCreateIdempotent}), nil
}

// BuildMemoInstruction creates a memo instruction that the given signers must sign.
func BuildMemoInstruction(memo string, signers ...solana.PublicKey) solana.Instruction {
	accounts := make(solana.AccountMetaSlice, 0, len(signers))
	for _, s := range signers {
		accounts = append(accounts, &solana.AccountMeta{PublicKey: s, IsSigner: true, IsWritable: false})
	}
	return solana.NewInstruction(MemoProgramID, accounts, []byte(memo))
}

// DecodeTransferChecked decodes a compiled TransferChecked instruction.
// Data layout: [12, amount (u64 LE), decimals (u8)].
func DecodeTransferChecked(tx *solana.Transaction, ix solana.CompiledInstruction) (*TransferChecked, error) {
	if len(ix.Data) != 10 || ix.Data[0] != discriminatorTransferChecked {
		return nil, fmt.Errorf("not a TransferChecked instruction")
	}
	if len(ix.Accounts) < 4 {
		return nil, fmt.Errorf("TransferChecked needs 4 accounts, got %d", len(ix.Accounts))
	}
	keys := make([]solana.PublicKey, 4)
	for i := 0; i < 4; i++ {
		k, err := accountAt(tx, ix.Accounts[i])
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return &TransferChecked{
		Source:      keys[0],
		Mint:        keys[1],
		Destination: keys[2],
		Owner:       keys[3],
		Amount:      binary.LittleEndian.Uint64(ix.Data[1:9]),
		Decimals:    ix.Data[9],
	}, nil
}

func accountAt(tx *solana.Transaction, idx uint16) (solana.PublicKey, error) {
	if int(idx) >= len(tx.Message.AccountKeys) {
		return solana.PublicKey{}, fmt.Errorf("account index %d out of range", idx)
	}
	return tx.Message.AccountKeys[idx], nil
}
