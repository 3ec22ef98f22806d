package facilitator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/mechanisms/evm"
	"github.com/x402-foundation/x402-tabs/mechanisms/svm"
)

const (
	nativeEVMDecimals = 18
	lamportDecimals   = 9
)

// BalanceStatus is the gas balance of one facilitator identity against its
// operational floor.
type BalanceStatus struct {
	Family     x402.Family     `json:"family"`
	Network    x402.Network    `json:"network"`
	Address    string          `json:"address"`
	Balance    decimal.Decimal `json:"balance"`
	Threshold  decimal.Decimal `json:"threshold"`
	Sufficient bool            `json:"sufficient"`
	Error      string          `json:"error,omitempty"`
}

// CheckFacilitatorBalance reports the gas balance of every configured
// identity. A failed read is reported in the status, not returned.
func (f *Facilitator) CheckFacilitatorBalance(ctx context.Context) ([]BalanceStatus, error) {
	if f.evmSigner == nil && f.svmSigner == nil {
		return nil, x402.NewNotConfiguredError("no facilitator identity is configured")
	}

	var statuses []BalanceStatus
	if f.evmSigner != nil {
		status := BalanceStatus{
			Family:    x402.FamilyEVM,
			Network:   f.evmNetwork,
			Address:   f.evmSigner.Address(),
			Threshold: evm.FormatAmount(evm.NativeBalanceFloor, nativeEVMDecimals),
		}
		wei, err := f.evmSigner.GetNativeBalance(ctx, f.evmSigner.Address())
		if err != nil {
			status.Error = err.Error()
		} else {
			status.Balance = evm.FormatAmount(wei, nativeEVMDecimals)
			status.Sufficient = wei.Cmp(evm.NativeBalanceFloor) >= 0
			f.metrics.FacilitatorBalance(ctx, string(x402.FamilyEVM), status.Balance.InexactFloat64())
		}
		statuses = append(statuses, status)
	}
	if f.svmSigner != nil {
		status := BalanceStatus{
			Family:    x402.FamilySVM,
			Network:   f.svmNetwork,
			Address:   f.svmSigner.Address().String(),
			Threshold: svm.FormatAmount(svm.FeePayerBalanceFloor, lamportDecimals),
		}
		lamports, err := f.svmSigner.GetBalance(ctx, f.svmSigner.Address())
		if err != nil {
			status.Error = err.Error()
		} else {
			status.Balance = svm.FormatAmount(lamports, lamportDecimals)
			status.Sufficient = lamports >= svm.FeePayerBalanceFloor
			f.metrics.FacilitatorBalance(ctx, string(x402.FamilySVM), status.Balance.InexactFloat64())
		}
		statuses = append(statuses, status)
	}

	for _, s := range statuses {
		if !s.Sufficient {
			f.logger.Warn().
				Str("family", string(s.Family)).
				Str("address", s.Address).
				Str("balance", s.Balance.String()).
				Str("error", s.Error).
				Msg("facilitator balance below floor")
		}
	}
	return statuses, nil
}

// GetTokenBalance returns the token balance of address on network.
func (f *Facilitator) GetTokenBalance(ctx context.Context, network x402.Network, token, address string) (decimal.Decimal, error) {
	if _, err := f.NetworkFor(network); err != nil {
		return decimal.Zero, err
	}

	if network.Family() == x402.FamilyEVM {
		token = f.resolveToken(token)
		if !evm.IsValidAddress(token) || !evm.IsValidAddress(address) {
			return decimal.Zero, x402.NewValidationError("invalid token or account address")
		}
		_, decimals, err := f.permitDomain(ctx, token)
		if err != nil {
			return decimal.Zero, err
		}
		raw, err := f.evmSigner.ReadContract(ctx, token, evm.ERC20BalanceOfABI, evm.FunctionBalanceOf, common.HexToAddress(address))
		if err != nil {
			return decimal.Zero, x402.NewChainReadError("read token balance", err)
		}
		balance, ok := raw.(*big.Int)
		if !ok {
			return decimal.Zero, x402.NewChainReadError("read token balance", fmt.Errorf("unexpected type %T", raw))
		}
		return evm.FormatAmount(balance, decimals), nil
	}

	owner, err := svm.ParsePublicKey("account", address)
	if err != nil {
		return decimal.Zero, x402.NewValidationError("%v", err)
	}
	mint, err := svm.ParsePublicKey("mint", f.resolveMint(token))
	if err != nil {
		return decimal.Zero, x402.NewValidationError("%v", err)
	}
	decimals, err := f.mintDecimals(ctx, mint)
	if err != nil {
		return decimal.Zero, err
	}
	amount, err := f.svmSigner.GetTokenBalance(ctx, owner, mint)
	if err != nil {
		return decimal.Zero, x402.NewChainReadError("read token balance", err)
	}
	return svm.FormatAmount(amount, decimals), nil
}
