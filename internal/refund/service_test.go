package refund

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/facilitator"
	"github.com/x402-foundation/x402-tabs/internal/models"
	"github.com/x402-foundation/x402-tabs/internal/repository"
	"github.com/x402-foundation/x402-tabs/internal/repository/repotest"
	"github.com/x402-foundation/x402-tabs/mechanisms/evm"
	"github.com/x402-foundation/x402-tabs/mechanisms/svm"
)

const (
	customer    = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
	svmCustomer = "HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH"
	usdc        = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	signature   = "0x" +
		"1111111111111111111111111111111111111111111111111111111111111111" +
		"2222222222222222222222222222222222222222222222222222222222222222" + "1b"
)

type fakeFacilitator struct {
	mu        sync.Mutex
	result    x402.SettleResult
	err       error
	permits   []facilitator.PermitTransfer
	sponsored []facilitator.SponsoredTransfer
}

func (f *fakeFacilitator) Network(x402.Family) (facilitator.NetworkInfo, error) {
	return facilitator.NetworkInfo{
		Network: "eip155:84532",
		Family:  x402.FamilyEVM,
		Asset:   facilitator.Asset{Address: usdc, Symbol: "USDC", Decimals: 6},
	}, nil
}

func (f *fakeFacilitator) GenerateRefundData(_ context.Context, refundID, storeWallet, cust string, amount decimal.Decimal, token string) (*evm.PermitData, error) {
	value, err := evm.ParseAmount(amount, 6)
	if err != nil {
		return nil, err
	}
	return &evm.PermitData{
		PaymentID: refundID,
		Message:   evm.PermitMessage{Owner: storeWallet, Value: value},
		Recipient: cust,
		Value:     value.String(),
	}, nil
}

func (f *fakeFacilitator) ProcessRefund(_ context.Context, transfer facilitator.PermitTransfer) (*x402.SettleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permits = append(f.permits, transfer)
	if f.err != nil {
		return nil, f.err
	}
	res := f.result
	return &res, nil
}

func (f *fakeFacilitator) BuildFeePayerTransaction(_ context.Context, sender, recipient string, amount decimal.Decimal, mint string) (*svm.SponsoredTransaction, error) {
	return &svm.SponsoredTransaction{TransactionBytes: "dHg=", FeePayer: "fee-payer", Amount: uint64(amount.Shift(6).IntPart()), Decimals: 6}, nil
}

func (f *fakeFacilitator) SubmitSponsoredTransaction(_ context.Context, transfer facilitator.SponsoredTransfer) (*x402.SettleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sponsored = append(f.sponsored, transfer)
	res := f.result
	return &res, nil
}

func completedPayment(t *testing.T, repo *repository.Repository, network, payer, amount string) *models.Payment {
	t.Helper()
	ctx := context.Background()
	fx := repotest.SeedTab(t, repo, amount)
	p := &models.Payment{
		TabID:        fx.Tab.ID,
		StoreID:      fx.Store.ID,
		PayerAddress: payer,
		Amount:       decimal.RequireFromString(amount),
		TokenAddress: usdc,
		Network:      network,
		Scheme:       models.SchemePermit,
		Status:       models.PaymentPending,
	}
	if x402.Network(network).Family() == x402.FamilySVM {
		p.Scheme = models.SchemeSponsored
		p.TokenAddress = svm.USDCDevnetAddress
	}
	require.NoError(t, repo.CreatePayment(ctx, p))
	ok, err := repo.CompletePayment(ctx, p.ID, "0xpaid-"+p.ID, "", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	return p
}

func amountPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults to the full amount", func(t *testing.T) {
		repo := repotest.New(t)
		p := completedPayment(t, repo, "eip155:84532", customer, "50")
		svc := NewService(repo, &fakeFacilitator{})

		refund, err := svc.Create(ctx, CreateRequest{PaymentID: p.ID, Reason: "cold soup", RequestedBy: "manager"})
		require.NoError(t, err)
		assert.Equal(t, models.RefundPending, refund.Status)
		assert.True(t, decimal.NewFromInt(50).Equal(refund.Amount))
	})

	t.Run("checks in order", func(t *testing.T) {
		repo := repotest.New(t)
		p := completedPayment(t, repo, "eip155:84532", customer, "50")
		svc := NewService(repo, &fakeFacilitator{})

		_, err := svc.Create(ctx, CreateRequest{PaymentID: "missing"})
		assert.ErrorIs(t, err, x402.ErrNotFound)

		_, err = svc.Create(ctx, CreateRequest{PaymentID: p.ID, Amount: amountPtr("50.000001")})
		assert.ErrorIs(t, err, x402.ErrAmountExceedsPayment)

		_, err = svc.Create(ctx, CreateRequest{PaymentID: p.ID, Amount: amountPtr("0")})
		assert.ErrorIs(t, err, x402.ErrValidation)

		_, err = svc.Create(ctx, CreateRequest{PaymentID: p.ID, Amount: amountPtr("20")})
		require.NoError(t, err)

		_, err = svc.Create(ctx, CreateRequest{PaymentID: p.ID, Amount: amountPtr("60")})
		assert.ErrorIs(t, err, x402.ErrRefundInProgress, "in-progress is checked before the amount bound")
	})

	t.Run("payment must be completed", func(t *testing.T) {
		repo := repotest.New(t)
		fx := repotest.SeedTab(t, repo, "10")
		p := &models.Payment{TabID: fx.Tab.ID, StoreID: fx.Store.ID, Amount: decimal.NewFromInt(10), Scheme: models.SchemePermit, Status: models.PaymentPending}
		require.NoError(t, repo.CreatePayment(ctx, p))

		_, err := NewService(repo, &fakeFacilitator{}).Create(ctx, CreateRequest{PaymentID: p.ID})
		assert.ErrorIs(t, err, x402.ErrInvalidState)
	})

	t.Run("rejected refunds free the payment", func(t *testing.T) {
		repo := repotest.New(t)
		p := completedPayment(t, repo, "eip155:84532", customer, "50")
		svc := NewService(repo, &fakeFacilitator{})

		first, err := svc.Create(ctx, CreateRequest{PaymentID: p.ID})
		require.NoError(t, err)
		rejected, err := svc.Reject(ctx, first.ID, "not our fault")
		require.NoError(t, err)
		assert.Equal(t, models.RefundRejected, rejected.Status)
		assert.Equal(t, "not our fault", rejected.RejectionReason)

		_, err = svc.Create(ctx, CreateRequest{PaymentID: p.ID})
		assert.NoError(t, err)

		all, err := svc.FindByPayment(ctx, p.ID)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("concurrent creates yield one refund", func(t *testing.T) {
		repo := repotest.New(t)
		p := completedPayment(t, repo, "eip155:84532", customer, "50")
		svc := NewService(repo, &fakeFacilitator{})

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			created  int
			inFlight int
		)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Create(ctx, CreateRequest{PaymentID: p.ID, Amount: amountPtr("5")})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					created++
					return
				}
				assert.ErrorIs(t, err, x402.ErrRefundInProgress)
				inFlight++
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, created)
		assert.Equal(t, 3, inFlight)
	})
}

func TestApproveAndReject(t *testing.T) {
	ctx := context.Background()
	repo := repotest.New(t)
	p := completedPayment(t, repo, "eip155:84532", customer, "50")
	approvedAt := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	svc := NewService(repo, &fakeFacilitator{}, WithClock(func() time.Time { return approvedAt }))

	refund, err := svc.Create(ctx, CreateRequest{PaymentID: p.ID})
	require.NoError(t, err)

	approved, err := svc.Approve(ctx, refund.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAt)
	assert.True(t, approvedAt.Equal(*approved.ApprovedAt))

	_, err = svc.Approve(ctx, refund.ID)
	assert.ErrorIs(t, err, x402.ErrInvalidState)
	_, err = svc.Reject(ctx, refund.ID, "too late")
	assert.ErrorIs(t, err, x402.ErrInvalidState)
	_, err = svc.Approve(ctx, "missing")
	assert.ErrorIs(t, err, x402.ErrNotFound)
}

func TestGetRefundPermitData(t *testing.T) {
	ctx := context.Background()

	t.Run("permit family", func(t *testing.T) {
		repo := repotest.New(t)
		p := completedPayment(t, repo, "eip155:84532", customer, "50")
		svc := NewService(repo, &fakeFacilitator{})
		refund, err := svc.Create(ctx, CreateRequest{PaymentID: p.ID, Amount: amountPtr("12.5")})
		require.NoError(t, err)

		_, err = svc.GetRefundPermitData(ctx, refund.ID)
		assert.ErrorIs(t, err, x402.ErrInvalidState, "pending refunds cannot be signed")

		_, err = svc.Approve(ctx, refund.ID)
		require.NoError(t, err)
		data, err := svc.GetRefundPermitData(ctx, refund.ID)
		require.NoError(t, err)
		assert.Equal(t, KindPermit, data.Kind)
		require.NotNil(t, data.Permit)
		assert.Nil(t, data.Transaction)
		assert.Equal(t, "0x000000000000000000000000000000000000bEEF", data.Permit.Message.Owner)
		assert.Equal(t, customer, data.Permit.Recipient)
		assert.Equal(t, "12500000", data.Permit.Value)
	})

	t.Run("sponsored family", func(t *testing.T) {
		repo := repotest.New(t)
		p := completedPayment(t, repo, svm.SolanaDevnetCAIP2, svmCustomer, "8")
		svc := NewService(repo, &fakeFacilitator{})
		refund, err := svc.Create(ctx, CreateRequest{PaymentID: p.ID})
		require.NoError(t, err)
		_, err = svc.Approve(ctx, refund.ID)
		require.NoError(t, err)

		data, err := svc.GetRefundPermitData(ctx, refund.ID)
		require.NoError(t, err)
		assert.Equal(t, KindSponsored, data.Kind)
		require.NotNil(t, data.Transaction)
		assert.Nil(t, data.Permit)
		assert.Equal(t, uint64(8_000_000), data.Transaction.Amount)
	})
}

func approvedRefund(t *testing.T, svc *Service, repo *repository.Repository, network, payer string) *models.Refund {
	t.Helper()
	ctx := context.Background()
	p := completedPayment(t, repo, network, payer, "50")
	refund, err := svc.Create(ctx, CreateRequest{PaymentID: p.ID})
	require.NoError(t, err)
	refund, err = svc.Approve(ctx, refund.ID)
	require.NoError(t, err)
	return refund
}

func TestProcessRefund(t *testing.T) {
	ctx := context.Background()
	deadline := big.NewInt(time.Now().Add(time.Hour).Unix())
	permitProof := Proof{SignatureInput: evm.SignatureInput{Signature: signature}, Deadline: deadline}

	t.Run("success completes the refund", func(t *testing.T) {
		repo := repotest.New(t)
		fake := &fakeFacilitator{result: x402.SettleResult{Success: true, TxHash: "0xrefund"}}
		svc := NewService(repo, fake)
		refund := approvedRefund(t, svc, repo, "eip155:84532", customer)

		done, err := svc.ProcessRefund(ctx, refund.ID, permitProof)
		require.NoError(t, err)
		assert.Equal(t, models.RefundCompleted, done.Status)
		assert.Equal(t, "0xrefund", done.TxHash)
		assert.NotNil(t, done.ProcessedAt)

		require.Len(t, fake.permits, 1)
		assert.Equal(t, "0x000000000000000000000000000000000000bEEF", fake.permits[0].Owner)
		assert.Equal(t, customer, fake.permits[0].Recipient)
		assert.Zero(t, big.NewInt(50_000_000).Cmp(fake.permits[0].Value))

		_, err = svc.ProcessRefund(ctx, refund.ID, permitProof)
		assert.ErrorIs(t, err, x402.ErrInvalidState)

		_, err = svc.Create(ctx, CreateRequest{PaymentID: refund.PaymentID})
		assert.ErrorIs(t, err, x402.ErrRefundInProgress, "a completed refund blocks another")
	})

	t.Run("chain failure marks the refund failed", func(t *testing.T) {
		repo := repotest.New(t)
		svc := NewService(repo, &fakeFacilitator{result: x402.SettleResult{Success: false, Error: "permit_expired"}})
		refund := approvedRefund(t, svc, repo, "eip155:84532", customer)

		failed, err := svc.ProcessRefund(ctx, refund.ID, permitProof)
		assert.ErrorIs(t, err, x402.ErrRefundFailed)
		require.NotNil(t, failed)
		assert.Equal(t, models.RefundFailed, failed.Status)
		assert.Equal(t, "permit_expired", failed.FailureReason)

		_, err = svc.Create(ctx, CreateRequest{PaymentID: refund.PaymentID})
		assert.NoError(t, err, "a failed refund can be retried")
	})

	t.Run("facilitator error marks the refund failed", func(t *testing.T) {
		repo := repotest.New(t)
		svc := NewService(repo, &fakeFacilitator{err: x402.NewNotConfiguredError("evm facilitator is not configured")})
		refund := approvedRefund(t, svc, repo, "eip155:84532", customer)

		failed, err := svc.ProcessRefund(ctx, refund.ID, permitProof)
		assert.ErrorIs(t, err, x402.ErrNotConfigured)
		require.NotNil(t, failed)
		assert.Equal(t, models.RefundFailed, failed.Status)
		assert.Equal(t, x402.ErrCodeNotConfigured, failed.FailureReason)
	})

	t.Run("sponsored proof", func(t *testing.T) {
		repo := repotest.New(t)
		fake := &fakeFacilitator{result: x402.SettleResult{Success: true, TxHash: "5sig"}}
		svc := NewService(repo, fake)
		refund := approvedRefund(t, svc, repo, svm.SolanaDevnetCAIP2, svmCustomer)

		_, err := svc.ProcessRefund(ctx, refund.ID, permitProof)
		assert.ErrorIs(t, err, x402.ErrValidation, "wrong proof kind for the payment family")

		done, err := svc.ProcessRefund(ctx, refund.ID, Proof{TransactionBytes: "dHg=", SenderAuthenticatorBytes: "c2ln"})
		require.NoError(t, err)
		assert.Equal(t, models.RefundCompleted, done.Status)
		require.Len(t, fake.sponsored, 1)
		assert.Equal(t, svmCustomer, fake.sponsored[0].Recipient)
		assert.True(t, decimal.NewFromInt(50).Equal(fake.sponsored[0].Amount))
	})
}

func TestProofKind(t *testing.T) {
	v := uint8(27)
	tests := []struct {
		name  string
		proof Proof
		want  string
	}{
		{"combined signature", Proof{SignatureInput: evm.SignatureInput{Signature: signature}, Deadline: big.NewInt(1)}, KindPermit},
		{"split signature", Proof{SignatureInput: evm.SignatureInput{V: &v, R: "0x" + signature[2:66], S: "0x" + signature[66:130]}, Deadline: big.NewInt(1)}, KindPermit},
		{"sponsored", Proof{TransactionBytes: "dHg=", SenderAuthenticatorBytes: "c2ln"}, KindSponsored},
		{"missing deadline", Proof{SignatureInput: evm.SignatureInput{Signature: signature}}, ""},
		{"both kinds", Proof{SignatureInput: evm.SignatureInput{Signature: signature}, Deadline: big.NewInt(1), TransactionBytes: "dHg="}, ""},
		{"half sponsored", Proof{TransactionBytes: "dHg="}, ""},
		{"empty", Proof{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := tt.proof.Kind()
			if tt.want == "" {
				assert.ErrorIs(t, err, x402.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, kind)
		})
	}
}
