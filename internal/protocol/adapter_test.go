package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/facilitator"
	"github.com/x402-foundation/x402-tabs/internal/models"
	"github.com/x402-foundation/x402-tabs/internal/payment"
	"github.com/x402-foundation/x402-tabs/internal/repository"
	"github.com/x402-foundation/x402-tabs/internal/repository/repotest"
	"github.com/x402-foundation/x402-tabs/mechanisms/evm"
	"github.com/x402-foundation/x402-tabs/mechanisms/svm"
)

const (
	payer     = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
	evmUSDC   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	storeEVM  = "0x000000000000000000000000000000000000bEEF"
	storeSVM  = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	evmTxHash = "0x8f1d3c4b6a2e0f9d7c5b3a1e2f4d6c8b0a9e7d5c3b1a2f4e6d8c0b9a7e5d3c1b"
)

type fakeFacilitator struct {
	mu            sync.Mutex
	verify        x402.VerifyResult
	verifyCalls   int
	sponsored     bool
	registered    map[string]bool
	submit        x402.SettleResult
	submissions   []facilitator.SponsoredTransfer
	registrations int
}

func newFake() *fakeFacilitator {
	block := uint64(77)
	return &fakeFacilitator{
		verify:     x402.VerifyResult{Valid: true, BlockNumber: &block},
		sponsored:  true,
		registered: map[string]bool{storeSVM: true},
		submit:     x402.SettleResult{Success: true, TxHash: "5sponsoredSig", BlockNumber: &block},
	}
}

func (f *fakeFacilitator) URL() string { return "http://facilitator.test/api/v1/x402" }

func (f *fakeFacilitator) Network(family x402.Family) (facilitator.NetworkInfo, error) {
	if family == x402.FamilySVM {
		return facilitator.NetworkInfo{
			Network: svm.SolanaDevnetCAIP2,
			Name:    "Solana Devnet",
			Family:  x402.FamilySVM,
			Address: "FeePayer1111111111111111111111111111111111",
			Asset:   facilitator.Asset{Address: svm.USDCDevnetAddress, Symbol: "USDC", Decimals: 6},
		}, nil
	}
	return facilitator.NetworkInfo{
		Network: "eip155:84532",
		Name:    "Base Sepolia",
		Family:  x402.FamilyEVM,
		ChainID: "84532",
		Address: "0x00000000000000000000000000000000000F00d5",
		Asset:   facilitator.Asset{Address: evmUSDC, Symbol: "USDC", Decimals: 6},
	}, nil
}

func (f *fakeFacilitator) NetworkFor(network x402.Network) (facilitator.NetworkInfo, error) {
	return f.Network(network.Family())
}

func (f *fakeFacilitator) VerifyTransfer(_ context.Context, _ facilitator.TransferProof) (*x402.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	res := f.verify
	return &res, nil
}

func (f *fakeFacilitator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls
}

func (f *fakeFacilitator) IsGasSponsorshipAvailable(context.Context) bool { return f.sponsored }

func (f *fakeFacilitator) IsRegisteredForCoin(_ context.Context, address, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[address], nil
}

func (f *fakeFacilitator) BuildFeePayerTransaction(_ context.Context, _, _ string, amount decimal.Decimal, _ string) (*svm.SponsoredTransaction, error) {
	value, err := svm.ParseAmount(amount, 6)
	if err != nil {
		return nil, err
	}
	return &svm.SponsoredTransaction{TransactionBytes: "dW5zaWduZWQ=", FeePayer: "FeePayer", Blockhash: "hash", Amount: value, Decimals: 6}, nil
}

func (f *fakeFacilitator) SubmitSponsoredTransaction(_ context.Context, transfer facilitator.SponsoredTransfer) (*x402.SettleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, transfer)
	res := f.submit
	return &res, nil
}

func (f *fakeFacilitator) BuildSponsoredRegistration(_ context.Context, account, _ string) (*svm.SponsoredTransaction, error) {
	return &svm.SponsoredTransaction{TransactionBytes: "cmVnaXN0ZXI=", FeePayer: "FeePayer", Blockhash: "hash"}, nil
}

func (f *fakeFacilitator) SubmitSponsoredRegistration(_ context.Context, _, _, _ string) (*x402.SettleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations++
	return &x402.SettleResult{Success: true, TxHash: "5regSig", Payer: storeSVM}, nil
}

func (f *fakeFacilitator) GeneratePaymentData(context.Context, string, string, string, decimal.Decimal, string) (*evm.PermitData, error) {
	return &evm.PermitData{}, nil
}

func (f *fakeFacilitator) ProcessPayment(context.Context, facilitator.PermitTransfer) (*x402.SettleResult, error) {
	return &x402.SettleResult{Success: true, TxHash: "0xpermit"}, nil
}

type recordingScheduler struct {
	mu     sync.Mutex
	stores []string
}

func (r *recordingScheduler) ScheduleAutoSettlement(storeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores = append(r.stores, storeID)
}

type harness struct {
	repo      *repository.Repository
	fake      *fakeFacilitator
	scheduler *recordingScheduler
	adapter   *Adapter
	fixture   repotest.Fixture
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:      repotest.New(t),
		fake:      newFake(),
		scheduler: &recordingScheduler{},
		now:       time.Now().UTC(),
	}
	clock := func() time.Time { return h.now }
	payments := payment.NewService(h.repo, h.fake, h.scheduler, payment.WithClock(clock))
	h.adapter = New(h.repo, payments, h.fake, WithClock(clock), WithTTL(10*time.Minute))
	h.fixture = repotest.SeedTab(t, h.repo, "50.00")
	return h
}

func TestRequestPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("challenge describes the tab", func(t *testing.T) {
		h := newHarness(t)
		challenge, err := h.adapter.RequestPayment(ctx, h.fixture.Tab.ID, payer, "")
		require.NoError(t, err)

		assert.Equal(t, x402.Version, challenge.X402Version)
		assert.Equal(t, x402.Network("eip155:84532"), challenge.Network.ID)
		assert.Equal(t, x402.FamilyEVM, challenge.Network.Family)
		assert.Equal(t, "50.00", challenge.Payment.Amount)
		assert.Equal(t, "USDC", challenge.Payment.Currency)
		assert.Equal(t, evmUSDC, challenge.Payment.CoinType)
		assert.Equal(t, storeEVM, challenge.Payment.Recipient)
		assert.Equal(t, []string{storeEVM, "50000000"}, challenge.Transaction.Arguments)
		assert.True(t, challenge.ExpiresAt.After(h.now))
		assert.Equal(t, h.fake.URL(), challenge.Facilitator.URL)

		p, err := h.repo.FindPayment(ctx, challenge.Payment.PaymentID, false)
		require.NoError(t, err)
		assert.Equal(t, models.SchemeHeader, p.Scheme)
		assert.Equal(t, models.PaymentPending, p.Status)
		require.NotNil(t, p.ExpiresAt)
	})

	t.Run("currency is case insensitive", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.adapter.RequestPayment(ctx, h.fixture.Tab.ID, payer, "usdc")
		assert.NoError(t, err)
	})

	t.Run("rejections", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.adapter.RequestPayment(ctx, h.fixture.Tab.ID, payer, "DOGE")
		assert.ErrorIs(t, err, x402.ErrValidation)
		_, err = h.adapter.RequestPayment(ctx, h.fixture.Tab.ID, "not-an-address", "")
		assert.ErrorIs(t, err, x402.ErrValidation)
		_, err = h.adapter.RequestPayment(ctx, "missing", payer, "")
		assert.ErrorIs(t, err, x402.ErrNotFound)

		require.NoError(t, h.repo.TransitionTab(ctx, h.fixture.Tab.ID, models.TabCancelled, models.TabPendingPayment))
		_, err = h.adapter.RequestPayment(ctx, h.fixture.Tab.ID, payer, "")
		assert.ErrorIs(t, err, x402.ErrInvalidState)
	})

	t.Run("a new challenge supersedes the old one", func(t *testing.T) {
		h := newHarness(t)
		first, err := h.adapter.RequestPayment(ctx, h.fixture.Tab.ID, payer, "")
		require.NoError(t, err)
		_, err = h.adapter.RequestPayment(ctx, h.fixture.Tab.ID, payer, "")
		require.NoError(t, err)

		old, err := h.repo.FindPayment(ctx, first.Payment.PaymentID, false)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentFailed, old.Status)
		assert.Equal(t, models.FailureSuperseded, old.FailureReason)
	})
}

func proof(paymentID, from, txHash string) (x402.PaymentHeader, []byte) {
	h := x402.PaymentHeader{PaymentID: paymentID, Payer: from, TxHash: txHash, Timestamp: 1_750_000_000}
	raw, _ := json.Marshal(h)
	return h, raw
}

func TestVerifyPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("accepts a matching transfer once", func(t *testing.T) {
		h := newHarness(t)
		challenge, err := h.adapter.RequestPayment(ctx, h.fixture.Tab.ID, payer, "")
		require.NoError(t, err)
		header, raw := proof(challenge.Payment.PaymentID, payer, evmTxHash)

		resp, err := h.adapter.VerifyPayment(ctx, header, raw)
		require.NoError(t, err)
		assert.True(t, resp.Valid)
		require.NotNil(t, resp.Receipt)
		assert.Equal(t, string(models.PaymentCompleted), resp.Receipt.Status)
		assert.Equal(t, uint64(77), *resp.Receipt.BlockNumber)

		tab, err := h.repo.FindTab(ctx, h.fixture.Tab.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TabPaid, tab.Status)
		assert.Equal(t, []string{h.fixture.Store.ID}, h.scheduler.stores)

		again, err := h.adapter.VerifyPayment(ctx, header, raw)
		require.NoError(t, err)
		assert.Equal(t, resp, again)
		assert.Equal(t, 1, h.fake.calls(), "identical proofs are verified once")

		header.Timestamp++
		replay, err := h.adapter.SubmitPayment(ctx, header)
		require.NoError(t, err)
		assert.True(t, replay.Valid, "a completed payment answers with its receipt")
		assert.Equal(t, 1, h.fake.calls())
	})

	t.Run("invalid proofs leave the payment pending", func(t *testing.T) {
		h := newHarness(t)
		challenge, err := h.adapter.RequestPayment(ctx, h.fixture.Tab.ID, payer, "")
		require.NoError(t, err)
		id := challenge.Payment.PaymentID

		header, raw := proof(id, "0x1111111111111111111111111111111111111111", evmTxHash)
		resp, err := h.adapter.VerifyPayment(ctx, header, raw)
		require.NoError(t, err)
		assert.False(t, resp.Valid)
		assert.Equal(t, ErrPayerMismatch, resp.Error)

		h.fake.verify = x402.VerifyResult{Valid: false, Reason: facilitator.ErrInsufficientTransfer}
		header, raw = proof(id, payer, evmTxHash)
		resp, err = h.adapter.VerifyPayment(ctx, header, raw)
		require.NoError(t, err)
		assert.False(t, resp.Valid)
		assert.Equal(t, facilitator.ErrInsufficientTransfer, resp.Error)

		p, err := h.repo.FindPayment(ctx, id, false)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentPending, p.Status)

		h.fake.verify = x402.VerifyResult{Valid: true}
		resp, err = h.adapter.VerifyPayment(ctx, header, raw)
		require.NoError(t, err)
		assert.True(t, resp.Valid, "a corrected proof is accepted before expiry")
	})

	t.Run("expired challenge", func(t *testing.T) {
		h := newHarness(t)
		challenge, err := h.adapter.RequestPayment(ctx, h.fixture.Tab.ID, payer, "")
		require.NoError(t, err)
		h.now = h.now.Add(11 * time.Minute)

		header, raw := proof(challenge.Payment.PaymentID, payer, evmTxHash)
		_, err = h.adapter.VerifyPayment(ctx, header, raw)
		assert.ErrorIs(t, err, x402.ErrPaymentExpired)
		assert.Zero(t, h.fake.calls())

		p, err := h.repo.FindPayment(ctx, challenge.Payment.PaymentID, false)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentFailed, p.Status)
	})

	t.Run("transaction hashes are single use", func(t *testing.T) {
		h := newHarness(t)
		first, err := h.adapter.RequestPayment(ctx, h.fixture.Tab.ID, payer, "")
		require.NoError(t, err)
		header, raw := proof(first.Payment.PaymentID, payer, evmTxHash)
		_, err = h.adapter.VerifyPayment(ctx, header, raw)
		require.NoError(t, err)

		other := repotest.SeedTab(t, h.repo, "50.00")
		second, err := h.adapter.RequestPayment(ctx, other.Tab.ID, payer, "")
		require.NoError(t, err)
		header, raw = proof(second.Payment.PaymentID, payer, evmTxHash)
		resp, err := h.adapter.VerifyPayment(ctx, header, raw)
		require.NoError(t, err)
		assert.False(t, resp.Valid)
		assert.Equal(t, ErrTxHashReused, resp.Error)
	})

	t.Run("only header payments are completed by a proof", func(t *testing.T) {
		h := newHarness(t)
		customer := solana.NewWallet().PublicKey().String()
		h.fake.registered[customer] = true
		built, err := h.adapter.BuildSponsored(ctx, h.fixture.Tab.ID, customer)
		require.NoError(t, err)

		header, raw := proof(built.PaymentID, customer, "5someOtherTransfer")
		_, err = h.adapter.VerifyPayment(ctx, header, raw)
		assert.ErrorIs(t, err, x402.ErrValidation)
		assert.Zero(t, h.fake.calls())

		p, err := h.repo.FindPayment(ctx, built.PaymentID, false)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentPending, p.Status)
		assert.Nil(t, p.TxHash)
	})

	t.Run("unknown payment and malformed header", func(t *testing.T) {
		h := newHarness(t)
		header, raw := proof("missing", payer, evmTxHash)
		_, err := h.adapter.VerifyPayment(ctx, header, raw)
		assert.ErrorIs(t, err, x402.ErrNotFound)

		_, err = h.adapter.VerifyPayment(ctx, x402.PaymentHeader{PaymentID: "p"}, nil)
		assert.ErrorIs(t, err, x402.ErrHeaderFormat)
	})
}

func TestSponsored(t *testing.T) {
	ctx := context.Background()
	customer := solana.NewWallet().PublicKey().String()

	t.Run("build then submit", func(t *testing.T) {
		h := newHarness(t)
		h.fake.registered[customer] = true

		built, err := h.adapter.BuildSponsored(ctx, h.fixture.Tab.ID, customer)
		require.NoError(t, err)
		assert.Equal(t, uint64(50_000_000), built.Value)
		assert.Equal(t, svm.USDCDevnetAddress, built.CoinType)
		assert.NotEmpty(t, built.TransactionBytes)

		p, err := h.repo.FindPayment(ctx, built.PaymentID, false)
		require.NoError(t, err)
		assert.Equal(t, models.SchemeSponsored, p.Scheme)
		assert.Equal(t, string(svm.SolanaDevnetCAIP2), p.Network)

		resp, err := h.adapter.SubmitSponsored(ctx, built.PaymentID, built.TransactionBytes, "c2lnbmF0dXJl")
		require.NoError(t, err)
		assert.True(t, resp.Valid)
		assert.Equal(t, "5sponsoredSig", resp.TxHash)
		require.Len(t, h.fake.submissions, 1)
		assert.Equal(t, customer, h.fake.submissions[0].Sender)
		assert.Equal(t, storeSVM, h.fake.submissions[0].Recipient)

		tab, err := h.repo.FindTab(ctx, h.fixture.Tab.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TabPaid, tab.Status)

		cached, err := h.adapter.SubmitSponsored(ctx, built.PaymentID, built.TransactionBytes, "c2lnbmF0dXJl")
		require.NoError(t, err)
		assert.True(t, cached.Valid, "a retried submit gets the original outcome")
		assert.Len(t, h.fake.submissions, 1)
	})

	t.Run("chain failure fails the payment", func(t *testing.T) {
		h := newHarness(t)
		h.fake.registered[customer] = true
		h.fake.submit = x402.SettleResult{Success: false, Error: facilitator.ErrInvalidSenderSignature}

		built, err := h.adapter.BuildSponsored(ctx, h.fixture.Tab.ID, customer)
		require.NoError(t, err)
		resp, err := h.adapter.SubmitSponsored(ctx, built.PaymentID, built.TransactionBytes, "c2lnbmF0dXJl")
		require.NoError(t, err)
		assert.False(t, resp.Valid)
		assert.Equal(t, facilitator.ErrInvalidSenderSignature, resp.Error)

		p, err := h.repo.FindPayment(ctx, built.PaymentID, false)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentFailed, p.Status)

		_, err = h.adapter.SubmitSponsored(ctx, built.PaymentID, built.TransactionBytes, "c2lnbmF0dXJl")
		assert.ErrorIs(t, err, x402.ErrInvalidState)
	})

	t.Run("preconditions", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.adapter.BuildSponsored(ctx, h.fixture.Tab.ID, customer)
		assert.ErrorIs(t, err, x402.ErrValidation, "payer has no token account")

		h.fake.sponsored = false
		_, err = h.adapter.BuildSponsored(ctx, h.fixture.Tab.ID, customer)
		assert.ErrorIs(t, err, x402.ErrSponsorshipUnavailable)

		payments, err := h.repo.FindPaymentsByTab(ctx, h.fixture.Tab.ID)
		require.NoError(t, err)
		assert.Empty(t, payments, "nothing is persisted before the checks pass")

		_, err = h.adapter.SubmitSponsored(ctx, "any", "", "")
		assert.ErrorIs(t, err, x402.ErrValidation)
	})
}

func TestRegistration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	customer := solana.NewWallet().PublicKey().String()

	status, err := h.adapter.CheckRegistration(ctx, customer, "")
	require.NoError(t, err)
	assert.False(t, status.IsRegistered)
	assert.Equal(t, svm.USDCDevnetAddress, status.CoinType)
	assert.Contains(t, status.Message, "register")

	built, err := h.adapter.BuildSponsoredRegistration(ctx, customer, "")
	require.NoError(t, err)
	assert.Equal(t, customer, built.Address)
	assert.NotEmpty(t, built.TransactionBytes)

	result, err := h.adapter.SubmitSponsoredRegistration(ctx, built.TransactionBytes, "c2ln", "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, h.fake.registrations)

	status, err = h.adapter.CheckRegistration(ctx, storeSVM, svm.USDCDevnetAddress)
	require.NoError(t, err)
	assert.True(t, status.IsRegistered)
}
