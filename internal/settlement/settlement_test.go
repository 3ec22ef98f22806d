package settlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/internal/models"
	"github.com/x402-foundation/x402-tabs/internal/repository"
	"github.com/x402-foundation/x402-tabs/internal/repository/repotest"
)

var txCounter atomic.Int64

func addCompleted(t *testing.T, repo *repository.Repository, fx repotest.Fixture, amount string) *models.Payment {
	t.Helper()
	ctx := context.Background()
	p := &models.Payment{
		TabID:   fx.Tab.ID,
		StoreID: fx.Store.ID,
		Amount:  decimal.RequireFromString(amount),
		Scheme:  models.SchemePermit,
		Status:  models.PaymentPending,
	}
	require.NoError(t, repo.CreatePayment(ctx, p))
	hash := "0x" + decimal.NewFromInt(txCounter.Add(1)).String()
	ok, err := repo.CompletePayment(ctx, p.ID, hash, "", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	return p
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("claims unsettled payments once", func(t *testing.T) {
		repo := repotest.New(t)
		fx := repotest.SeedTab(t, repo, "10")
		a := addCompleted(t, repo, fx, "12.50")
		b := addCompleted(t, repo, fx, "37.50")
		svc := NewService(repo)

		settlement, err := svc.Create(ctx, fx.Store.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SettlementPending, settlement.Status)
		assert.True(t, decimal.NewFromInt(50).Equal(settlement.Amount))
		assert.Equal(t, []string{a.ID, b.ID}, settlement.PaymentIDs)

		_, err = svc.Create(ctx, fx.Store.ID)
		assert.ErrorIs(t, err, x402.ErrNoUnsettledPayments)

		all, err := svc.FindByStore(ctx, fx.Store.ID)
		require.NoError(t, err)
		assert.Len(t, all, 1, "the empty settlement is rolled back")
	})

	t.Run("concurrent creates never share a payment", func(t *testing.T) {
		repo := repotest.New(t)
		fx := repotest.SeedTab(t, repo, "10")
		for i := 0; i < 5; i++ {
			addCompleted(t, repo, fx, "1")
		}
		svc := NewService(repo)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded []*models.Settlement
			empty     int
		)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				st, err := svc.Create(ctx, fx.Store.ID)
				mu.Lock()
				defer mu.Unlock()
				if errors.Is(err, x402.ErrNoUnsettledPayments) {
					empty++
					return
				}
				assert.NoError(t, err)
				succeeded = append(succeeded, st)
			}()
		}
		wg.Wait()

		require.Len(t, succeeded, 1)
		assert.Equal(t, 3, empty)
		assert.Len(t, succeeded[0].PaymentIDs, 5)
	})

	t.Run("unknown store", func(t *testing.T) {
		svc := NewService(repotest.New(t))
		_, err := svc.Create(ctx, "missing")
		assert.ErrorIs(t, err, x402.ErrNotFound)
	})
}

func TestProcessSettlement(t *testing.T) {
	ctx := context.Background()
	repo := repotest.New(t)
	fx := repotest.SeedTab(t, repo, "10")
	addCompleted(t, repo, fx, "10")
	processedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(repo, WithClock(func() time.Time { return processedAt }))

	created, err := svc.Create(ctx, fx.Store.ID)
	require.NoError(t, err)

	done, err := svc.ProcessSettlement(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementCompleted, done.Status)
	assert.Equal(t, models.OffChainReconciliation, done.TxReference)
	require.NotNil(t, done.ProcessedAt)
	assert.True(t, processedAt.Equal(*done.ProcessedAt))

	_, err = svc.ProcessSettlement(ctx, created.ID)
	assert.ErrorIs(t, err, x402.ErrInvalidState)
	_, err = svc.ProcessSettlement(ctx, "missing")
	assert.ErrorIs(t, err, x402.ErrNotFound)
}

func TestGetSettlementSummary(t *testing.T) {
	ctx := context.Background()
	repo := repotest.New(t)
	fx := repotest.SeedTab(t, repo, "10")
	svc := NewService(repo)

	addCompleted(t, repo, fx, "10")
	_, err := svc.SettleStore(ctx, fx.Store.ID)
	require.NoError(t, err)

	addCompleted(t, repo, fx, "4")
	_, err = svc.Create(ctx, fx.Store.ID)
	require.NoError(t, err)

	addCompleted(t, repo, fx, "2.25")

	summary, err := svc.GetSettlementSummary(ctx, fx.Store.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.CompletedCount)
	assert.True(t, decimal.NewFromInt(10).Equal(summary.CompletedAmount))
	assert.Equal(t, 1, summary.PendingCount)
	assert.True(t, decimal.NewFromInt(4).Equal(summary.PendingAmount))
	assert.Equal(t, 1, summary.UnsettledCount)
	assert.True(t, decimal.RequireFromString("2.25").Equal(summary.UnsettledAmount))
}

type countingSettler struct {
	mu     sync.Mutex
	calls  map[string]int
	err    error
	called chan string
}

func newCountingSettler() *countingSettler {
	return &countingSettler{calls: map[string]int{}, called: make(chan string, 16)}
}

func (c *countingSettler) SettleStore(_ context.Context, storeID string) (*models.Settlement, error) {
	c.mu.Lock()
	c.calls[storeID]++
	err := c.err
	c.mu.Unlock()
	c.called <- storeID
	if err != nil {
		return nil, err
	}
	return &models.Settlement{Base: models.Base{ID: "s-" + storeID}}, nil
}

func (c *countingSettler) count(storeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[storeID]
}

func TestScheduler(t *testing.T) {
	t.Run("bursts coalesce into one settlement per store", func(t *testing.T) {
		settler := newCountingSettler()
		s := NewScheduler(settler, 50*time.Millisecond, zerolog.Nop())
		defer s.Stop()

		for i := 0; i < 5; i++ {
			s.ScheduleAutoSettlement("store-a")
			time.Sleep(5 * time.Millisecond)
		}
		s.ScheduleAutoSettlement("store-b")
		assert.Equal(t, 2, s.Pending())

		got := map[string]bool{}
		for i := 0; i < 2; i++ {
			select {
			case id := <-settler.called:
				got[id] = true
			case <-time.After(2 * time.Second):
				t.Fatal("timer never fired")
			}
		}
		assert.True(t, got["store-a"] && got["store-b"])

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 1, settler.count("store-a"))
		assert.Equal(t, 0, s.Pending())
	})

	t.Run("nothing to settle is not an error", func(t *testing.T) {
		settler := newCountingSettler()
		settler.err = x402.ErrNoUnsettledPayments
		s := NewScheduler(settler, time.Millisecond, zerolog.Nop())
		s.ScheduleAutoSettlement("store-a")
		<-settler.called
		s.Stop()
	})

	t.Run("stop cancels armed timers", func(t *testing.T) {
		settler := newCountingSettler()
		s := NewScheduler(settler, time.Hour, zerolog.Nop())
		s.ScheduleAutoSettlement("store-a")
		s.Stop()
		s.ScheduleAutoSettlement("store-b")

		assert.Equal(t, 0, s.Pending())
		assert.Equal(t, 0, settler.count("store-a"))
	})
}

type blockingSettler struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSettler) SettleStore(context.Context, string) (*models.Settlement, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return nil, x402.ErrNoUnsettledPayments
}

func TestSweeper(t *testing.T) {
	ctx := context.Background()
	repo := repotest.New(t)
	first := repotest.SeedTab(t, repo, "10")
	second := repotest.SeedTab(t, repo, "10")
	addCompleted(t, repo, first, "10")
	addCompleted(t, repo, second, "5")
	svc := NewService(repo)

	sweeper := NewSweeper(repo, svc, time.Hour, zerolog.Nop())
	settled, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, settled)

	settled, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, settled)

	t.Run("run sweeps at start and stops with the context", func(t *testing.T) {
		addCompleted(t, repo, first, "1")
		runCtx, cancel := context.WithCancel(ctx)
		finished := make(chan struct{})
		go func() {
			sweeper.Run(runCtx)
			close(finished)
		}()

		require.Eventually(t, func() bool {
			summary, err := svc.GetSettlementSummary(ctx, first.Store.ID)
			return err == nil && summary.UnsettledCount == 0
		}, 2*time.Second, 10*time.Millisecond)

		cancel()
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Fatal("sweeper did not stop")
		}
	})

	t.Run("stop waits for the sweep in progress", func(t *testing.T) {
		addCompleted(t, repo, first, "1")
		settler := &blockingSettler{entered: make(chan struct{}), release: make(chan struct{})}
		stop := NewSweeper(repo, settler, time.Hour, zerolog.Nop()).Start(ctx)
		<-settler.entered

		stopped := make(chan struct{})
		go func() {
			stop()
			close(stopped)
		}()
		select {
		case <-stopped:
			t.Fatal("stop returned while a sweep was running")
		case <-time.After(50 * time.Millisecond):
		}

		close(settler.release)
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Fatal("sweeper did not stop")
		}
	})

	t.Run("a failing store does not abort the sweep", func(t *testing.T) {
		addCompleted(t, repo, second, "1")
		settler := newCountingSettler()
		settler.err = errors.New("boom")
		settled, err := NewSweeper(repo, settler, time.Hour, zerolog.Nop()).Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, settled)
		assert.Equal(t, 1, settler.count(second.Store.ID))
	})
}
