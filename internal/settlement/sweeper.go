package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/internal/repository"
)

// Sweeper settles every store with unsettled payments on an interval. It
// backstops debounced timers lost to a restart.
type Sweeper struct {
	repo     *repository.Repository
	settler  Settler
	interval time.Duration
	logger   zerolog.Logger
}

func NewSweeper(repo *repository.Repository, settler Settler, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		repo:     repo,
		settler:  settler,
		interval: interval,
		logger:   logger.With().Str("component", "settlement_sweeper").Logger(),
	}
}

// Start runs the sweeper in the background. The returned stop cancels it
// and blocks until an in-progress sweep has returned, so the repository
// can be closed afterwards.
func (s *Sweeper) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Run(ctx)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("settlement sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep settles each store once and returns how many settlements it made.
// A failing store is logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stores, err := s.repo.StoresWithUnsettledPayments(ctx)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, storeID := range stores {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		_, err := s.settler.SettleStore(ctx, storeID)
		switch {
		case errors.Is(err, x402.ErrNoUnsettledPayments):
		case err != nil:
			s.logger.Error().Err(err).Str("store_id", storeID).Msg("store settlement failed")
		default:
			settled++
		}
	}
	s.logger.Info().Int("stores", len(stores)).Int("settled", settled).Msg("settlement sweep finished")
	return settled, nil
}
