package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/internal/models"
)

// Settler settles one store.
type Settler interface {
	SettleStore(ctx context.Context, storeID string) (*models.Settlement, error)
}

type pendingTimer struct {
	timer *time.Timer
	gen   uint64
}

// Scheduler debounces settlement per store: every payment re-arms the
// store's timer, and the store settles once it has been quiet for delay.
type Scheduler struct {
	settler Settler
	delay   time.Duration
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  map[string]pendingTimer
	gen     uint64
	stopped bool
	wg      sync.WaitGroup
}

func NewScheduler(settler Settler, delay time.Duration, logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		settler: settler,
		delay:   delay,
		logger:  logger.With().Str("component", "settlement_scheduler").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[string]pendingTimer),
	}
}

// ScheduleAutoSettlement (re)arms the store's timer.
func (s *Scheduler) ScheduleAutoSettlement(storeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if existing, ok := s.timers[storeID]; ok && existing.timer.Stop() {
		s.wg.Done()
	}

	s.gen++
	gen := s.gen
	s.wg.Add(1)
	s.timers[storeID] = pendingTimer{
		gen:   gen,
		timer: time.AfterFunc(s.delay, func() { s.fire(storeID, gen) }),
	}
}

// Pending reports how many stores have an armed timer.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) fire(storeID string, gen uint64) {
	defer s.wg.Done()

	s.mu.Lock()
	if current, ok := s.timers[storeID]; ok && current.gen == gen {
		delete(s.timers, storeID)
	}
	s.mu.Unlock()

	settlement, err := s.settler.SettleStore(s.ctx, storeID)
	switch {
	case errors.Is(err, x402.ErrNoUnsettledPayments):
		s.logger.Debug().Str("store_id", storeID).Msg("nothing to settle")
	case err != nil:
		s.logger.Error().Err(err).Str("store_id", storeID).Msg("auto settlement failed")
	default:
		s.logger.Info().
			Str("store_id", storeID).
			Str("settlement_id", settlement.ID).
			Msg("auto settlement completed")
	}
}

// Stop cancels armed timers and waits for running settlements.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, pending := range s.timers {
		if pending.timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
