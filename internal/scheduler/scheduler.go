// Package scheduler drives periodic clearing: it closes expired trading
// windows, selects due auctions, throttles against the minimum inter-round
// gap and runs clear + settle per auction.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/web3guy0/auctiond/internal/clearing"
	"github.com/web3guy0/auctiond/internal/database"
	"github.com/web3guy0/auctiond/internal/notify"
	"github.com/web3guy0/auctiond/internal/settlement"
	"github.com/web3guy0/auctiond/internal/telemetry"
)

// Scheduler owns the periodic clearing loop. It is started and stopped
// through lifecycle calls; one value per process.
type Scheduler struct {
	db       *database.Database
	pipeline *settlement.Pipeline
	notifier *notify.Notifier
	interval time.Duration

	mu       sync.Mutex
	inflight map[int64]bool
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a scheduler with the given tick interval. The minimum
// inter-round gap per auction equals the interval.
func New(db *database.Database, pipeline *settlement.Pipeline, notifier *notify.Notifier, interval time.Duration) *Scheduler {
	return &Scheduler{
		db:       db,
		pipeline: pipeline,
		notifier: notifier,
		interval: interval,
		inflight: make(map[int64]bool),
	}
}

// Start launches the background loop. It is a no-op when already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Warn().Msg("Clearing scheduler already running")
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	log.Info().Dur("interval", s.interval).Msg("Clearing scheduler started")
	go s.loop(ctx)
}

// Stop halts the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	log.Info().Msg("Clearing scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(time.Now().UTC())
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(time.Now().UTC())
		}
	}
}

// Tick runs one scheduler pass at the given wall time. Exported so tests
// and operational tooling can drive the loop deterministically.
func (s *Scheduler) Tick(now time.Time) {
	started := time.Now()
	defer func() {
		telemetry.TickDuration.Observe(time.Since(started).Seconds())
	}()

	s.closeExpired(now)

	auctions, err := database.DueAuctions(s.db.Gorm(), now)
	if err != nil {
		log.Error().Err(err).Msg("Scheduler failed to select due auctions")
		return
	}

	var collecting int64
	s.db.Gorm().Model(&database.Auction{}).Where("status = ?", database.AuctionCollecting).Count(&collecting)
	telemetry.AuctionsCollecting.Set(float64(collecting))

	if len(auctions) == 0 {
		log.Debug().Time("now", now).Msg("No auctions due for clearing")
		return
	}

	var wg sync.WaitGroup
	for i := range auctions {
		auction := auctions[i]

		// Throttle: never clear the same auction more often than the
		// configured gap.
		if auction.LastClearingAt != nil {
			minNext := auction.LastClearingAt.Add(s.interval)
			if now.Before(minNext) {
				if err := s.db.Gorm().Model(&database.Auction{}).
					Where("id = ?", auction.ID).
					Update("next_clearing_at", minNext).Error; err != nil {
					log.Error().Err(err).Int64("auction", auction.ID).Msg("Failed to bump next clearing time")
				}
				log.Debug().Int64("auction", auction.ID).Time("next", minNext).Msg("Clearing throttled")
				continue
			}
		}

		if !s.tryAcquire(auction.ID) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.release(auction.ID)
			if _, _, err := s.RunAuction(&auction, now); err != nil {
				// One auction's failure must not halt the tick.
				log.Error().Err(err).Int64("auction", auction.ID).Msg("Clearing round failed")
			}
		}()
	}
	wg.Wait()
}

// closeExpired transitions collecting auctions past their window end to
// closed, rejecting whatever is left in their books.
func (s *Scheduler) closeExpired(now time.Time) {
	var expired []database.Auction
	err := s.db.Gorm().
		Where("status = ? AND window_end IS NOT NULL AND window_end <= ?", database.AuctionCollecting, now).
		Find(&expired).Error
	if err != nil {
		log.Error().Err(err).Msg("Scheduler failed to select expired auctions")
		return
	}
	for i := range expired {
		auction := expired[i]
		err := s.db.Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&database.Auction{}).
				Where("id = ? AND status = ?", auction.ID, database.AuctionCollecting).
				Updates(map[string]any{"status": database.AuctionClosed, "closed_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			return settlement.RejectOpenOrders(tx, &auction, now)
		})
		if err != nil {
			log.Error().Err(err).Int64("auction", auction.ID).Msg("Failed to close expired auction")
			continue
		}
		log.Info().Int64("auction", auction.ID).Str("product", auction.Product).Msg("Auction window ended, closed")
		s.notifier.AuctionClosed(auction.ID, auction.Product)
	}
}

// RunAuction executes one clear + settle round for an auction and
// schedules the next one. Shared by the periodic tick and the manual
// clearing endpoint (which bypasses the throttle).
func (s *Scheduler) RunAuction(auction *database.Auction, now time.Time) (*database.AuctionClearingRound, clearing.Result, error) {
	orders, err := database.OpenOrders(s.db.Gorm(), auction.ID)
	if err != nil {
		return nil, clearing.Result{}, err
	}

	if len(orders) == 0 {
		log.Debug().Int64("auction", auction.ID).Msg("Empty book, skipping round")
		if err := s.scheduleNext(auction.ID, now); err != nil {
			return nil, clearing.Result{}, err
		}
		return nil, clearing.Result{}, nil
	}

	input := make([]clearing.Order, len(orders))
	for i, o := range orders {
		input[i] = clearing.FromModel(o)
	}
	result := clearing.Clear(input, auction.K)

	round, err := s.pipeline.Run(auction, orders, result, now)
	if err != nil {
		return nil, result, err
	}

	if err := s.scheduleNext(auction.ID, now); err != nil {
		return round, result, err
	}

	if result.HasTrades() {
		log.Info().
			Int64("auction", auction.ID).
			Int("round", round.RoundNumber).
			Str("price", result.Price.String()).
			Str("volume", result.Volume.String()).
			Int("matched", round.MatchedOrders).
			Msg("Clearing round settled")
	} else {
		log.Info().Int64("auction", auction.ID).Int("round", round.RoundNumber).Msg("Clearing round empty")
	}
	return round, result, nil
}

func (s *Scheduler) scheduleNext(auctionID int64, now time.Time) error {
	next := now.Add(s.interval)
	return s.db.Gorm().Model(&database.Auction{}).
		Where("id = ?", auctionID).
		Update("next_clearing_at", next).Error
}

func (s *Scheduler) tryAcquire(auctionID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[auctionID] {
		return false
	}
	s.inflight[auctionID] = true
	return true
}

func (s *Scheduler) release(auctionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, auctionID)
}
