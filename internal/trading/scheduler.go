package trading

import (
	"context"
	"log"
	"sync"
	"time"
)

// Scheduler fires settlement after each position's hold duration. Timers
// are keyed by position id so a manual close can cancel the pending one;
// a timer that fires anyway is harmless because settlement is idempotent.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	settle func(positionID string)
}

func NewScheduler(settle func(positionID string)) *Scheduler {
	return &Scheduler{timers: make(map[string]*time.Timer), settle: settle}
}

func (sc *Scheduler) Schedule(positionID string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if t, ok := sc.timers[positionID]; ok {
		t.Stop()
	}
	sc.timers[positionID] = time.AfterFunc(delay, func() {
		sc.mu.Lock()
		delete(sc.timers, positionID)
		sc.mu.Unlock()
		sc.settle(positionID)
	})
}

func (sc *Scheduler) Cancel(positionID string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if t, ok := sc.timers[positionID]; ok {
		t.Stop()
		delete(sc.timers, positionID)
	}
}

func (sc *Scheduler) Pending() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.timers)
}

// Stop cancels every pending timer. Open positions are re-armed on the
// next boot by Recover.
func (sc *Scheduler) Stop() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for id, t := range sc.timers {
		t.Stop()
		delete(sc.timers, id)
	}
}

// Recover re-arms timers for positions that were open when the process
// last stopped. Positions already past their settle time fire immediately.
func (s *Service) Recover(ctx context.Context) error {
	positions, err := s.store.AllOpenPositions(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, pos := range positions {
		remaining := pos.OpenedAt.Add(pos.HoldDuration).Sub(now)
		s.sched.Schedule(pos.ID, remaining)
	}
	if len(positions) > 0 {
		log.Printf("[trading] recovered %d open positions", len(positions))
	}
	return nil
}

// Watchdog periodically looks for positions whose settlement never fired
// (timer lost to a crash or a persistent settle failure) and re-arms them.
// Runs until ctx is cancelled.
func (s *Service) Watchdog(ctx context.Context, interval, grace time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			overdue, err := s.store.OverduePositions(ctx, time.Now().UTC(), grace)
			if err != nil {
				log.Printf("[trading] watchdog scan failed: %v", err)
				continue
			}
			for _, pos := range overdue {
				log.Printf("[trading] position %s overdue for settlement, re-arming", pos.ID)
				s.sched.Schedule(pos.ID, 0)
			}
		}
	}
}
