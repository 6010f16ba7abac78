package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/giftworks/giftfunnel/internal/funnel"
)

// Sweeper runs the periodic housekeeping loop: due retries plus stale-session
// expiry. Admin-triggered sweeps go through the same engine operation, so an
// overlap with the ticker is harmless.
type Sweeper struct {
	engine   *Engine
	funnel   *funnel.Engine
	interval time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewSweeper(engine *Engine, funnelEngine *funnel.Engine, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		engine:   engine,
		funnel:   funnelEngine,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("starting recovery sweeper")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

func (s *Sweeper) Stop() {
	s.log.Info().Msg("stopping recovery sweeper")
	close(s.stop)
	s.wg.Wait()
	s.log.Info().Msg("recovery sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.engine.ProcessDueRetries(ctx); err != nil {
				s.log.Error().Err(err).Msg("retry sweep failed")
			}
			expired, err := s.funnel.ExpireStale(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("session expiry failed")
			} else if expired > 0 {
				s.log.Info().Int("expired", expired).Msg("expired stale funnel sessions")
			}
		}
	}
}
