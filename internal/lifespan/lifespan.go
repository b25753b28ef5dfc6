// Package lifespan implements the expiry sweeper: a fixed-rate
// worker that deletes every quad whose expiry has passed.
package lifespan

import (
	"context"
	"time"

	"github.com/edge-robotics/knowbase/internal/store"
	"github.com/edge-robotics/knowbase/pkg/logger"
	"github.com/sirupsen/logrus"
)

// Sweeper runs the expiry tick loop.
type Sweeper struct {
	store    *store.Store
	tickRate time.Duration

	// Failfast exits the process on the first sweep error.
	Failfast bool
}

// New builds a Sweeper over s, ticking at rate.
func New(s *store.Store, rate time.Duration) *Sweeper {
	return &Sweeper{store: s, tickRate: rate}
}

func (s *Sweeper) log() *logrus.Entry {
	return logger.Component("lifespan")
}

// Run blocks, ticking until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickRate)
	defer ticker.Stop()

	s.log().Info("Lifespan sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log().Info("Lifespan sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.store.SweepExpired(time.Now().UTC())
			if err != nil {
				if s.Failfast {
					s.log().WithField("error", err).Fatal("Expiry sweep failed")
				}
				s.log().WithField("error", err).Warn("Expiry sweep failed")
				continue
			}
			if n > 0 {
				s.log().WithField("count", n).Debug("Swept expired quads")
			}
		}
	}
}
