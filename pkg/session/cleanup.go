package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// StartCleanup runs the expiry sweep in a goroutine until ctx is cancelled or Stop is called
func (s *AffinityStore) StartCleanup(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.runCleanup(ctx)
	})
}

// RunCleanup runs the expiry sweep in the calling goroutine until ctx is cancelled or Stop is called
func (s *AffinityStore) RunCleanup(ctx context.Context) error {
	started := false
	s.startOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("session cleanup already running")
	}
	s.runCleanup(ctx)
	return nil
}

func (s *AffinityStore) runCleanup(ctx context.Context) {
	defer close(s.doneCh)

	log.Info().
		Dur("interval", s.cleanupInterval).
		Msg("Started session cleanup loop")

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Session cleanup loop stopped (context cancelled)")
			return
		case <-s.stopCh:
			log.Info().Msg("Session cleanup loop stopped (stop signal)")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep runs one Cleanup pass; a panic in a pass is logged and the loop keeps going
func (s *AffinityStore) sweep() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Session cleanup sweep failed")
		}
	}()

	if removed := s.Cleanup(); removed > 0 {
		log.Debug().Int("removed", removed).Msg("Removed expired session pins")
	}
}

// Stop signals the cleanup loop to stop and waits for it to finish
func (s *AffinityStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	// Never started
	started := true
	s.startOnce.Do(func() { started = false })
	if !started {
		return
	}

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Session cleanup loop did not stop within timeout")
	}
}
