package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	publishTimeout   = 2 * time.Second
	offlineRetention = 24 * time.Hour
)

func (s *Store) markDirty(userID string) {
	if s.replicator == nil {
		return
	}

	s.dirtyMu.Lock()
	s.dirty[userID] = struct{}{}
	s.dirtyMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the replication loop. It is a no-op without a replicator.
func (s *Store) Start() {
	if s.replicator == nil {
		return
	}
	s.wg.Add(1)
	go s.run()
	log.Info().Dur("flush", s.flushEvery).Dur("refresh", s.refresh).Msg("presence replication started")
}

// Stop flushes pending changes and stops the replication loop.
func (s *Store) Stop() {
	if s.replicator == nil {
		return
	}
	close(s.done)
	s.wg.Wait()
	log.Info().Msg("presence replication stopped")
}

func (s *Store) run() {
	defer s.wg.Done()

	var refresh <-chan time.Time
	if s.refresh > 0 {
		ticker := time.NewTicker(s.refresh)
		defer ticker.Stop()
		refresh = ticker.C
	}

	for {
		select {
		case <-s.done:
			s.flush()
			return
		case <-s.wake:
			// Coalesce bursts into one flush per window.
			timer := time.NewTimer(s.flushEvery)
			select {
			case <-timer.C:
			case <-s.done:
				timer.Stop()
				s.flush()
				return
			}
			s.flush()
		case <-refresh:
			s.republish()
		}
	}
}

func (s *Store) flush() {
	s.dirtyMu.Lock()
	users := s.dirty
	s.dirty = make(map[string]struct{})
	s.dirtyMu.Unlock()

	for userID := range users {
		s.publish(userID)
	}
}

func (s *Store) publish(userID string) {
	p, ok := s.local(userID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	rec := Record{
		UserID:    userID,
		Status:    p.Status,
		LastSeen:  p.LastSeen,
		Devices:   p.Devices,
		UpdatedAt: s.now(),
	}
	if err := s.replicator.Publish(ctx, rec); err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("presence publish failed")
		s.markDirty(userID)
	}
}

// republish refreshes records of online users.
func (s *Store) republish() {
	var online []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for userID, e := range sh.users {
			if len(e.devices) > 0 {
				online = append(online, userID)
			}
		}
		sh.mu.RUnlock()
	}

	for _, userID := range online {
		s.publish(userID)
	}
}
