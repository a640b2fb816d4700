package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/rtcore-go/internal/repository"
)

const cleanupTimeout = 30 * time.Second

// Pruner drops presence entries of users offline past retention.
type Pruner interface {
	PruneOffline(ctx context.Context) (int64, error)
}

// CleanupJob periodically deletes store-and-forward entries past their
// expiry, whether or not they were ever acknowledged, and prunes stale
// offline presence.
type CleanupJob struct {
	pendingRepo repository.PendingMessageRepository
	presence    Pruner
	interval    time.Duration
	done        chan struct{}
	stopped     chan struct{}
}

func NewCleanupJob(pendingRepo repository.PendingMessageRepository, presence Pruner, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		pendingRepo: pendingRepo,
		presence:    presence,
		interval:    interval,
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

// Stop waits for an in-flight sweep to finish.
func (j *CleanupJob) Stop() {
	close(j.done)
	<-j.stopped
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	defer close(j.stopped)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if j.pendingRepo != nil {
		j.runCleanup(ctx, "pending messages", j.pendingRepo.DeleteExpired)
	}
	if j.presence != nil {
		j.runCleanup(ctx, "offline presence", j.presence.PruneOffline)
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
