package eamsync

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/buildfocus/equipcast_backend/config"
	"github.com/buildfocus/equipcast_backend/models"
	"gorm.io/gorm"
)

const schedulerLockKey = "eam:sync:tick"

// Scheduler runs a worker pass for every active organization on a fixed
// interval. A redis lock guards the tick itself so replicas don't all fire;
// per-item exclusivity is already handled by the queue claim.
type Scheduler struct {
	db          *gorm.DB
	worker      *Worker
	interval    time.Duration
	concurrency int
}

func NewScheduler(db *gorm.DB, worker *Worker) *Scheduler {
	return &Scheduler{
		db:          db,
		worker:      worker,
		interval:    time.Duration(envInt("SYNC_WORKER_INTERVAL_SECONDS", 300)) * time.Second,
		concurrency: envInt("SYNC_WORKER_CONCURRENCY", 4),
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	locker := config.GetRedisLock()
	if locker != nil {
		lock, err := locker.Obtain(ctx, schedulerLockKey, s.interval/2, nil)
		if err == redislock.ErrNotObtained {
			return
		}
		if err != nil {
			config.LogError(config.GetLogger(), "eamsync", "tick", "obtain scheduler lock", nil, err)
			return
		}
		defer lock.Release(ctx)
	}

	conns, err := models.ListConnectedConnections(ctx, s.db)
	if err != nil {
		config.LogError(config.GetLogger(), "eamsync", "tick", "list connections", nil, err)
		return
	}

	sem := make(chan struct{}, s.concurrency)
	done := make(chan struct{})
	pending := 0
	for _, conn := range conns {
		orgId := conn.OrganizationId
		pending++
		sem <- struct{}{}
		go func() {
			defer func() {
				<-sem
				done <- struct{}{}
			}()
			if _, err := s.worker.RunPass(ctx, orgId, models.SyncTriggeredScheduled); err != nil {
				config.LogError(config.GetLogger(), "eamsync", "tick", "worker pass", orgId, err)
			}
		}()
	}
	for i := 0; i < pending; i++ {
		<-done
	}
}
