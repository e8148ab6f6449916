package cluster

import (
	"context"
	"sync"
	"time"

	"slices"

	"go.uber.org/zap"
)

// RebalancerConfig tunes when slots are moved.
type RebalancerConfig struct {
	// ImbalanceRatio is the load factor over the mean at which a shard is
	// considered overloaded.
	ImbalanceRatio float64
	// HotKeyThreshold is the access count at which a slot counts as hot.
	HotKeyThreshold uint64
	// BatchSize is how many keys a mover transfers per call.
	BatchSize int
	// Interval is how often loads are evaluated.
	Interval time.Duration
	// QueueDepth bounds pending migration tasks.
	QueueDepth int
}

// DefaultRebalancerConfig returns the tuning used in production.
func DefaultRebalancerConfig() RebalancerConfig {
	return RebalancerConfig{
		ImbalanceRatio:  1.5,
		HotKeyThreshold: 100,
		BatchSize:       64,
		Interval:        30 * time.Second,
		QueueDepth:      256,
	}
}

// KeyMover transfers the keys of one slot between shards in batches. It
// returns the number of keys moved; zero means the slot is drained.
type KeyMover interface {
	MoveSlotKeys(ctx context.Context, slot, from, to, batch int) (int, error)
}

// task is one queued slot move.
type task struct {
	slot int
	from int
	to   int
}

// Rebalancer watches shard loads and migrates slots off overloaded shards.
// One background worker drains a bounded queue; duplicate tasks for a slot
// already queued are dropped.
type Rebalancer struct {
	mgr   *Manager
	mover KeyMover
	cfg   RebalancerConfig
	log   *zap.Logger

	queue  chan task
	mu     sync.Mutex
	queued map[int]struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRebalancer builds a rebalancer over mgr, moving data through mover.
func NewRebalancer(mgr *Manager, mover KeyMover, cfg RebalancerConfig, log *zap.Logger) *Rebalancer {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1
	}
	return &Rebalancer{
		mgr:    mgr,
		mover:  mover,
		cfg:    cfg,
		log:    log,
		queue:  make(chan task, cfg.QueueDepth),
		queued: make(map[int]struct{}),
		stop:   make(chan struct{}),
	}
}

// Start launches the evaluation ticker and the migration worker.
func (r *Rebalancer) Start() {
	r.wg.Add(2)
	go r.evalLoop()
	go r.worker()
}

// Close stops both goroutines and waits for the in-flight migration.
func (r *Rebalancer) Close() {
	close(r.stop)
	r.wg.Wait()
}

func (r *Rebalancer) evalLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.Evaluate()
		}
	}
}

// Evaluate inspects shard loads once and enqueues migrations for every
// overloaded shard. Exposed for tests and the ops surface.
func (r *Rebalancer) Evaluate() {
	loads := r.mgr.ShardLoads()
	if len(loads) < 2 {
		return
	}
	var total uint64
	for _, l := range loads {
		total += l
	}
	mean := float64(total) / float64(len(loads))
	if mean == 0 {
		return
	}

	coldest := 0
	for i, l := range loads {
		if l < loads[coldest] {
			coldest = i
		}
	}

	for shard, load := range loads {
		if shard == coldest {
			continue
		}
		if float64(load) < mean*r.cfg.ImbalanceRatio {
			continue
		}
		r.relieve(shard, coldest)
	}
}

// relieve picks the hottest movable slots on an overloaded shard and queues
// them toward the coldest shard.
func (r *Rebalancer) relieve(from, to int) {
	owned := r.mgr.SlotsOwnedBy(from)
	// Hottest first.
	slices.SortFunc(owned, func(a, b SlotLoad) int {
		switch {
		case a.Accesses > b.Accesses:
			return -1
		case a.Accesses < b.Accesses:
			return 1
		}
		return 0
	})

	for _, sl := range owned {
		if sl.Accesses < r.cfg.HotKeyThreshold {
			break
		}
		if err := r.enqueue(task{slot: sl.Slot, from: from, to: to}); err != nil {
			if err == ErrReQueued {
				continue
			}
			// Queue full; the next evaluation retries.
			return
		}
	}
}

func (r *Rebalancer) enqueue(t task) error {
	r.mu.Lock()
	if _, dup := r.queued[t.slot]; dup {
		r.mu.Unlock()
		return ErrReQueued
	}
	r.queued[t.slot] = struct{}{}
	r.mu.Unlock()

	select {
	case r.queue <- t:
		return nil
	default:
		r.mu.Lock()
		delete(r.queued, t.slot)
		r.mu.Unlock()
		return ErrShardUnavailable
	}
}

func (r *Rebalancer) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case t := <-r.queue:
			r.migrate(t)
			r.mu.Lock()
			delete(r.queued, t.slot)
			r.mu.Unlock()
		}
	}
}

// migrate runs one slot through the full state machine: prepare, activate
// dual-write, move keys in batches, commit. Any failure aborts and rolls
// the slot back to its original owner.
func (r *Rebalancer) migrate(t task) {
	ctx := context.Background()
	log := r.log.With(zap.Int("slot", t.slot), zap.Int("from", t.from), zap.Int("to", t.to))

	if err := r.mgr.BeginMigration(t.slot, t.to); err != nil {
		log.Debug("migration not started", zap.Error(err))
		return
	}
	if err := r.mgr.ActivateMigration(t.slot); err != nil {
		log.Warn("migration activation failed", zap.Error(err))
		r.mgr.AbortMigration(t.slot)
		return
	}

	moved := 0
	for {
		select {
		case <-r.stop:
			log.Info("shutdown during migration, aborting slot")
			r.mgr.AbortMigration(t.slot)
			return
		default:
		}

		n, err := r.mover.MoveSlotKeys(ctx, t.slot, t.from, t.to, r.cfg.BatchSize)
		if err != nil {
			log.Error("key move failed, aborting migration", zap.Error(err))
			r.mgr.AbortMigration(t.slot)
			return
		}
		moved += n
		if n < r.cfg.BatchSize {
			break
		}
	}

	if err := r.mgr.CommitMigration(t.slot); err != nil {
		log.Error("migration commit failed", zap.Error(err))
		r.mgr.AbortMigration(t.slot)
		return
	}
	log.Info("slot migrated", zap.Int("keys_moved", moved), zap.Uint64("epoch", r.mgr.Epoch()))
}
