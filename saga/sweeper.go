package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-saga/saga/log"
)

const (
	defaultSweepInterval = 5 * time.Second
	defaultSweepLimit    = 100
)

// SweeperConfig controls the timeout sweep loop.
type SweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// Limit caps how many expired instances one sweep handles.
	Limit int
	// Logger used by the sweep loop.
	Logger log.Logger
}

func (cfg *SweeperConfig) normalize() {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}

	if cfg.Limit <= 0 {
		cfg.Limit = defaultSweepLimit
	}

	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
}

// Sweeper periodically scans for saga instances whose step deadline has
// passed and hands them to the orchestrator's timeout handler. It implements
// App so it can be managed by a Launcher.
type Sweeper struct {
	orchestrator *Orchestrator
	store        InstanceStore
	cfg          SweeperConfig
	clock        func() time.Time

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a timeout sweeper over the given store.
func NewSweeper(orchestrator *Orchestrator, store InstanceStore, cfg SweeperConfig) (*Sweeper, error) {
	if orchestrator == nil {
		return nil, ErrOrchestratorRequired
	}

	if store == nil {
		return nil, ErrStoreRequired
	}

	cfg.normalize()

	return &Sweeper{
		orchestrator: orchestrator,
		store:        store,
		cfg:          cfg,
		clock:        func() time.Time { return time.Now().UTC() },
		stop:         make(chan struct{}),
	}, nil
}

// Run starts the sweep loop and blocks until Stop is called. It returns
// ErrSweeperRunning when the sweeper is already active.
func (sweeper *Sweeper) Run(_ *Launcher) error {
	sweeper.mu.Lock()

	if sweeper.running {
		sweeper.mu.Unlock()

		return ErrSweeperRunning
	}

	sweeper.running = true
	sweeper.mu.Unlock()

	sweeper.wg.Add(1)

	go sweeper.loop()

	sweeper.wg.Wait()

	return nil
}

func (sweeper *Sweeper) loop() {
	defer sweeper.wg.Done()

	ticker := time.NewTicker(sweeper.cfg.Interval)
	defer ticker.Stop()

	ctx := context.Background()

	sweeper.cfg.Logger.Log(ctx, log.LevelInfo, "timeout sweeper started",
		log.Duration("interval", sweeper.cfg.Interval))

	for {
		select {
		case <-sweeper.stop:
			sweeper.cfg.Logger.Log(ctx, log.LevelInfo, "timeout sweeper stopped")

			return
		case <-ticker.C:
			if _, err := sweeper.SweepOnce(ctx); err != nil {
				sweeper.cfg.Logger.Log(ctx, log.LevelError, "timeout sweep failed", log.Err(err))
			}
		}
	}
}

// SweepOnce performs a single sweep and returns how many expired instances
// were handled. Per-instance handler errors are logged and do not abort the
// sweep; the instance stays expired and is retried next tick.
func (sweeper *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	expired, err := sweeper.store.ListExpired(ctx, sweeper.clock(), sweeper.cfg.Limit)
	if err != nil {
		return 0, fmt.Errorf("listing expired instances: %w", err)
	}

	handled := 0

	for _, instance := range expired {
		if err := sweeper.orchestrator.HandleStepTimeout(ctx, instance.ID); err != nil {
			sweeper.cfg.Logger.Log(ctx, log.LevelError, "timeout handling failed",
				log.String("saga_id", instance.ID.String()), log.Err(err))

			continue
		}

		handled++
	}

	return handled, nil
}

// Stop signals the sweep loop to exit and waits for it.
func (sweeper *Sweeper) Stop() {
	sweeper.stopOnce.Do(func() {
		close(sweeper.stop)
	})

	sweeper.wg.Wait()
}
