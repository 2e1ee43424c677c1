// Package daemon schedules reconciliation cycles: one immediately at
// startup, then one per polling interval, plus early runs when a
// watched source signals changes.
//
// The daemon never stops on cycle failure; the engine records the
// failure in its metrics and the next tick tries again.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/photomirror/photomirror/internal/engine"
)

// Config holds daemon scheduling knobs.
type Config struct {
	// PollInterval is the fixed time between cycles.
	PollInterval time.Duration

	// TriggerDebounce is how long to wait after a source change signal
	// before running an early cycle, batching bursts of changes.
	TriggerDebounce time.Duration

	// Logger for daemon activity.
	Logger *log.Logger

	// OnCycleComplete, when set, is called with the fresh metrics
	// snapshot after every cycle that actually ran (dropped triggers
	// excluded). Used to push live updates to the dashboard.
	OnCycleComplete func(engine.Snapshot)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:    10 * time.Minute,
		TriggerDebounce: 2 * time.Second,
		Logger:          log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon drives the engine on a timer.
type Daemon struct {
	engine  *engine.Engine
	config  *Config
	changes <-chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon. changes may be nil when no source watcher is
// wired; it then runs purely on the poll interval.
func New(eng *engine.Engine, changes <-chan struct{}, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		engine:  eng,
		config:  config,
		changes: changes,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start runs the scheduling loop until ctx is cancelled or Stop is
// called. The first cycle runs immediately.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("starting, poll interval %v", d.config.PollInterval)

	d.runCycle(ctx)

	d.wg.Add(1)
	go d.loop(ctx)

	select {
	case <-ctx.Done():
		d.config.Logger.Println("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the scheduling loop down and waits for it to exit. A
// running cycle always completes; cycles are never cancelled midway.
func (d *Daemon) Stop() error {
	d.cancel()
	d.wg.Wait()
	d.config.Logger.Println("stopped")
	return nil
}

// loop waits for ticks and change signals.
func (d *Daemon) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.runCycle(ctx)

		case _, ok := <-d.changes:
			if !ok {
				d.changes = nil
				continue
			}
			// Batch bursts: (re)arm the debounce timer.
			if debounce == nil {
				debounce = time.NewTimer(d.config.TriggerDebounce)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(d.config.TriggerDebounce)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			d.config.Logger.Println("source changed, running early cycle")
			d.runCycle(ctx)
		}
	}
}

// runCycle triggers the engine, logging failures without stopping the
// schedule. An in-flight cycle means this trigger is simply dropped.
func (d *Daemon) runCycle(ctx context.Context) {
	err := d.engine.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrCycleInFlight):
		// Already logged by the engine. No snapshot change either.
		return
	default:
		d.config.Logger.Printf("cycle error: %v", err)
	}

	if d.config.OnCycleComplete != nil {
		d.config.OnCycleComplete(d.engine.Metrics())
	}
}
