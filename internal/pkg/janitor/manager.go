package janitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/warpstation/internal/pkg/config"
)

const (
	lockKey   = "warp:janitor:lock"
	lastKey   = "warp:janitor:last"
	totalsKey = "warp:janitor:totals"
)

// ErrSweepInProgress is returned by RunNow while another sweep holds the lock,
// in this process or on another replica.
var ErrSweepInProgress = errors.New("janitor: sweep already in progress")

// Runner runs one sweep.
type Runner interface {
	RunOnce(ctx context.Context) (*SweepResult, error)
}

// Manager runs the sweeper on a fixed interval and records the outcome in Redis.
type Manager struct {
	runner   Runner
	rdb      *redis.Client
	lock     *Lock
	interval time.Duration
	timeout  time.Duration

	ticker  *time.Ticker
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	runMu   sync.Mutex
}

// NewManager creates a manager. Without a Redis client sweeps are only
// serialized within this process and nothing is recorded.
func NewManager(runner Runner, rdb *redis.Client, cfg config.Janitor) *Manager {
	m := &Manager{
		runner:   runner,
		rdb:      rdb,
		interval: cfg.Interval,
		timeout:  cfg.LockTTL,
	}
	if rdb != nil {
		m.lock = NewLock(rdb, lockKey, cfg.LockTTL)
	}
	return m
}

// Start starts the periodic sweep
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	m.ticker = time.NewTicker(m.interval)
	m.wg.Add(1)
	go m.sweepWorker(m.ticker, m.stopCh)

	log.Infof("[Janitor] Started, sweeping every %s", m.interval)
}

// Stop stops the periodic sweep and waits for a running one to finish
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Janitor] Stopping...")
	m.ticker.Stop()
	close(m.stopCh)
	m.stopCh = nil
	m.running = false
	m.wg.Wait()
	log.Info("[Janitor] Stopped")
}

// IsRunning reports whether the periodic sweep is active
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) sweepWorker(ticker *time.Ticker, stopCh chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			if _, err := m.RunNow(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
				log.Errorf("[Janitor] Sweep failed: %v", err)
			}
			cancel()
		case <-stopCh:
			return
		}
	}
}

// RunNow runs one sweep immediately unless another one is running.
func (m *Manager) RunNow(ctx context.Context) (*SweepResult, error) {
	if !m.runMu.TryLock() {
		return nil, ErrSweepInProgress
	}
	defer m.runMu.Unlock()

	if m.lock != nil {
		token, ok, err := m.lock.TryAcquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire janitor lock: %w", err)
		}
		if !ok {
			log.Debug("[Janitor] Another replica is sweeping, skipping")
			return nil, ErrSweepInProgress
		}
		defer func() {
			if err := m.lock.Release(context.WithoutCancel(ctx), token); err != nil {
				log.Warnf("[Janitor] Releasing lock failed: %v", err)
			}
		}()
	}

	res, err := m.runner.RunOnce(ctx)
	if res != nil {
		if rerr := m.record(context.WithoutCancel(ctx), res); rerr != nil {
			log.Warnf("[Janitor] Recording sweep %s failed: %v", res.RunID, rerr)
		}
	}
	return res, err
}

func (m *Manager) record(ctx context.Context, res *SweepResult) error {
	if m.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	pipe := m.rdb.TxPipeline()
	pipe.Set(ctx, lastKey, payload, 0)
	for field, n := range res.Counters() {
		if n != 0 {
			pipe.HIncrBy(ctx, totalsKey, field, n)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

// LastResult returns the most recent recorded sweep, or nil if there is none.
func (m *Manager) LastResult(ctx context.Context) (*SweepResult, error) {
	if m.rdb == nil {
		return nil, nil
	}
	raw, err := m.rdb.Get(ctx, lastKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res SweepResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode last sweep: %w", err)
	}
	return &res, nil
}

// Totals returns lifetime counters summed over all recorded sweeps.
func (m *Manager) Totals(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	if m.rdb == nil {
		return out, nil
	}
	data, err := m.rdb.HGetAll(ctx, totalsKey).Result()
	if err != nil {
		return nil, err
	}
	for field, v := range data {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[field] = n
	}
	return out, nil
}
