package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360studio/agentcore/agent"
)

// ValidationReport summarizes one repair pass.
type ValidationReport struct {
	Repaired int `json:"repaired"`
	Errors   int `json:"errors"`
}

// StateValidator periodically repairs coordinator state in the shared
// store: expired reservations are reclaimed back to ready queues and
// orphaned entries are removed. It never raises to the caller; failures
// are counted and logged.
type StateValidator struct {
	rdb         redis.UniversalClient
	coordinator *Coordinator
	keys        keyspace
	interval    time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	now func() time.Time
}

// ValidatorOption customizes a StateValidator.
type ValidatorOption func(*StateValidator)

// WithValidatorLogger sets the structured logger.
func WithValidatorLogger(l *slog.Logger) ValidatorOption {
	return func(v *StateValidator) { v.logger = l }
}

// WithSweepInterval sets the cadence of the background sweep.
func WithSweepInterval(d time.Duration) ValidatorOption {
	return func(v *StateValidator) { v.interval = d }
}

// WithValidatorClock overrides the wall clock.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *StateValidator) { v.now = now }
}

// NewStateValidator creates a validator over the same store and key
// prefix as the given coordinator.
func NewStateValidator(rdb redis.UniversalClient, coord *Coordinator, opts ...ValidatorOption) *StateValidator {
	v := &StateValidator{
		rdb:         rdb,
		coordinator: coord,
		keys:        coord.keys,
		interval:    time.Second,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Start launches the background sweep loop. Safe to call once.
func (v *StateValidator) Start(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.done = make(chan struct{})
	v.running = true

	go func() {
		defer close(v.done)
		ticker := time.NewTicker(v.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				report := v.ValidateAndRepair(loopCtx)
				if report.Repaired > 0 || report.Errors > 0 {
					v.logger.Info("State validation pass",
						"repaired", report.Repaired,
						"errors", report.Errors)
				}
			}
		}
	}()
	v.logger.Info("State validator started", "interval", v.interval)
}

// Stop cancels the sweep loop and waits for it to exit.
func (v *StateValidator) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.running {
		return
	}
	v.cancel()
	<-v.done
	v.running = false
	v.logger.Info("State validator stopped")
}

// ValidateAndRepair runs one full repair pass: a coordinator-driven
// recovery, a targeted per-instance sweep, and a brute-force fallback
// over every reservation hash. The layered passes guard against scan
// and ordering races in the shared store.
func (v *StateValidator) ValidateAndRepair(ctx context.Context) ValidationReport {
	var report ValidationReport

	// Pass 1: coordinator-driven recovery across all instances. Cleaned
	// orphan deadline entries count as repairs here: the inconsistency
	// is gone even though no payload moved.
	for _, t := range agent.AllTypes {
		for inst := range v.coordinator.discoverInstances(ctx, t) {
			recovered, cleaned := v.coordinator.recoverInstance(ctx, agent.NewID(t, inst))
			report.Repaired += recovered + cleaned
		}
	}

	// Pass 2: targeted sweep per discovered instance, catching orphaned
	// reservations the deadline scan alone can miss.
	for _, t := range agent.AllTypes {
		for inst := range v.coordinator.discoverInstances(ctx, t) {
			v.sweepInstance(ctx, agent.NewID(t, inst), &report)
		}
	}

	// Pass 3: brute-force over every reservation hash, keeping tokens as
	// the store returned them so membership removal stays byte-exact.
	v.bruteForce(ctx, &report)

	validationRepairs.Add(float64(report.Repaired))
	return report
}

// sweepInstance repairs one (type, instance) pair: expired deadline
// entries plus reserved tokens whose deadline score is missing or stale.
func (v *StateValidator) sweepInstance(ctx context.Context, id agent.ID, report *ValidationReport) {
	nowUS := v.now().UnixMicro()
	dkey := v.keys.reservedDeadlines(id)

	expired := make(map[string]struct{})
	tokens, err := v.rdb.ZRangeByScore(ctx, dkey, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(nowUS, 10),
	}).Result()
	if err != nil {
		v.countError(ctx, report, "deadline scan", id, err)
		return
	}
	for _, tok := range tokens {
		expired[tok] = struct{}{}
	}

	// Reserved tokens with no deadline entry are orphans; treat them as
	// expired so their payloads go back to the ready queues.
	held, err := v.rdb.HKeys(ctx, v.keys.reserved(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		v.countError(ctx, report, "reservation scan", id, err)
	}
	for _, tok := range held {
		score, zerr := v.rdb.ZScore(ctx, dkey, tok).Result()
		if errors.Is(zerr, redis.Nil) || (zerr == nil && int64(score) <= nowUS) {
			expired[tok] = struct{}{}
		}
	}

	for tok := range expired {
		if v.repairToken(ctx, id, tok, nowUS) {
			report.Repaired++
		} else {
			v.countError(ctx, report, "token repair", id, nil)
		}
	}
}

// repairToken re-enqueues the payload held under tok (or cleans up the
// bare deadline entry when the payload is already gone). Idempotent
// against a concurrent ack.
func (v *StateValidator) repairToken(ctx context.Context, id agent.ID, tok string, nowUS int64) bool {
	payload, err := v.rdb.HGet(ctx, v.keys.reserved(id), tok).Result()
	if errors.Is(err, redis.Nil) {
		v.rdb.ZRem(ctx, v.keys.reservedDeadlines(id), tok)
		return true
	}
	if err != nil {
		return false
	}
	return v.coordinator.requeueExpired(ctx, id, tok, payload, nowUS)
}

// bruteForce iterates every reserved hash directly. This is the safety
// net for reservations whose instance never showed up in a scan.
func (v *StateValidator) bruteForce(ctx context.Context, report *ValidationReport) {
	nowUS := v.now().UnixMicro()
	for _, t := range agent.AllTypes {
		keysList, err := v.rdb.Keys(ctx, v.keys.reservedPattern(t)).Result()
		if err != nil {
			continue
		}
		for _, hashKey := range keysList {
			inst := instanceFromKey(hashKey)
			if inst == "" {
				continue
			}
			id := agent.NewID(t, inst)
			held, herr := v.rdb.HKeys(ctx, hashKey).Result()
			if herr != nil {
				continue
			}
			for _, tok := range held {
				score, zerr := v.rdb.ZScore(ctx, v.keys.reservedDeadlines(id), tok).Result()
				if zerr == nil && int64(score) > nowUS {
					continue
				}
				if v.repairToken(ctx, id, tok, nowUS) {
					report.Repaired++
				}
			}
		}
	}
}

func (v *StateValidator) countError(ctx context.Context, report *ValidationReport, op string, id agent.ID, err error) {
	report.Errors++
	validationErrors.Inc()
	if err := v.rdb.HIncrBy(ctx, v.keys.metrics(), "state_validation_errors", 1).Err(); err != nil {
		v.logger.Debug("Metric increment failed", "error", err)
	}
	v.logger.Warn("State validation inconsistency", "op", op, "agent", id.String(), "error", err)
}
