package detect

import (
	"context"
	"sync"
	"time"

	"argus/config"
	"argus/core"
	"argus/metrics"
	"argus/queue"
	"argus/storage"
	"argus/util/goroutine"
	"go.uber.org/zap"
)

// Dispatcher delivers a triggered alert to the notification boundary. The
// implementation owns status transitions; the engine never blocks on
// delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *core.Alert, rule *core.AlertRule)
}

// windowEntry is one matched event inside a rule's sliding window.
type windowEntry struct {
	ts time.Time
	id string
}

// ruleState is the in-memory evaluation state of one active rule. State is
// rebuilt from scratch on restart; the window warms back up from live
// traffic. Each rule carries its own lock, so a slow alert write for one
// rule never stalls evaluation of the others.
type ruleState struct {
	rule   *core.AlertRule
	filter *core.Filter

	mu     sync.Mutex
	window []windowEntry // ordered by arrival
	seen   map[string]struct{}
	// suppressedUntil is the end of the cooldown after the last trigger.
	suppressedUntil time.Time
}

// Engine evaluates active rules against the enriched event stream. A rule
// alerts on the transition from below-threshold to at-threshold; further
// matches during the cooldown are counted but suppressed.
type Engine struct {
	rules      storage.RuleStore
	alerts     storage.AlertStore
	dispatcher Dispatcher
	cfg        config.EngineSettings
	logger     *zap.SugaredLogger

	nowFn func() time.Time

	// mu guards the states map itself; window mutations take the per-rule
	// lock inside each ruleState.
	mu     sync.RWMutex
	states map[string]*ruleState

	eventCh      chan *core.EnrichedEvent
	dispatchPool *core.WorkerPool
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewEngine creates an engine over the given stores and dispatcher.
func NewEngine(rules storage.RuleStore, alerts storage.AlertStore, dispatcher Dispatcher,
	cfg config.EngineSettings, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		rules:      rules,
		alerts:     alerts,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		nowFn:      time.Now,
		states:     make(map[string]*ruleState),
		eventCh:    make(chan *core.EnrichedEvent, cfg.ChannelBufferSize),
		stopCh:     make(chan struct{}),
	}
}

// Start loads rules and launches the evaluation workers and the poll, tick
// and pending-sweep loops.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.ReloadRules(ctx); err != nil {
		return err
	}

	workers := e.cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}

	e.dispatchPool = core.NewWorkerPool(ctx, workers, e.cfg.ChannelBufferSize, "alert-dispatch", e.logger)
	if err := e.dispatchPool.Start(); err != nil {
		return err
	}

	e.startLoop(ctx, "rule-poll", e.cfg.RulePollInterval, func() {
		if err := e.ReloadRules(ctx); err != nil {
			e.logger.Errorw("Failed to reload rules", "error", err)
		}
	})
	e.startLoop(ctx, "window-tick", e.cfg.TickInterval, func() {
		e.pruneAll()
	})
	e.startLoop(ctx, "pending-sweep", e.cfg.PendingSweepInterval, func() {
		e.sweepPending(ctx)
	})

	e.logger.Infow("Correlation engine started", "workers", workers, "rules", e.ruleCount())
	return nil
}

// Stop halts all loops and drains the workers.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	if e.dispatchPool != nil {
		e.dispatchPool.Stop()
	}
}

func (e *Engine) startLoop(ctx context.Context, name string, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer goroutine.Recover("engine-"+name, e.logger)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	defer goroutine.Recover("engine-worker", e.logger)
	for {
		select {
		case ev := <-e.eventCh:
			e.ProcessEvent(ctx, ev)
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// HandleMessage is the queue handler for the enriched stream. The event is
// queued for evaluation; window state is in-memory and rebuilt on restart,
// so handing off before evaluation loses nothing a crash would not lose
// anyway.
func (e *Engine) HandleMessage(ctx context.Context, data []byte) error {
	ev, err := queue.DecodeEnriched(data)
	if err != nil {
		return err
	}
	select {
	case e.eventCh <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessEvent evaluates one enriched event against every loaded rule. Each
// rule is evaluated under its own lock and alert persistence happens outside
// it, so independent rules proceed in parallel.
func (e *Engine) ProcessEvent(ctx context.Context, ev *core.EnrichedEvent) {
	now := e.nowFn().UTC()

	e.mu.RLock()
	states := make([]*ruleState, 0, len(e.states))
	for _, st := range e.states {
		states = append(states, st)
	}
	e.mu.RUnlock()

	for _, st := range states {
		if !st.filter.Match(&ev.Event) {
			continue
		}
		st.mu.Lock()
		alert := st.observe(ev, now, e.cfg.MaxWindowEvents)
		st.mu.Unlock()
		if alert != nil {
			e.persist(ctx, st, alert)
		}
	}
}

// persist writes a triggered alert and hands it to the dispatcher. On a
// write failure the cooldown is released, so the next matching event retries
// the trigger instead of being suppressed for an alert the store never saw.
func (e *Engine) persist(ctx context.Context, st *ruleState, alert *core.Alert) {
	if err := e.alerts.Insert(ctx, alert); err != nil {
		e.logger.Errorw("Failed to persist alert, next match will retry",
			"rule", st.rule.ID, "alert", alert.ID, "error", err)
		st.mu.Lock()
		if st.suppressedUntil.Equal(alert.TriggeredAt.Add(st.rule.EffectiveCooldown())) {
			st.suppressedUntil = time.Time{}
		}
		st.mu.Unlock()
		return
	}
	metrics.AlertsTriggered.WithLabelValues(st.rule.Type).Inc()
	e.logger.Infow("Alert triggered",
		"rule", st.rule.ID, "rule_name", st.rule.Name,
		"alert", alert.ID, "event_count", alert.EventCount)
	e.dispatch(ctx, alert, st.rule)
}

// dispatch hands delivery to the worker pool, falling back to a synchronous
// call when the pool is unavailable or saturated. Delivery must not be
// dropped: the pending sweep is a safety net, not the primary path.
func (e *Engine) dispatch(ctx context.Context, alert *core.Alert, rule *core.AlertRule) {
	task := func() { e.dispatcher.Dispatch(ctx, alert, rule) }
	if e.dispatchPool != nil {
		if err := e.dispatchPool.Submit(task); err == nil {
			return
		}
	}
	task()
}

// observe records a matching event and returns the alert if the window
// crossed the rule's threshold outside a cooldown. The cooldown engages
// here; the caller rolls it back if the alert cannot be persisted. Called
// with st.mu held.
func (st *ruleState) observe(ev *core.EnrichedEvent, now time.Time, maxWindow int) *core.Alert {
	st.prune(now)

	// Redelivered events must not inflate the count.
	if _, dup := st.seen[ev.EventID]; dup {
		return nil
	}
	st.seen[ev.EventID] = struct{}{}
	st.window = append(st.window, windowEntry{ts: now, id: ev.EventID})

	if maxWindow > 0 && len(st.window) > maxWindow {
		overflow := len(st.window) - maxWindow
		for _, old := range st.window[:overflow] {
			delete(st.seen, old.id)
		}
		st.window = st.window[overflow:]
	}

	if now.Before(st.suppressedUntil) {
		return nil
	}
	if len(st.window) < st.rule.ThresholdCount {
		return nil
	}

	ids := make([]string, len(st.window))
	for i, entry := range st.window {
		ids[i] = entry.id
	}
	st.suppressedUntil = now.Add(st.rule.EffectiveCooldown())
	return core.NewAlert(st.rule, now, ids)
}

// prune drops window entries older than the rule's time window.
func (st *ruleState) prune(now time.Time) {
	cutoff := now.Add(-st.rule.TimeWindow)
	drop := 0
	for _, entry := range st.window {
		if entry.ts.After(cutoff) {
			break
		}
		delete(st.seen, entry.id)
		drop++
	}
	st.window = st.window[drop:]
}

func (e *Engine) pruneAll() {
	now := e.nowFn().UTC()
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, st := range e.states {
		st.mu.Lock()
		st.prune(now)
		st.mu.Unlock()
	}
}

// ReloadRules snapshots the active rules from the store. A rule whose filter
// fails to compile is disabled alone; everything else keeps running. State
// carries over only for rules whose definition is unchanged.
func (e *Engine) ReloadRules(ctx context.Context) error {
	rules, err := e.rules.ListActive(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*ruleState, len(rules))
	for _, rule := range rules {
		if prev, ok := e.states[rule.ID]; ok && prev.rule.UpdatedAt.Equal(rule.UpdatedAt) {
			next[rule.ID] = prev
			continue
		}
		filter, err := core.CompileFilter(rule.FilterExpression)
		if err != nil {
			e.logger.Warnw("Rule filter failed to compile, rule disabled",
				"rule", rule.ID, "rule_name", rule.Name, "error", err)
			continue
		}
		next[rule.ID] = &ruleState{
			rule:   rule,
			filter: filter,
			seen:   make(map[string]struct{}),
		}
	}
	e.states = next
	return nil
}

func (e *Engine) ruleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.states)
}

// sweepPending resends notifications for alerts that stayed pending past the
// resend deadline, covering a crash between persistence and delivery.
func (e *Engine) sweepPending(ctx context.Context) {
	cutoff := e.nowFn().UTC().Add(-e.cfg.PendingResendAfter)
	stale, err := e.alerts.ListPendingBefore(ctx, cutoff)
	if err != nil {
		e.logger.Errorw("Pending alert sweep failed", "error", err)
		return
	}

	for _, alert := range stale {
		e.mu.RLock()
		st, ok := e.states[alert.RuleID]
		e.mu.RUnlock()
		if !ok {
			e.logger.Warnw("Pending alert references unknown or inactive rule",
				"alert", alert.ID, "rule", alert.RuleID)
			continue
		}
		e.logger.Infow("Resending pending alert", "alert", alert.ID, "rule", alert.RuleID)
		e.dispatcher.Dispatch(ctx, alert, st.rule)
	}
}
