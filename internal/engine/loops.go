package engine

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/claimqueue/internal/events"
	"github.com/ChuLiYu/claimqueue/internal/ledger"
	"github.com/ChuLiYu/claimqueue/internal/worker"
	"github.com/ChuLiYu/claimqueue/pkg/types"
)

// dispatchLoop 把可分派單元交給 Worker Pool
//
// ledger.Ready() 只是提示，定時器兜底（例如 Resume 前後的競爭）。
func (e *Engine) dispatchLoop() {
	defer e.loopWg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			log.Info("Dispatch loop stopped")
			return
		case <-e.ledger.Ready():
		case <-ticker.C:
			e.refreshGauges()
		}
		e.dispatchReady()
	}
}

func (e *Engine) dispatchReady() {
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		unit, ok := e.ledger.Next()
		if !ok {
			return
		}
		e.metrics.RecordDispatch()
		log.Debug("Unit dispatched",
			"unit_id", unit.ID, "task_id", unit.Request.TaskID,
			"user_id", unit.Request.UserID, "attempt", unit.Attempt)

		if err := e.pool.Submit(worker.Job{Unit: unit, Timeout: e.cfg.ProcessTimeout}); err != nil {
			// 單元保持 active，下次啟動時從快照恢復
			log.Error("Failed to submit unit", "unit_id", unit.ID, "error", err)
			return
		}
	}
}

// resultLoop 處理 Worker 結果，直到 Pool 關閉
func (e *Engine) resultLoop() {
	defer e.resultWg.Done()
	for {
		result, err := e.pool.ReceiveResult()
		if errors.Is(err, worker.ErrPoolClosed) {
			log.Info("Result loop stopped")
			return
		}
		e.handleResult(result)
	}
}

func (e *Engine) handleResult(r worker.Result) {
	unit := r.Unit
	if r.Err == nil {
		e.resolve(unit.ID, r.Outcome)
		return
	}

	if unit.Attempt >= e.cfg.MaxAttempts {
		log.Error("Unit failed, attempts exhausted",
			"unit_id", unit.ID, "task_id", unit.Request.TaskID,
			"attempt", unit.Attempt, "error", r.Err)
		e.resolve(unit.ID, types.Reject(types.ReasonInternalError))
		return
	}

	if _, err := e.ledger.Retry(unit.ID); err != nil {
		log.Error("Failed to mark retry", "unit_id", unit.ID, "error", err)
		return
	}
	e.metrics.RecordRetry()

	delay := e.backoff(unit.Attempt)
	log.Warn("Unit failed, retrying",
		"unit_id", unit.ID, "task_id", unit.Request.TaskID,
		"attempt", unit.Attempt, "backoff", delay, "error", r.Err)
	e.scheduleReopen(unit.ID, delay)
}

// backoff 第 attempt 次失敗後的等待：base * 2^(attempt-1)，不超過 max
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 1; i < attempt && d < e.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > e.cfg.BackoffMax {
		d = e.cfg.BackoffMax
	}
	return d
}

func (e *Engine) scheduleReopen(id types.UnitID, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.timers[id] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, id)
		e.mu.Unlock()
		if err := e.ledger.Reopen(id); err != nil && !errors.Is(err, ledger.ErrNotBackingOff) {
			log.Warn("Failed to reopen unit", "unit_id", id, "error", err)
		}
	})
}

func (e *Engine) resolve(id types.UnitID, outcome types.Outcome) {
	unit, err := e.ledger.Resolve(id, outcome)
	if errors.Is(err, ledger.ErrAlreadyResolved) {
		log.Warn("Duplicate resolve ignored", "unit_id", id, "outcome", outcome.String())
		return
	}
	if err != nil {
		log.Error("Failed to resolve unit", "unit_id", id, "error", err)
		return
	}

	if unit.Kind == types.UnitClaim {
		latency := time.Since(unit.Request.SubmittedAt).Seconds()
		e.metrics.RecordOutcome(outcome.Accepted, string(outcome.Reason), latency)
	}
	log.Debug("Unit resolved",
		"unit_id", id, "task_id", unit.Request.TaskID,
		"user_id", unit.Request.UserID, "outcome", outcome.String())

	select {
	case e.publishCh <- events.FromUnit(unit):
	default:
		log.Warn("Outcome event dropped, publish buffer full", "unit_id", id)
	}
}

// publishLoop 依序發布結果事件；失敗只記錄
func (e *Engine) publishLoop() {
	defer e.publishWg.Done()
	for ev := range e.publishCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.publisher.Publish(ctx, ev); err != nil {
			log.Warn("Failed to publish outcome", "unit_id", ev.UnitID, "error", err)
		}
		cancel()
	}
}

// purgeLoop 定期清除過期結果
func (e *Engine) purgeLoop() {
	defer e.loopWg.Done()
	ticker := time.NewTicker(e.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			log.Info("Purge loop stopped")
			return
		case <-ticker.C:
			e.PurgeCompleted(e.cfg.Retention)
		}
	}
}

// snapshotLoop 定期生成快照
func (e *Engine) snapshotLoop() {
	defer e.loopWg.Done()
	ticker := time.NewTicker(e.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := e.Checkpoint(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}
