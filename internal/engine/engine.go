// ============================================================================
// Claim Engine - 領取引擎核心協調器
// ============================================================================
//
// Package: internal/engine
// 文件: engine.go
// 功能: 協調帳本、處理器、Worker Pool、寫前日誌與快照
//
// 架構設計:
//   - Ledger: 工作單元狀態（去重、每任務 FIFO 車道、結果通道）
//   - Processor: 在 Store.WithTaskLock 內執行領取規則
//   - WorkerPool: 不同任務的單元並發執行
//   - WAL + Snapshot: 可選的持久化，用於崩潰恢復
//
// 核心循環:
//   1. Dispatch Loop - ledger.Ready() 通知或定時器觸發時取出可分派單元
//   2. Result Loop - 接收 Worker 結果：業務結果 → Resolve；錯誤 → 退避重試
//   3. Purge Loop - 定期清除保留期已過的結果
//   4. Snapshot Loop - 定期快照並旋轉 WAL
//   5. Publish Loop - 把最終結果送到 events.Publisher
//
// 崩潰恢復流程:
//   1. snapshot.Load() → ledger.Restore()
//   2. wal.Replay() → ledger.Apply()
//   3. 未結束的單元標記 Recovered 後重新排入車道
//
// 重試:
//   基礎設施錯誤以指數退避重試；退避期間車道保持佔用，
//   同一任務後面的單元不會越過它。MaxAttempts 次後 → internal_error。
//
// 關閉順序:
//   stopCh → 等待分派/清除/快照循環 → pool.Stop() → 結果循環排空
//   → 最後一次快照 → 關閉 WAL
//
// ============================================================================

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/claimqueue/internal/events"
	"github.com/ChuLiYu/claimqueue/internal/ledger"
	"github.com/ChuLiYu/claimqueue/internal/metrics"
	"github.com/ChuLiYu/claimqueue/internal/processor"
	"github.com/ChuLiYu/claimqueue/internal/snapshot"
	"github.com/ChuLiYu/claimqueue/internal/storage/wal"
	"github.com/ChuLiYu/claimqueue/internal/store"
	"github.com/ChuLiYu/claimqueue/internal/worker"
	"github.com/ChuLiYu/claimqueue/pkg/types"
)

var log = slog.Default()

var (
	// ErrNotStarted 引擎尚未啟動
	ErrNotStarted = errors.New("engine not started")
	// ErrStopped 引擎已停止
	ErrStopped = errors.New("engine stopped")
)

// ============================================================================
// 配置
// ============================================================================

// Config Engine 配置
type Config struct {
	WorkerCount    int           // Worker 數量
	QueueBuffer    int           // Pool 通道緩衝
	MaxAttempts    int           // 每個單元最多執行次數
	BackoffBase    time.Duration // 第一次重試前的等待
	BackoffMax     time.Duration // 退避上限
	ProcessTimeout time.Duration // 單次執行上限

	Retention     time.Duration // 結果保留時間
	PurgeInterval time.Duration // 清除間隔，0 代表不自動清除

	JournalPath       string        // 空字串代表不持久化
	SnapshotPath      string        // 預設為 JournalPath + ".snapshot"
	SnapshotInterval  time.Duration // 快照間隔
	JournalBufferSize int           // WAL 批次緩衝
	JournalSync       bool          // 每筆都 fsync
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		WorkerCount:       8,
		QueueBuffer:       1024,
		MaxAttempts:       3,
		BackoffBase:       50 * time.Millisecond,
		BackoffMax:        2 * time.Second,
		ProcessTimeout:    5 * time.Second,
		Retention:         10 * time.Minute,
		PurgeInterval:     time.Minute,
		SnapshotInterval:  30 * time.Second,
		JournalBufferSize: 256,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.WorkerCount <= 0 {
		c.WorkerCount = d.WorkerCount
	}
	if c.QueueBuffer <= 0 {
		c.QueueBuffer = d.QueueBuffer
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = d.ProcessTimeout
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = d.SnapshotInterval
	}
	if c.JournalBufferSize <= 0 {
		c.JournalBufferSize = d.JournalBufferSize
	}
	if c.JournalPath != "" && c.SnapshotPath == "" {
		c.SnapshotPath = c.JournalPath + ".snapshot"
	}
}

// Option 設定 Engine
type Option func(*Engine)

// WithMetrics 啟用 Prometheus 指標
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPublisher 設定結果事件出口
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithExecutor 取代預設的 processor（測試用）
func WithExecutor(x worker.Executor) Option {
	return func(e *Engine) { e.exec = x }
}

// ============================================================================
// Engine
// ============================================================================

// Engine 領取引擎
type Engine struct {
	cfg       Config
	ledger    *ledger.Ledger
	exec      worker.Executor
	pool      *worker.Pool
	wal       *wal.WAL
	snapshot  *snapshot.Manager
	metrics   *metrics.Collector
	publisher events.Publisher

	publishCh chan events.OutcomeEvent
	stopCh    chan struct{}
	loopWg    sync.WaitGroup // dispatch / purge / snapshot
	resultWg  sync.WaitGroup
	publishWg sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopped  bool
	timers   map[types.UnitID]*time.Timer
	stopOnce sync.Once
	stopErr  error
}

// New 建立 Engine；Start 之前不會分派任何單元
func New(cfg Config, st store.Store, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()

	e := &Engine{
		cfg:       cfg,
		publisher: events.NopPublisher{},
		stopCh:    make(chan struct{}),
		timers:    make(map[types.UnitID]*time.Timer),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.exec == nil {
		if st == nil {
			return nil, errors.New("engine: store is required")
		}
		e.exec = processor.New(st)
	}

	var ledgerOpts []ledger.Option
	if cfg.JournalPath != "" {
		w, err := wal.NewWAL(cfg.JournalPath, wal.Options{
			SyncOnAppend:  cfg.JournalSync,
			BufferSize:    cfg.JournalBufferSize,
			FlushInterval: 100 * time.Millisecond,
			KeepBackups:   true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		e.wal = w
		e.snapshot = snapshot.NewManager(cfg.SnapshotPath)
		ledgerOpts = append(ledgerOpts, ledger.WithRecorder(journal{w}))
	}

	e.ledger = ledger.New(ledgerOpts...)
	e.pool = worker.NewPool(e.exec, cfg.QueueBuffer)
	e.publishCh = make(chan events.OutcomeEvent, cfg.QueueBuffer)
	return e, nil
}

// Start 恢復狀態並啟動所有循環
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return nil
	}

	if e.wal != nil {
		if err := e.recover(); err != nil {
			return err
		}
	}

	if err := e.pool.Start(e.cfg.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	e.resultWg.Add(1)
	go e.resultLoop()
	e.publishWg.Add(1)
	go e.publishLoop()

	e.loopWg.Add(1)
	go e.dispatchLoop()
	if e.cfg.PurgeInterval > 0 {
		e.loopWg.Add(1)
		go e.purgeLoop()
	}
	if e.wal != nil {
		e.loopWg.Add(1)
		go e.snapshotLoop()
	}

	e.started = true
	log.Info("Engine started", "workers", e.cfg.WorkerCount, "journal", e.cfg.JournalPath != "")
	return nil
}

// recover 快照 + 日誌重放
func (e *Engine) recover() error {
	start := time.Now()

	data, err := e.snapshot.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := e.ledger.Restore(data); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}

	replayed := 0
	err = e.wal.Replay(func(ev wal.Event) error {
		if ev.Unit == nil {
			return nil
		}
		replayed++
		return e.ledger.Apply(ledger.Op(ev.Type), *ev.Unit)
	})
	var corrupt *wal.CorruptionError
	switch {
	case errors.As(err, &corrupt):
		// 崩潰時寫到一半的尾端；之前的事件已套用
		log.Warn("Journal tail corrupted, continuing with replayed prefix",
			"last_seq", corrupt.Seq, "offset", corrupt.Offset, "error", corrupt.Cause)
	case err != nil:
		return fmt.Errorf("failed to replay journal: %w", err)
	}

	stats := e.ledger.Stats()
	recoveryTime := time.Since(start)
	e.metrics.SetRecoveryTime(recoveryTime.Seconds())
	log.Info("Recovery completed",
		"duration", recoveryTime,
		"snapshot_units", len(data.Units),
		"replayed_events", replayed,
		"requeued", stats.Waiting)
	return nil
}

// Stop 優雅關閉；處理中的單元會完成，退避中的單元留在快照裡等待下次啟動
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		started := e.started
		e.stopped = true
		for id, t := range e.timers {
			t.Stop()
			delete(e.timers, id)
		}
		e.mu.Unlock()

		close(e.stopCh)
		e.loopWg.Wait()

		if started {
			e.pool.Stop()
			e.resultWg.Wait()
		}
		close(e.publishCh)
		e.publishWg.Wait()

		if e.wal != nil {
			// 沒啟動過就沒恢復過，不能用空帳本覆蓋快照
			if started {
				if err := e.Checkpoint(); err != nil {
					log.Error("Final snapshot failed", "error", err)
					e.stopErr = err
				}
			}
			if err := e.wal.Close(); err != nil && e.stopErr == nil {
				e.stopErr = err
			}
		}
		log.Info("Engine stopped")
	})
	return e.stopErr
}

// ============================================================================
// 對外介面
// ============================================================================

// SubmitClaim 提交領取請求；重複的 (task, user) 拿到同一個 handle
func (e *Engine) SubmitClaim(taskID types.TaskID, userID types.UserID, accountID types.BuyerAccountID) (*ledger.Handle, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	h, created, err := e.ledger.Submit(types.ClaimRequest{
		TaskID:         taskID,
		UserID:         userID,
		BuyerAccountID: accountID,
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordSubmit(created)
	if !created {
		log.Debug("Claim deduplicated", "task_id", taskID, "user_id", userID, "unit_id", h.ID())
	}
	return h, nil
}

// AwaitClaim 等待結果最多 timeout（<=0 代表只受 ctx 限制）
//
// 逾時只代表呼叫者不再等待，單元照常執行；之後可以用同一個 handle 再等。
func (e *Engine) AwaitClaim(ctx context.Context, h *ledger.Handle, timeout time.Duration) (types.ClaimResult, error) {
	if out, ok := h.Outcome(); ok {
		return types.ClaimResult{Outcome: out}, nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := h.Wait(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.ClaimResult{TimedOut: true}, nil
	case err != nil:
		return types.ClaimResult{TimedOut: true}, err
	}
	return types.ClaimResult{Outcome: out}, nil
}

// Lookup 以 handle 字串取得 handle
func (e *Engine) Lookup(id string) (*ledger.Handle, error) {
	return e.ledger.Lookup(types.UnitID(id))
}

// Unit 取得單元目前狀態
func (e *Engine) Unit(id string) (types.Unit, bool) {
	return e.ledger.Unit(types.UnitID(id))
}

// CancelTask 在任務車道上取消任務
func (e *Engine) CancelTask(ctx context.Context, taskID types.TaskID) (types.Outcome, error) {
	return e.admin(ctx, taskID, types.UnitCancelTask)
}

// CompleteTask 在任務車道上結束任務
func (e *Engine) CompleteTask(ctx context.Context, taskID types.TaskID) (types.Outcome, error) {
	return e.admin(ctx, taskID, types.UnitCompleteTask)
}

func (e *Engine) admin(ctx context.Context, taskID types.TaskID, kind types.UnitKind) (types.Outcome, error) {
	if err := e.ready(); err != nil {
		return types.Outcome{}, err
	}
	h, err := e.ledger.SubmitAdmin(taskID, kind)
	if err != nil {
		return types.Outcome{}, err
	}
	log.Info("Task mutation queued", "task_id", taskID, "kind", kind, "unit_id", h.ID())
	return h.Wait(ctx)
}

// Pause 停止分派新單元
func (e *Engine) Pause() {
	e.ledger.Pause()
	log.Info("Dispatch paused")
}

// Resume 恢復分派
func (e *Engine) Resume() {
	e.ledger.Resume()
	log.Info("Dispatch resumed")
}

// Paused 是否暫停中
func (e *Engine) Paused() bool {
	return e.ledger.Paused()
}

// PurgeCompleted 清除結束超過 olderThan 的單元
func (e *Engine) PurgeCompleted(olderThan time.Duration) int {
	n := e.ledger.PurgeCompleted(olderThan)
	if n > 0 {
		log.Info("Purged resolved units", "count", n, "older_than", olderThan)
	}
	e.refreshGauges()
	return n
}

// Stats 佇列深度
func (e *Engine) Stats() ledger.Stats {
	s := e.ledger.Stats()
	e.metrics.UpdateQueueStats(s.Waiting, s.Active, s.Completed, s.Failed)
	return s
}

// Checkpoint 寫快照並旋轉日誌；未啟用日誌時為 no-op
func (e *Engine) Checkpoint() error {
	if e.wal == nil {
		return nil
	}
	start := time.Now()
	var units int
	err := e.ledger.Checkpoint(func(data types.SnapshotData) error {
		units = len(data.Units)
		if err := e.snapshot.Write(data); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		if err := e.wal.Rotate(); err != nil {
			return fmt.Errorf("failed to rotate journal: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("Snapshot taken", "duration", time.Since(start), "units", units)
	return nil
}

// ready 啟動前回傳 ErrNotStarted，停止後回傳 ErrStopped
func (e *Engine) ready() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.stopped:
		return ErrStopped
	case !e.started:
		return ErrNotStarted
	}
	return nil
}

func (e *Engine) refreshGauges() {
	if e.metrics == nil {
		return
	}
	s := e.ledger.Stats()
	e.metrics.UpdateQueueStats(s.Waiting, s.Active, s.Completed, s.Failed)
}
