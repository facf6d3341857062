// ============================================================================
// Claim 佇列帳本 - 工作單元狀態機
// ============================================================================
//
// Package: internal/ledger
// 文件: ledger.go
// 功能: 領取請求的入口佇列、去重與結果通道
//
// 設計理念:
//   1. units map - 所有工作單元的單一真實來源
//   2. byKey - (task, user) → 目前有效的單元，用於去重
//   3. lanes - 每個任務一條 FIFO 車道；同一時間每條車道最多一個單元被分派
//   4. ready - 可分派車道的 FIFO，不同任務之間輪流
//
// 工作單元狀態轉換:
//   Waiting
//      ↓ Next()
//   Active
//      ↓ Resolve()            ↓ Retry()
//   Completed / Failed      Waiting（退避中，車道保持佔用）
//                              ↓ Reopen()
//                           Waiting（回到車道頭）
//
// 結果通道:
//   每個單元一個 done channel，只在 Resolve 時關閉一次；
//   所有持有同一單元 handle 的呼叫者看到同一個 Outcome。
//
// 持久化:
//   Recorder 在狀態變更前被呼叫（持有鎖），用於寫前日誌。
//   Snapshot/Restore/Apply 用於崩潰恢復，恢復後未完成的單元標記 Recovered。
//
// ============================================================================

package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/claimqueue/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// handle 不存在（或已被清除）
	ErrUnknownHandle = errors.New("unknown handle")
	// 單元不在處理中
	ErrNotActive = errors.New("unit not active")
	// 單元不在退避等待中
	ErrNotBackingOff = errors.New("unit not backing off")
	// 單元已經有結果
	ErrAlreadyResolved = errors.New("unit already resolved")
	// 請求欄位不完整
	ErrInvalidRequest = errors.New("invalid claim request")
)

// Op 寫前日誌的操作種類
type Op string

const (
	OpSubmit   Op = "SUBMIT"
	OpDispatch Op = "DISPATCH"
	OpRetry    Op = "RETRY"
	OpResolve  Op = "RESOLVE"
)

// Recorder 在狀態變更前記錄；unit 是變更後的狀態
type Recorder interface {
	Record(op Op, unit types.Unit) error
}

// Stats 佇列深度
type Stats struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Lanes     int  `json:"lanes"`
	Paused    bool `json:"paused"`
}

// ============================================================================
// 資料結構
// ============================================================================

type entry struct {
	unit     *types.Unit
	done     chan struct{}
	outcome  types.Outcome // 只在 done 關閉前寫入一次
	backoff  bool
	resolved bool
}

type lane struct {
	pending []types.UnitID
	busy    bool // 有單元處理中或退避中
	ready   bool // 已在 ready 佇列
}

// Ledger 工作單元帳本
type Ledger struct {
	mu     sync.RWMutex
	units  map[types.UnitID]*entry
	byKey  map[types.ClaimKey]types.UnitID
	lanes  map[types.TaskID]*lane
	ready  []types.TaskID
	counts map[types.UnitStatus]int
	paused bool
	seq    uint64

	signal   chan struct{}
	recorder Recorder
	newID    func() types.UnitID
	now      func() time.Time
}

// Option 設定 Ledger
type Option func(*Ledger)

// WithRecorder 設定寫前日誌
func WithRecorder(r Recorder) Option {
	return func(l *Ledger) { l.recorder = r }
}

// WithClock 設定時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New 建立帳本
func New(opts ...Option) *Ledger {
	l := &Ledger{
		units:  make(map[types.UnitID]*entry),
		byKey:  make(map[types.ClaimKey]types.UnitID),
		lanes:  make(map[types.TaskID]*lane),
		counts: make(map[types.UnitStatus]int),
		signal: make(chan struct{}, 1),
		newID:  func() types.UnitID { return types.UnitID(uuid.NewString()) },
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ============================================================================
// Handle
// ============================================================================

// Handle 指向一個工作單元的結果
type Handle struct {
	e *entry
}

// ID 單元識別碼
func (h *Handle) ID() types.UnitID { return h.e.unit.ID }

// Done 單元有結果時關閉
func (h *Handle) Done() <-chan struct{} { return h.e.done }

// Outcome 非阻塞讀取結果
func (h *Handle) Outcome() (types.Outcome, bool) {
	select {
	case <-h.e.done:
		return h.e.outcome, true
	default:
		return types.Outcome{}, false
	}
}

// Wait 等待結果直到 ctx 結束；ctx 結束不影響單元本身
func (h *Handle) Wait(ctx context.Context) (types.Outcome, error) {
	select {
	case <-h.e.done:
		return h.e.outcome, nil
	case <-ctx.Done():
		return types.Outcome{}, ctx.Err()
	}
}

// ============================================================================
// 提交
// ============================================================================

// Submit 提交領取請求
//
// 同一 (task, user) 已有等待中、處理中或已接受的單元時回傳既有 handle（created=false）。
// 既有單元以拒絕結束時，視為新的嘗試並建立新單元。
func (l *Ledger) Submit(req types.ClaimRequest) (*Handle, bool, error) {
	if req.TaskID == "" || req.UserID == "" || req.BuyerAccountID == "" {
		return nil, false, ErrInvalidRequest
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := req.Key()
	if id, ok := l.byKey[key]; ok {
		if e := l.units[id]; e != nil && (!e.resolved || e.outcome.Accepted) {
			return &Handle{e: e}, false, nil
		}
	}

	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = l.now()
	}
	e, err := l.add(types.UnitClaim, req)
	if err != nil {
		return nil, false, err
	}
	l.byKey[key] = e.unit.ID
	return &Handle{e: e}, true, nil
}

// SubmitAdmin 在任務車道上排入管理操作（不去重）
func (l *Ledger) SubmitAdmin(taskID types.TaskID, kind types.UnitKind) (*Handle, error) {
	if taskID == "" {
		return nil, ErrInvalidRequest
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.add(kind, types.ClaimRequest{TaskID: taskID, SubmittedAt: l.now()})
	if err != nil {
		return nil, err
	}
	return &Handle{e: e}, nil
}

// add 建立單元並排入車道，呼叫端持有鎖
func (l *Ledger) add(kind types.UnitKind, req types.ClaimRequest) (*entry, error) {
	now := l.now().UnixMilli()
	unit := &types.Unit{
		ID:        l.newID(),
		Seq:       l.seq + 1,
		Kind:      kind,
		Request:   req,
		Status:    types.StatusWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.record(OpSubmit, unit); err != nil {
		return nil, err
	}
	l.seq = unit.Seq

	e := &entry{unit: unit, done: make(chan struct{})}
	l.units[unit.ID] = e
	l.counts[types.StatusWaiting]++
	l.enqueue(unit.Request.TaskID, unit.ID)
	return e, nil
}

func (l *Ledger) laneFor(taskID types.TaskID) *lane {
	ln, ok := l.lanes[taskID]
	if !ok {
		ln = &lane{}
		l.lanes[taskID] = ln
	}
	return ln
}

func (l *Ledger) enqueue(taskID types.TaskID, id types.UnitID) {
	ln := l.laneFor(taskID)
	ln.pending = append(ln.pending, id)
	l.markReady(taskID, ln)
}

// markReady 車道有待處理單元且未被佔用時加入 ready 佇列
func (l *Ledger) markReady(taskID types.TaskID, ln *lane) {
	if ln.busy || ln.ready || len(ln.pending) == 0 {
		return
	}
	ln.ready = true
	l.ready = append(l.ready, taskID)
	l.notify()
}

func (l *Ledger) notify() {
	if l.paused {
		return
	}
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Ready 有可分派單元時收到通知
func (l *Ledger) Ready() <-chan struct{} {
	return l.signal
}

func (l *Ledger) record(op Op, unit *types.Unit) error {
	if l.recorder == nil {
		return nil
	}
	return l.recorder.Record(op, *unit)
}

func (l *Ledger) setStatus(u *types.Unit, status types.UnitStatus) {
	l.counts[u.Status]--
	l.counts[status]++
	u.Status = status
	u.UpdatedAt = l.now().UnixMilli()
}

// ============================================================================
// 分派與結果
// ============================================================================

// Next 取出下一個可分派單元並標記為處理中；暫停或無工作時回傳 false
func (l *Ledger) Next() (types.Unit, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused {
		return types.Unit{}, false
	}

	for len(l.ready) > 0 {
		taskID := l.ready[0]
		l.ready = l.ready[1:]

		ln := l.lanes[taskID]
		if ln == nil {
			continue
		}
		ln.ready = false
		if ln.busy {
			continue
		}
		if len(ln.pending) == 0 {
			delete(l.lanes, taskID)
			continue
		}

		id := ln.pending[0]
		ln.pending = ln.pending[1:]
		e := l.units[id]
		if e == nil || e.resolved {
			l.markReady(taskID, ln)
			continue
		}

		ln.busy = true
		e.unit.Attempt++
		l.setStatus(e.unit, types.StatusActive)
		if err := l.record(OpDispatch, e.unit); err != nil {
			log.Warn("failed to record dispatch", "unit_id", id, "error", err)
		}

		if len(l.ready) > 0 {
			l.notify()
		}
		return *e.unit, true
	}
	return types.Unit{}, false
}

// Resolve 寫入最終結果並喚醒所有等待者
func (l *Ledger) Resolve(id types.UnitID, outcome types.Outcome) (types.Unit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.units[id]
	if !ok {
		return types.Unit{}, ErrUnknownHandle
	}
	if e.resolved {
		return *e.unit, ErrAlreadyResolved
	}

	status := types.StatusCompleted
	if outcome.Reason == types.ReasonInternalError {
		status = types.StatusFailed
	}
	holdsLane := e.unit.Status == types.StatusActive || e.backoff

	out := outcome
	e.unit.Outcome = &out
	e.unit.ResolvedAt = l.now().UnixMilli()
	e.unit.Recovered = false
	l.setStatus(e.unit, status)
	if err := l.record(OpResolve, e.unit); err != nil {
		log.Error("failed to record resolve", "unit_id", id, "error", err)
	}

	e.outcome = outcome
	e.resolved = true
	e.backoff = false
	close(e.done)

	if holdsLane {
		l.release(e.unit.Request.TaskID, id)
	} else {
		l.dropPending(e.unit.Request.TaskID, id)
	}
	return *e.unit, nil
}

// release 單元離開車道頭後釋放車道
func (l *Ledger) release(taskID types.TaskID, id types.UnitID) {
	ln := l.lanes[taskID]
	if ln == nil {
		return
	}
	for i, pid := range ln.pending {
		if pid == id {
			ln.pending = append(ln.pending[:i], ln.pending[i+1:]...)
			break
		}
	}
	ln.busy = false
	if len(ln.pending) == 0 && !ln.ready {
		delete(l.lanes, taskID)
		return
	}
	l.markReady(taskID, ln)
}

// Retry 處理失敗，單元回到等待但車道保持佔用，直到 Reopen
func (l *Ledger) Retry(id types.UnitID) (types.Unit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.units[id]
	if !ok {
		return types.Unit{}, ErrUnknownHandle
	}
	if e.unit.Status != types.StatusActive {
		return *e.unit, ErrNotActive
	}

	l.setStatus(e.unit, types.StatusWaiting)
	if err := l.record(OpRetry, e.unit); err != nil {
		log.Warn("failed to record retry", "unit_id", id, "error", err)
	}
	e.backoff = true
	return *e.unit, nil
}

// Reopen 退避結束，單元回到車道頭
func (l *Ledger) Reopen(id types.UnitID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.units[id]
	if !ok {
		return ErrUnknownHandle
	}
	if !e.backoff {
		return ErrNotBackingOff
	}
	e.backoff = false

	taskID := e.unit.Request.TaskID
	ln := l.laneFor(taskID)
	ln.pending = append([]types.UnitID{id}, ln.pending...)
	ln.busy = false
	l.markReady(taskID, ln)
	return nil
}

// ============================================================================
// 營運控制
// ============================================================================

// Pause 停止分派；處理中的單元照常完成
func (l *Ledger) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
}

// Resume 恢復分派
func (l *Ledger) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = false
	if len(l.ready) > 0 {
		l.notify()
	}
}

// Paused 是否暫停中
func (l *Ledger) Paused() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.paused
}

// PurgeCompleted 清除結果保留超過 olderThan 的已結束單元，回傳清除數量
func (l *Ledger) PurgeCompleted(olderThan time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-olderThan).UnixMilli()
	purged := 0
	for id, e := range l.units {
		if !e.resolved || e.unit.ResolvedAt > cutoff {
			continue
		}
		delete(l.units, id)
		l.counts[e.unit.Status]--
		if e.unit.Kind == types.UnitClaim {
			key := e.unit.Request.Key()
			if l.byKey[key] == id {
				delete(l.byKey, key)
			}
		}
		purged++
	}
	return purged
}

// Stats 各狀態數量
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Stats{
		Waiting:   l.counts[types.StatusWaiting],
		Active:    l.counts[types.StatusActive],
		Completed: l.counts[types.StatusCompleted],
		Failed:    l.counts[types.StatusFailed],
		Lanes:     len(l.lanes),
		Paused:    l.paused,
	}
}

// Lookup 以 handle 識別碼取得 handle
func (l *Ledger) Lookup(id types.UnitID) (*Handle, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.units[id]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return &Handle{e: e}, nil
}

// Unit 取得單元副本
func (l *Ledger) Unit(id types.UnitID) (types.Unit, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.units[id]
	if !ok {
		return types.Unit{}, false
	}
	return *e.unit, true
}

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot 當前所有單元的深拷貝，依提交順序排列
func (l *Ledger) Snapshot() types.SnapshotData {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() types.SnapshotData {
	units := make([]*types.Unit, 0, len(l.units))
	for _, e := range l.units {
		cp := *e.unit
		if cp.Outcome != nil {
			out := *cp.Outcome
			cp.Outcome = &out
		}
		units = append(units, &cp)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].Seq < units[j].Seq })

	return types.SnapshotData{
		Units:     units,
		SchemaVer: 1,
		LastSeq:   l.seq,
	}
}

// Checkpoint 持有寫鎖呼叫 fn，期間沒有任何狀態變更會被記錄
func (l *Ledger) Checkpoint(fn func(types.SnapshotData) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(l.snapshotLocked())
}

// Restore 以快照取代目前狀態；未結束的單元重新排入車道
func (l *Ledger) Restore(data types.SnapshotData) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.units = make(map[types.UnitID]*entry)
	l.byKey = make(map[types.ClaimKey]types.UnitID)
	l.lanes = make(map[types.TaskID]*lane)
	l.ready = nil
	l.counts = make(map[types.UnitStatus]int)
	l.seq = data.LastSeq

	units := make([]*types.Unit, 0, len(data.Units))
	for _, u := range data.Units {
		if u != nil {
			units = append(units, u)
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i].Seq < units[j].Seq })
	for _, u := range units {
		cp := *u
		l.restoreUnit(&cp)
	}
	return nil
}

// Apply 重放一筆寫前日誌
func (l *Ledger) Apply(op Op, unit types.Unit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.units[unit.ID]
	switch op {
	case OpSubmit:
		if exists {
			return nil
		}
		u := unit
		l.restoreUnit(&u)
	case OpDispatch, OpRetry:
		if exists && !e.resolved && unit.Attempt > e.unit.Attempt {
			e.unit.Attempt = unit.Attempt
		}
	case OpResolve:
		if !exists || e.resolved || unit.Outcome == nil {
			return nil
		}
		l.counts[e.unit.Status]--
		u := unit
		u.Recovered = false
		e.unit = &u
		l.counts[u.Status]++
		e.outcome = *u.Outcome
		e.resolved = true
		close(e.done)
		l.dropPending(u.Request.TaskID, u.ID)
	}
	return nil
}

// restoreUnit 加入一個來自快照/日誌的單元，呼叫端持有鎖
func (l *Ledger) restoreUnit(u *types.Unit) {
	e := &entry{unit: u, done: make(chan struct{})}

	if u.Status.IsTerminal() && u.Outcome != nil {
		e.outcome = *u.Outcome
		e.resolved = true
		close(e.done)
	} else {
		u.Status = types.StatusWaiting
		u.Recovered = true
		u.Outcome = nil
	}

	l.units[u.ID] = e
	l.counts[u.Status]++
	if u.Seq > l.seq {
		l.seq = u.Seq
	}

	if u.Kind == types.UnitClaim {
		l.byKey[u.Request.Key()] = u.ID
	}
	if !e.resolved {
		l.enqueue(u.Request.TaskID, u.ID)
	}
}

func (l *Ledger) dropPending(taskID types.TaskID, id types.UnitID) {
	ln := l.lanes[taskID]
	if ln == nil {
		return
	}
	for i, pid := range ln.pending {
		if pid == id {
			ln.pending = append(ln.pending[:i], ln.pending[i+1:]...)
			break
		}
	}
	if len(ln.pending) == 0 && !ln.busy && !ln.ready {
		delete(l.lanes, taskID)
	}
}
