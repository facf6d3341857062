// Package memstore 是 store.Store 的行程內實作
//
// 每個任務一把鎖（容量 1 的 channel，可被 context 中斷），
// 交易內的寫入先暫存在 tx，回呼成功後才套用，失敗則整批丟棄。
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/claimqueue/internal/store"
	"github.com/ChuLiYu/claimqueue/pkg/types"
)

// FaultFunc 注入錯誤用；op 為操作名稱（"lock", "count", "create", ...）
type FaultFunc func(op string, taskID types.TaskID) error

// Store 行程內的任務/訂單存放區
type Store struct {
	mu       sync.RWMutex
	tasks    map[types.TaskID]*types.Task
	users    map[types.UserID]*types.User
	accounts map[types.BuyerAccountID]*types.BuyerAccount
	orders   map[types.TaskID][]types.Order

	locksMu sync.Mutex
	locks   map[types.TaskID]chan struct{}

	fault FaultFunc
	now   func() time.Time
}

// New 建立空的 Store
func New() *Store {
	return &Store{
		tasks:    make(map[types.TaskID]*types.Task),
		users:    make(map[types.UserID]*types.User),
		accounts: make(map[types.BuyerAccountID]*types.BuyerAccount),
		orders:   make(map[types.TaskID][]types.Order),
		locks:    make(map[types.TaskID]chan struct{}),
		now:      time.Now,
	}
}

// SetFault 設定錯誤注入；傳 nil 取消
func (s *Store) SetFault(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

func (s *Store) injected(op string, taskID types.TaskID) error {
	s.mu.RLock()
	fn := s.fault
	s.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(op, taskID)
}

// PutTask 新增或覆寫任務
func (s *Store) PutTask(t types.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.UpdatedAt = t.CreatedAt
	s.tasks[t.ID] = &t
}

// PutUser 新增或覆寫使用者
func (s *Store) PutUser(u types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

// PutBuyerAccount 新增或覆寫買手帳號
func (s *Store) PutBuyerAccount(a types.BuyerAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = &a
}

// Task 回傳任務的副本
func (s *Store) Task(id types.TaskID) (types.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return types.Task{}, false
	}
	return *t, true
}

// Orders 回傳任務已提交訂單的副本
func (s *Store) Orders(taskID types.TaskID) []types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Order, len(s.orders[taskID]))
	copy(out, s.orders[taskID])
	return out
}

// CountOrders 已提交的訂單數
func (s *Store) CountOrders(taskID types.TaskID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders[taskID])
}

func (s *Store) taskLock(id types.TaskID) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[id] = l
	}
	return l
}

// WithTaskLock 取得任務鎖後執行 fn；fn 成功才提交暫存的寫入
func (s *Store) WithTaskLock(ctx context.Context, taskID types.TaskID, fn func(tx store.Tx) error) error {
	if err := s.injected("lock", taskID); err != nil {
		return err
	}

	l := s.taskLock(taskID)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", store.ErrLockTimeout, ctx.Err())
	}
	defer func() { <-l }()

	tx := &memTx{s: s, taskID: taskID}
	if err := fn(tx); err != nil {
		return err
	}
	if err := s.injected("commit", taskID); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *Store) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders[tx.taskID] = append(s.orders[tx.taskID], tx.staged...)
	if tx.status != nil {
		if t, ok := s.tasks[tx.taskID]; ok {
			t.Status = *tx.status
			t.UpdatedAt = s.now()
		}
	}
}

// memTx 一次 WithTaskLock 範圍內的交易
type memTx struct {
	s      *Store
	taskID types.TaskID
	staged []types.Order
	status *types.TaskStatus
}

func (tx *memTx) check(op string, taskID types.TaskID) error {
	if taskID != tx.taskID {
		return fmt.Errorf("memstore: %s on task %s outside lock scope %s", op, taskID, tx.taskID)
	}
	return tx.s.injected(op, taskID)
}

func (tx *memTx) GetTaskForUpdate(ctx context.Context, id types.TaskID) (*types.Task, error) {
	if err := tx.check("get_task", id); err != nil {
		return nil, err
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	t, ok := tx.s.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	if tx.status != nil {
		cp.Status = *tx.status
	}
	return &cp, nil
}

func (tx *memTx) CountOrders(ctx context.Context, taskID types.TaskID) (int, error) {
	if err := tx.check("count", taskID); err != nil {
		return 0, err
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return len(tx.s.orders[taskID]) + len(tx.staged), nil
}

func (tx *memTx) orders() []types.Order {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	all := make([]types.Order, 0, len(tx.s.orders[tx.taskID])+len(tx.staged))
	all = append(all, tx.s.orders[tx.taskID]...)
	return append(all, tx.staged...)
}

func (tx *memTx) FindOrderByUser(ctx context.Context, taskID types.TaskID, userID types.UserID) (*types.Order, error) {
	if err := tx.check("find_user", taskID); err != nil {
		return nil, err
	}
	for _, o := range tx.orders() {
		if o.UserID == userID {
			return &o, nil
		}
	}
	return nil, nil
}

func (tx *memTx) FindOrderByAccount(ctx context.Context, taskID types.TaskID, accountID types.BuyerAccountID) (*types.Order, error) {
	if err := tx.check("find_account", taskID); err != nil {
		return nil, err
	}
	for _, o := range tx.orders() {
		if o.BuyerAccountID == accountID {
			return &o, nil
		}
	}
	return nil, nil
}

func (tx *memTx) CreateOrder(ctx context.Context, o store.NewOrder) (types.OrderID, error) {
	if err := tx.check("create", o.TaskID); err != nil {
		return "", err
	}
	for _, existing := range tx.orders() {
		if existing.UserID == o.UserID || existing.BuyerAccountID == o.BuyerAccountID {
			return "", store.ErrDuplicateOrder
		}
	}
	order := types.Order{
		ID:             types.OrderID(uuid.NewString()),
		TaskID:         o.TaskID,
		UserID:         o.UserID,
		BuyerAccountID: o.BuyerAccountID,
		Status:         types.OrderClaimed,
		RewardAmount:   o.RewardAmount,
		ClaimedAt:      o.ClaimedAt,
	}
	tx.staged = append(tx.staged, order)
	return order.ID, nil
}

func (tx *memTx) GetUser(ctx context.Context, id types.UserID) (*types.User, error) {
	if err := tx.s.injected("get_user", tx.taskID); err != nil {
		return nil, err
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	u, ok := tx.s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (tx *memTx) GetBuyerAccount(ctx context.Context, id types.BuyerAccountID) (*types.BuyerAccount, error) {
	if err := tx.s.injected("get_account", tx.taskID); err != nil {
		return nil, err
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	a, ok := tx.s.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (tx *memTx) UpdateTaskStatus(ctx context.Context, id types.TaskID, status types.TaskStatus) error {
	if err := tx.check("update_status", id); err != nil {
		return err
	}
	tx.status = &status
	return nil
}
