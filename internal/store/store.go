// Package store 定義 claim 處理器所依賴的外部協作者介面
//
// 處理器只透過 Store.WithTaskLock 接觸 Task/Order 資料：
// 回呼內的所有讀寫都在同一個原子單元中執行，並持有該任務的獨佔權。
// 回呼返回錯誤時，單元內的寫入全部丟棄。
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ChuLiYu/claimqueue/pkg/types"
)

var (
	// ErrUnavailable 儲存層暫時不可用（可重試）
	ErrUnavailable = errors.New("store unavailable")
	// ErrLockTimeout 取得任務鎖逾時（可重試）
	ErrLockTimeout = errors.New("task lock timeout")
	// ErrDuplicateOrder 唯一索引衝突；正常情況下鎖內檢查會先擋下
	ErrDuplicateOrder = errors.New("duplicate order")
)

// NewOrder CreateOrder 的輸入
type NewOrder struct {
	TaskID         types.TaskID
	UserID         types.UserID
	BuyerAccountID types.BuyerAccountID
	RewardAmount   decimal.Decimal
	ClaimedAt      time.Time
}

// Tx 在任務鎖內可用的操作。查無資料時回傳 (nil, nil)。
type Tx interface {
	// GetTaskForUpdate 讀取任務；WithTaskLock 已經持有該任務的獨佔權
	GetTaskForUpdate(ctx context.Context, id types.TaskID) (*types.Task, error)
	CountOrders(ctx context.Context, taskID types.TaskID) (int, error)
	FindOrderByUser(ctx context.Context, taskID types.TaskID, userID types.UserID) (*types.Order, error)
	FindOrderByAccount(ctx context.Context, taskID types.TaskID, accountID types.BuyerAccountID) (*types.Order, error)
	CreateOrder(ctx context.Context, o NewOrder) (types.OrderID, error)
	GetUser(ctx context.Context, id types.UserID) (*types.User, error)
	GetBuyerAccount(ctx context.Context, id types.BuyerAccountID) (*types.BuyerAccount, error)
	UpdateTaskStatus(ctx context.Context, id types.TaskID, status types.TaskStatus) error
}

// Store 提供以任務為範圍的獨佔交易
type Store interface {
	WithTaskLock(ctx context.Context, taskID types.TaskID, fn func(tx Tx) error) error
}
