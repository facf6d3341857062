// Package types 定義了 claimqueue 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 識別碼
// ============================================================================

// TaskID 商家發布的任務識別碼
type TaskID string

// UserID 平台使用者識別碼
type UserID string

// BuyerAccountID 買手帳號識別碼（與平台使用者不同的身分）
type BuyerAccountID string

// OrderID 訂單識別碼
type OrderID string

// UnitID 佇列中一個工作單元的識別碼，同時作為呼叫端持有的 handle
type UnitID string

// ============================================================================
// Task / Order
// ============================================================================

// TaskStatus 任務狀態
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"   // 已建立，尚未開放領取
	TaskActive    TaskStatus = "active"    // 開放領取中
	TaskCompleted TaskStatus = "completed" // 已結束
	TaskCancelled TaskStatus = "cancelled" // 已取消
)

// Valid 檢查狀態是否為已知值
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskActive, TaskCompleted, TaskCancelled:
		return true
	default:
		return false
	}
}

// IsClosed 已結束或已取消的任務不會再開放
func (s TaskStatus) IsClosed() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// CanTransition 狀態只能單向前進，唯一例外是 pending -> active
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	switch s {
	case TaskPending:
		return to == TaskActive || to == TaskCancelled
	case TaskActive:
		return to == TaskCompleted || to == TaskCancelled
	default:
		return false
	}
}

// Task 商家發布的任務，TotalCount 發布後不可變
type Task struct {
	ID           TaskID          `json:"id" yaml:"id"`
	MerchantID   string          `json:"merchant_id" yaml:"merchant_id"`
	TotalCount   int             `json:"total_count" yaml:"total_count"`
	Status       TaskStatus      `json:"status" yaml:"status"`
	RewardAmount decimal.Decimal `json:"reward_amount" yaml:"reward_amount"`
	CreatedAt    time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time       `json:"updated_at" yaml:"-"`
}

// OrderStatus 訂單狀態；本引擎只會建立 OrderClaimed
type OrderStatus string

const (
	OrderClaimed OrderStatus = "claimed" // 已領取，等待履約
)

// Order 一筆被接受的領取
type Order struct {
	ID             OrderID         `json:"id"`
	TaskID         TaskID          `json:"task_id"`
	UserID         UserID          `json:"user_id"`
	BuyerAccountID BuyerAccountID  `json:"buyer_account_id"`
	Status         OrderStatus     `json:"status"`
	RewardAmount   decimal.Decimal `json:"reward_amount"`
	ClaimedAt      time.Time       `json:"claimed_at"`
}

// User 平台使用者
type User struct {
	ID   UserID `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// BuyerAccount 買手帳號
type BuyerAccount struct {
	ID       BuyerAccountID `json:"id" yaml:"id"`
	UserID   UserID         `json:"user_id" yaml:"user_id"`
	Platform string         `json:"platform" yaml:"platform"`
}

// ============================================================================
// Claim 請求與結果
// ============================================================================

// ClaimKey 去重用的鍵：同一任務、同一使用者
type ClaimKey struct {
	TaskID TaskID `json:"task_id"`
	UserID UserID `json:"user_id"`
}

func (k ClaimKey) String() string {
	return fmt.Sprintf("%s/%s", k.TaskID, k.UserID)
}

// ClaimRequest 一次領取請求，只存在於佇列中
type ClaimRequest struct {
	TaskID         TaskID         `json:"task_id"`
	UserID         UserID         `json:"user_id"`
	BuyerAccountID BuyerAccountID `json:"buyer_account_id"`
	SubmittedAt    time.Time      `json:"submitted_at"`
}

// Key 回傳請求的去重鍵
func (r ClaimRequest) Key() ClaimKey {
	return ClaimKey{TaskID: r.TaskID, UserID: r.UserID}
}

// RejectReason 拒絕原因（固定列舉）
type RejectReason string

const (
	ReasonTaskNotFound       RejectReason = "task_not_found"
	ReasonTaskNotOpen        RejectReason = "task_not_open"
	ReasonCapacityExhausted  RejectReason = "capacity_exhausted"
	ReasonAlreadyClaimed     RejectReason = "already_claimed"
	ReasonAccountAlreadyUsed RejectReason = "account_already_used"
	ReasonInvalidReference   RejectReason = "invalid_reference"
	ReasonInternalError      RejectReason = "internal_error"
)

// Business 業務拒絕在原子單元內決定，不會重試
func (r RejectReason) Business() bool {
	switch r {
	case ReasonTaskNotFound, ReasonTaskNotOpen, ReasonCapacityExhausted,
		ReasonAlreadyClaimed, ReasonAccountAlreadyUsed, ReasonInvalidReference:
		return true
	default:
		return false
	}
}

// Outcome 一個工作單元的最終結果：Accepted(orderID) 或 Rejected(reason)
type Outcome struct {
	Accepted bool         `json:"accepted"`
	OrderID  OrderID      `json:"order_id,omitempty"`
	Reason   RejectReason `json:"reason,omitempty"`
}

// Accept 建立接受結果
func Accept(id OrderID) Outcome {
	return Outcome{Accepted: true, OrderID: id}
}

// Reject 建立拒絕結果
func Reject(reason RejectReason) Outcome {
	return Outcome{Reason: reason}
}

func (o Outcome) String() string {
	if o.Accepted {
		return fmt.Sprintf("accepted(%s)", o.OrderID)
	}
	return fmt.Sprintf("rejected(%s)", o.Reason)
}

// ClaimResult AwaitClaim 的回傳值；TimedOut 時 Outcome 為零值
type ClaimResult struct {
	Outcome
	TimedOut bool `json:"timed_out,omitempty"`
}

// ============================================================================
// 工作單元
// ============================================================================

// UnitKind 工作單元種類
type UnitKind string

const (
	UnitClaim        UnitKind = "claim"         // 領取
	UnitCancelTask   UnitKind = "cancel_task"   // 管理操作：取消任務
	UnitCompleteTask UnitKind = "complete_task" // 管理操作：結束任務
)

// UnitStatus 工作單元狀態
type UnitStatus string

const (
	StatusWaiting   UnitStatus = "waiting"   // 等待分派（含退避等待重試）
	StatusActive    UnitStatus = "active"    // 處理中
	StatusCompleted UnitStatus = "completed" // 已得到業務結果（接受或業務拒絕）
	StatusFailed    UnitStatus = "failed"    // 重試耗盡，結果為 internal_error
)

// IsTerminal 是否為最終狀態
func (s UnitStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Unit 佇列中的一個工作單元
type Unit struct {
	ID        UnitID       `json:"id"`
	Seq       uint64       `json:"seq"` // 提交順序，恢復時用來重建 FIFO
	Kind      UnitKind     `json:"kind"`
	Request   ClaimRequest `json:"request"`
	Status    UnitStatus   `json:"status"`
	Attempt   int          `json:"attempt"`             // 已分派次數
	Recovered bool         `json:"recovered,omitempty"` // 崩潰恢復後重新排入
	Outcome   *Outcome     `json:"outcome,omitempty"`

	CreatedAt  int64 `json:"created_at"`            // Unix 毫秒
	UpdatedAt  int64 `json:"updated_at"`            // Unix 毫秒
	ResolvedAt int64 `json:"resolved_at,omitempty"` // Unix 毫秒
}

// SnapshotData 快照資料，用於佇列狀態的持久化和恢復
type SnapshotData struct {
	Units     []*Unit `json:"units"`
	SchemaVer int     `json:"schema_ver"`
	LastSeq   uint64  `json:"last_seq"`
}
