// ============================================================================
// Claim 處理器
// ============================================================================
//
// Package: internal/processor
// 功能: 在任務獨佔區內把一個工作單元執行到底
//
// 領取流程（全部在 Store.WithTaskLock 內）:
//   1. 讀取任務，不存在 → task_not_found
//   2. 狀態不是 active → task_not_open
//   3. 重新計算訂單數，>= total_count → capacity_exhausted
//   4. 同一使用者已有訂單 → already_claimed
//   5. 同一買手帳號已有訂單 → account_already_used
//   6. 使用者或買手帳號不存在 → invalid_reference
//   7. 建立訂單 → accepted(orderID)
//
// 返回的 error 一律視為基礎設施錯誤（可重試）；業務拒絕以 Outcome 表示。
// 容量每次都從訂單重新計算，不快取計數器。
//
// ============================================================================

package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/claimqueue/internal/store"
	"github.com/ChuLiYu/claimqueue/pkg/types"
)

// ErrUnknownKind 無法處理的工作單元種類
var ErrUnknownKind = errors.New("unknown unit kind")

// errRejected 用來讓 WithTaskLock 回滾，但把業務結果帶出來
type errRejected struct{ reason types.RejectReason }

func (e errRejected) Error() string { return string(e.reason) }

// Processor 執行工作單元
type Processor struct {
	store store.Store
	now   func() time.Time
}

// New 建立處理器
func New(s store.Store) *Processor {
	return &Processor{store: s, now: time.Now}
}

// Process 執行一個工作單元，回傳最終結果或可重試的錯誤
func (p *Processor) Process(ctx context.Context, unit types.Unit) (types.Outcome, error) {
	switch unit.Kind {
	case types.UnitClaim, "":
		return p.claim(ctx, unit)
	case types.UnitCancelTask:
		return p.transition(ctx, unit.Request.TaskID, types.TaskCancelled)
	case types.UnitCompleteTask:
		return p.transition(ctx, unit.Request.TaskID, types.TaskCompleted)
	default:
		return types.Outcome{}, fmt.Errorf("%w: %s", ErrUnknownKind, unit.Kind)
	}
}

func (p *Processor) claim(ctx context.Context, unit types.Unit) (types.Outcome, error) {
	req := unit.Request
	var outcome types.Outcome

	err := p.store.WithTaskLock(ctx, req.TaskID, func(tx store.Tx) error {
		task, err := tx.GetTaskForUpdate(ctx, req.TaskID)
		if err != nil {
			return err
		}
		if task == nil {
			return errRejected{types.ReasonTaskNotFound}
		}

		// 崩潰恢復或重試：上次的交易可能已提交，只是結果沒送回來
		if unit.Recovered || unit.Attempt > 1 {
			existing, err := tx.FindOrderByUser(ctx, req.TaskID, req.UserID)
			if err != nil {
				return err
			}
			if existing != nil && existing.BuyerAccountID == req.BuyerAccountID {
				outcome = types.Accept(existing.ID)
				return nil
			}
		}

		if task.Status != types.TaskActive {
			return errRejected{types.ReasonTaskNotOpen}
		}

		count, err := tx.CountOrders(ctx, req.TaskID)
		if err != nil {
			return err
		}
		if count >= task.TotalCount {
			return errRejected{types.ReasonCapacityExhausted}
		}

		byUser, err := tx.FindOrderByUser(ctx, req.TaskID, req.UserID)
		if err != nil {
			return err
		}
		if byUser != nil {
			return errRejected{types.ReasonAlreadyClaimed}
		}

		byAccount, err := tx.FindOrderByAccount(ctx, req.TaskID, req.BuyerAccountID)
		if err != nil {
			return err
		}
		if byAccount != nil {
			return errRejected{types.ReasonAccountAlreadyUsed}
		}

		user, err := tx.GetUser(ctx, req.UserID)
		if err != nil {
			return err
		}
		account, err := tx.GetBuyerAccount(ctx, req.BuyerAccountID)
		if err != nil {
			return err
		}
		if user == nil || account == nil {
			return errRejected{types.ReasonInvalidReference}
		}

		orderID, err := tx.CreateOrder(ctx, store.NewOrder{
			TaskID:         req.TaskID,
			UserID:         req.UserID,
			BuyerAccountID: req.BuyerAccountID,
			RewardAmount:   task.RewardAmount,
			ClaimedAt:      p.now(),
		})
		if err != nil {
			return err
		}
		outcome = types.Accept(orderID)
		return nil
	})

	return settle(outcome, err)
}

// transition 管理操作：在同一把任務鎖內變更任務狀態
func (p *Processor) transition(ctx context.Context, taskID types.TaskID, to types.TaskStatus) (types.Outcome, error) {
	err := p.store.WithTaskLock(ctx, taskID, func(tx store.Tx) error {
		task, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return errRejected{types.ReasonTaskNotFound}
		}
		if !task.Status.CanTransition(to) {
			return errRejected{types.ReasonTaskNotOpen}
		}
		return tx.UpdateTaskStatus(ctx, taskID, to)
	})

	return settle(types.Accept(""), err)
}

func settle(outcome types.Outcome, err error) (types.Outcome, error) {
	var rej errRejected
	if errors.As(err, &rej) {
		return types.Reject(rej.reason), nil
	}
	if err != nil {
		return types.Outcome{}, err
	}
	return outcome, nil
}
