package gormstore

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ChuLiYu/claimqueue/pkg/types"
)

// taskRow 任務表；total_count 發布後不可變
type taskRow struct {
	ID           string          `gorm:"primaryKey;size:64"`
	MerchantID   string          `gorm:"size:64;not null;index"`
	TotalCount   int             `gorm:"not null"`
	Status       string          `gorm:"size:20;not null;default:pending"`
	RewardAmount decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (taskRow) TableName() string { return "claim_tasks" }

// orderRow 訂單表；兩個唯一索引是鎖內檢查之外的最後防線
type orderRow struct {
	ID             string          `gorm:"primaryKey;size:64"`
	TaskID         string          `gorm:"size:64;not null;uniqueIndex:uk_task_user;uniqueIndex:uk_task_account"`
	UserID         string          `gorm:"size:64;not null;uniqueIndex:uk_task_user"`
	BuyerAccountID string          `gorm:"size:64;not null;uniqueIndex:uk_task_account"`
	Status         string          `gorm:"size:20;not null;default:claimed"`
	RewardAmount   decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	ClaimedAt      time.Time
}

func (orderRow) TableName() string { return "claim_orders" }

type userRow struct {
	ID   string `gorm:"primaryKey;size:64"`
	Name string `gorm:"size:200"`
}

func (userRow) TableName() string { return "users" }

type buyerAccountRow struct {
	ID       string `gorm:"primaryKey;size:64"`
	UserID   string `gorm:"size:64;not null;index"`
	Platform string `gorm:"size:32"`
}

func (buyerAccountRow) TableName() string { return "buyer_accounts" }

func (r taskRow) toTask() *types.Task {
	return &types.Task{
		ID:           types.TaskID(r.ID),
		MerchantID:   r.MerchantID,
		TotalCount:   r.TotalCount,
		Status:       types.TaskStatus(r.Status),
		RewardAmount: r.RewardAmount,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func fromTask(t types.Task) taskRow {
	return taskRow{
		ID:           string(t.ID),
		MerchantID:   t.MerchantID,
		TotalCount:   t.TotalCount,
		Status:       string(t.Status),
		RewardAmount: t.RewardAmount,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func (r orderRow) toOrder() *types.Order {
	return &types.Order{
		ID:             types.OrderID(r.ID),
		TaskID:         types.TaskID(r.TaskID),
		UserID:         types.UserID(r.UserID),
		BuyerAccountID: types.BuyerAccountID(r.BuyerAccountID),
		Status:         types.OrderStatus(r.Status),
		RewardAmount:   r.RewardAmount,
		ClaimedAt:      r.ClaimedAt,
	}
}

func (r userRow) toUser() *types.User {
	return &types.User{ID: types.UserID(r.ID), Name: r.Name}
}

func (r buyerAccountRow) toBuyerAccount() *types.BuyerAccount {
	return &types.BuyerAccount{
		ID:       types.BuyerAccountID(r.ID),
		UserID:   types.UserID(r.UserID),
		Platform: r.Platform,
	}
}
