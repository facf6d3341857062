// Package gormstore 以 MySQL（gorm）實作 store.Store
//
// WithTaskLock 開一個交易，先以 SELECT ... FOR UPDATE 鎖住任務列，
// 回呼內的計數、唯一性檢查與建單都在同一個交易裡完成。
// 其他行程對同一任務的寫入（例如商家取消）也必須先取得這把列鎖。
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ChuLiYu/claimqueue/internal/store"
	"github.com/ChuLiYu/claimqueue/pkg/types"
)

// Config MySQL 連線設定
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LogSQL          bool          `yaml:"log_sql"`
}

// Store gorm 實作
type Store struct {
	db *gorm.DB
}

// Open 連線 MySQL 並設定連線池
func Open(cfg Config) (*Store, error) {
	gcfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	}
	if cfg.LogSQL {
		gcfg.Logger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(mysql.Open(cfg.DSN), gcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return New(db), nil
}

// New 包裝既有的 *gorm.DB
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate 建立/更新資料表
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&taskRow{}, &orderRow{}, &userRow{}, &buyerAccountRow{}); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Close 關閉底層連線
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// PutTask 寫入任務（種子資料用）
func (s *Store) PutTask(ctx context.Context, t types.Task) error {
	row := fromTask(t)
	return s.db.WithContext(ctx).Save(&row).Error
}

// PutUser 寫入使用者（種子資料用）
func (s *Store) PutUser(ctx context.Context, u types.User) error {
	row := userRow{ID: string(u.ID), Name: u.Name}
	return s.db.WithContext(ctx).Save(&row).Error
}

// PutBuyerAccount 寫入買手帳號（種子資料用）
func (s *Store) PutBuyerAccount(ctx context.Context, a types.BuyerAccount) error {
	row := buyerAccountRow{ID: string(a.ID), UserID: string(a.UserID), Platform: a.Platform}
	return s.db.WithContext(ctx).Save(&row).Error
}

// lockTask 鎖住任務列的查詢
func lockTask(db *gorm.DB, id types.TaskID, row *taskRow) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", string(id)).Take(row)
}

// WithTaskLock 在單一交易內持有任務列鎖執行 fn
func (s *Store) WithTaskLock(ctx context.Context, taskID types.TaskID, fn func(tx store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var row taskRow
		err := lockTask(db, taskID, &row).Error
		tx := &gormTx{db: db, taskID: taskID}
		switch {
		case err == nil:
			tx.task = row.toTask()
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return classify("lock task", err)
		}
		return fn(tx)
	})
}

// classify 把 driver 錯誤轉成 store 的哨兵錯誤
func classify(op string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", op, store.ErrDuplicateOrder)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w: %v", op, store.ErrLockTimeout, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, store.ErrUnavailable, err)
	}
}

type gormTx struct {
	db     *gorm.DB
	taskID types.TaskID
	task   *types.Task
}

func (tx *gormTx) GetTaskForUpdate(ctx context.Context, id types.TaskID) (*types.Task, error) {
	if id != tx.taskID {
		return nil, fmt.Errorf("gormstore: task %s outside lock scope %s", id, tx.taskID)
	}
	if tx.task == nil {
		return nil, nil
	}
	cp := *tx.task
	return &cp, nil
}

func (tx *gormTx) CountOrders(ctx context.Context, taskID types.TaskID) (int, error) {
	var n int64
	if err := tx.db.WithContext(ctx).Model(&orderRow{}).Where("task_id = ?", string(taskID)).Count(&n).Error; err != nil {
		return 0, classify("count orders", err)
	}
	return int(n), nil
}

func (tx *gormTx) findOrder(ctx context.Context, query string, args ...interface{}) (*types.Order, error) {
	var row orderRow
	err := tx.db.WithContext(ctx).Where(query, args...).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find order", err)
	}
	return row.toOrder(), nil
}

func (tx *gormTx) FindOrderByUser(ctx context.Context, taskID types.TaskID, userID types.UserID) (*types.Order, error) {
	return tx.findOrder(ctx, "task_id = ? AND user_id = ?", string(taskID), string(userID))
}

func (tx *gormTx) FindOrderByAccount(ctx context.Context, taskID types.TaskID, accountID types.BuyerAccountID) (*types.Order, error) {
	return tx.findOrder(ctx, "task_id = ? AND buyer_account_id = ?", string(taskID), string(accountID))
}

func (tx *gormTx) CreateOrder(ctx context.Context, o store.NewOrder) (types.OrderID, error) {
	row := orderRow{
		ID:             uuid.NewString(),
		TaskID:         string(o.TaskID),
		UserID:         string(o.UserID),
		BuyerAccountID: string(o.BuyerAccountID),
		Status:         string(types.OrderClaimed),
		RewardAmount:   o.RewardAmount,
		ClaimedAt:      o.ClaimedAt,
	}
	if err := tx.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", classify("create order", err)
	}
	return types.OrderID(row.ID), nil
}

func (tx *gormTx) GetUser(ctx context.Context, id types.UserID) (*types.User, error) {
	var row userRow
	err := tx.db.WithContext(ctx).Where("id = ?", string(id)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get user", err)
	}
	return row.toUser(), nil
}

func (tx *gormTx) GetBuyerAccount(ctx context.Context, id types.BuyerAccountID) (*types.BuyerAccount, error) {
	var row buyerAccountRow
	err := tx.db.WithContext(ctx).Where("id = ?", string(id)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get buyer account", err)
	}
	return row.toBuyerAccount(), nil
}

func (tx *gormTx) UpdateTaskStatus(ctx context.Context, id types.TaskID, status types.TaskStatus) error {
	if id != tx.taskID {
		return fmt.Errorf("gormstore: task %s outside lock scope %s", id, tx.taskID)
	}
	err := tx.db.WithContext(ctx).Model(&taskRow{}).Where("id = ?", string(id)).
		Updates(map[string]interface{}{"status": string(status), "updated_at": time.Now()}).Error
	if err != nil {
		return classify("update task status", err)
	}
	if tx.task != nil {
		tx.task.Status = status
	}
	return nil
}
