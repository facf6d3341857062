package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/claimqueue/pkg/types"
)

// Job 代表一個要執行的工作單元
type Job struct {
	Unit    types.Unit    // 工作單元（副本）
	Timeout time.Duration // 單次執行上限，0 代表不限
}

// Result 代表工作單元執行結果
type Result struct {
	Unit     types.Unit    // 原始工作單元
	Outcome  types.Outcome // Err 為 nil 時有效
	Err      error         // 基礎設施錯誤（可重試）
	Duration time.Duration // 實際執行時間
}

// Executor 執行一個工作單元；返回的 error 代表可重試的基礎設施錯誤
type Executor interface {
	Process(ctx context.Context, unit types.Unit) (types.Outcome, error)
}

// ExecutorFunc 讓普通函式實作 Executor
type ExecutorFunc func(ctx context.Context, unit types.Unit) (types.Outcome, error)

// Process 呼叫 f
func (f ExecutorFunc) Process(ctx context.Context, unit types.Unit) (types.Outcome, error) {
	return f(ctx, unit)
}
