// ============================================================================
// Claim Worker Pool - 並發工作單元執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和工作分發
//
// 架構組件:
//   ┌─────────────┐
//   │   Engine    │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 同一任務的單元由 ledger 保證不會同時在 taskCh 中出現兩個，
// 所以 Pool 本身不需要知道任務的概念。
//
// 優雅關閉:
//   Stop() 流程：
//   1. 關閉 stopCh，Submit 立即返回 ErrPoolClosed
//   2. 關閉 taskCh，Worker 處理完緩衝區內的工作後退出
//   3. WaitGroup.Wait() 等待所有 Worker 完成
//   4. 關閉 resultCh，ReceiveResult 返回 ErrPoolClosed
//
//   Worker 以阻塞方式送出結果，呼叫 Stop 期間必須有人持續 ReceiveResult。
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新工作
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交工作
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 重複啟動
	ErrPoolStarted = errors.New("pool already started")
)

// Pool 代表 Worker 池
type Pool struct {
	exec     Executor
	workers  []*Worker
	taskCh   chan Job
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool 建立新的 Worker Pool
// 參數：
//   - exec: 執行工作單元的 Executor
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool(exec Executor, bufferSize int) *Pool {
	return &Pool{
		exec:     exec,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Job, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.exec, p.taskCh, p.resultCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit 提交工作到 Worker Pool；taskCh 滿時阻塞直到有空位或 Pool 關閉
//
// 呼叫端必須保證不與 Stop 並發呼叫 Submit（engine 先停止分派迴圈再停 Pool）。
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	taskCh := p.taskCh
	stopCh := p.stopCh
	p.mu.Unlock()

	select {
	case taskCh <- job:
		return nil
	case <-stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果；resultCh 關閉後返回 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅關閉 Pool
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	close(p.stopCh)
	close(p.taskCh)
	p.mu.Unlock()

	if started {
		p.wg.Wait()
	}
	close(p.resultCh)
}

// GetWorkerCount 返回 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 返回 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
