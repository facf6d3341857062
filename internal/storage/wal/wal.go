package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only，JSON lines）
// 2. 提供重放功能以恢復佇列狀態
// 3. 支援日誌旋轉（快照後清空，舊檔 gzip 保存）
// 4. 批次寫入：緩衝滿、超過 flush 間隔或強制 flush 時才落盤
// ============================================================================

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/claimqueue/pkg/types"
)

// FileInterface 定義檔案操作所需的方法，測試中可替換
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// truncater 支援截斷的檔案（*os.File）；flush 失敗時用來切掉寫到一半的內容
type truncater interface {
	Truncate(size int64) error
}

// Options WAL 設定
type Options struct {
	SyncOnAppend  bool          // 每次追加都 flush + fsync
	BufferSize    int           // 緩衝事件數上限
	FlushInterval time.Duration // 距上次 flush 超過此時間則 flush
	KeepBackups   bool          // Rotate 時保留 gzip 備份
}

// DefaultOptions 預設設定
func DefaultOptions() Options {
	return Options{
		BufferSize:    256,
		FlushInterval: 100 * time.Millisecond,
		KeepBackups:   true,
	}
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu      sync.Mutex
	file    FileInterface
	size    int64 // 已落盤的位元組數
	path    string
	seq     uint64
	opts    Options
	closed  bool

	buffer        []Event
	lastFlushTime time.Time
}

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal: %w", err)
	}

	var seq uint64
	var size int64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		size = stat.Size()
		// 尾端損毀時從最後一個完好的事件繼續編號
		if last, err := GetLastEvent(path); last != nil {
			seq = last.Seq
		} else if err != nil && !errors.Is(err, ErrEmptyWAL) {
			log.Warn("wal tail unreadable, sequence restarts", "path", path, "error", err)
		}
	}

	return &WAL{
		file:          file,
		size:          size,
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append 追加一個事件到 WAL
//
// 參數：
//
//	eventType - 事件類型（SUBMIT, DISPATCH, RETRY, RESOLVE）
//	unit      - 變更後的工作單元
//	force     - 立即 flush 並 fsync
func (w *WAL) Append(eventType EventType, unit types.Unit, force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		Unit:      &unit,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	needFlush := force || w.opts.SyncOnAppend ||
		len(w.buffer) >= w.opts.BufferSize ||
		(w.opts.FlushInterval > 0 && time.Since(w.lastFlushTime) > w.opts.FlushInterval)
	if needFlush {
		return w.flushLocked()
	}
	return nil
}

// Flush 將緩衝事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 先 flush，再從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum（*ChecksumError）
// - JSON 解析失敗回傳 *CorruptionError，之前的事件已套用
// - handler 回傳錯誤立即停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	return replayFile(w.path, handler)
}

func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastSeq uint64
	for {
		var event Event
		err := decoder.Decode(&event)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &CorruptionError{Seq: lastSeq, Offset: decoder.InputOffset(), Cause: err}
		}
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		if err := handler(event); err != nil {
			return fmt.Errorf("wal: handler failed at seq=%d: %w", event.Seq, err)
		}
		lastSeq = event.Seq
	}
}

// Rotate 旋轉日誌檔案：現有內容 gzip 保存（或丟棄），開一個空檔案，seq 歸零
//
// 呼叫端需保證快照已包含目前 WAL 的所有變更。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return fmt.Errorf("failed to rename wal: %w", err)
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen wal: %w", err)
	}
	w.file = newFile
	w.size = 0
	w.seq = 0
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()

	if w.opts.KeepBackups {
		if err := compressWALFile(backupPath, backupPath+".gz"); err != nil {
			log.Warn("failed to compress wal backup", "path", backupPath, "error", err)
			return nil
		}
	}
	if err := os.Remove(backupPath); err != nil {
		log.Warn("failed to remove wal backup", "path", backupPath, "error", err)
	}
	return nil
}

// Close 關閉 WAL；關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	flushErr := w.flushLocked()
	w.closed = true
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// flushLocked 假設調用者已經持有 w.mu 鎖
//
// 全有或全無：寫入或 fsync 失敗時截回 flush 前的長度，丟棄緩衝事件並退回 seq，
// 呼叫端拿到錯誤的事件不會在之後的 flush 或重放中出現。
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	written := w.size
	for _, event := range w.buffer {
		line, err := json.Marshal(event)
		if err != nil {
			w.discardLocked()
			return fmt.Errorf("wal: encode seq=%d: %w", event.Seq, err)
		}
		n, err := w.file.Write(append(line, '\n'))
		written += int64(n)
		if err != nil {
			w.discardLocked()
			return fmt.Errorf("wal: write seq=%d: %w", event.Seq, err)
		}
	}
	if err := w.file.Sync(); err != nil {
		w.discardLocked()
		return fmt.Errorf("wal: sync: %w", err)
	}

	w.size = written
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return nil
}

// discardLocked 丟棄尚未落盤的事件並截掉寫到一半的內容
func (w *WAL) discardLocked() {
	dropped := len(w.buffer)
	w.seq = w.buffer[0].Seq - 1
	w.buffer = w.buffer[:0]

	if t, ok := w.file.(truncater); ok {
		if err := t.Truncate(w.size); err != nil {
			log.Error("failed to truncate wal after failed flush", "path", w.path, "size", w.size, "error", err)
		}
	}
	log.Warn("wal flush failed, buffered events discarded", "path", w.path, "dropped", dropped, "seq", w.seq)
}

// compressWALFile 以 gzip 壓縮 WAL 備份檔
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gz := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gz, srcFile); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}
