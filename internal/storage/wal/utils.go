package wal

// ============================================================================
// WAL 工具函式
// 職責：檢查與診斷 WAL 檔案（CLI 的 journal 子命令使用）
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

var log = slog.Default()

// GetLastEvent 從頭掃描，回傳最後一個完整且校驗正確的事件
//
// 檔案為空回傳 ErrEmptyWAL；尾端損毀時回傳最後一個完好事件與錯誤。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		return last, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的完好事件數；遇到損毀時回傳已計數量與錯誤
func CountEvents(path string) (int, error) {
	n := 0
	err := replayFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 從 1 開始連續、無重複
// - 事件類型已知且帶有工作單元
func ValidateWAL(path string) error {
	var expect uint64 = 1
	return replayFile(path, func(e Event) error {
		if e.Seq != expect {
			return fmt.Errorf("%w: expected seq=%d, got %d", ErrSequenceGap, expect, e.Seq)
		}
		if !e.Type.Valid() || e.Unit == nil {
			return fmt.Errorf("%w: malformed event at seq=%d", ErrCorruptedWAL, e.Seq)
		}
		expect++
		return nil
	})
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[seq:1] SUBMIT   4f1c... t1/u1 attempt=0 2025-01-01T00:00:00Z (checksum:0x1234abcd)
func DumpWAL(path string, w io.Writer) error {
	err := replayFile(path, func(e Event) error {
		desc := "-"
		attempt := 0
		if e.Unit != nil {
			desc = fmt.Sprintf("%s %s", e.Unit.ID, e.Unit.Request.Key())
			attempt = e.Unit.Attempt
			if e.Unit.Outcome != nil {
				desc += " " + e.Unit.Outcome.String()
			}
		}
		_, err := fmt.Fprintf(w, "[seq:%d] %-8s %s attempt=%d %s (checksum:0x%08x)\n",
			e.Seq, e.Type, desc, attempt,
			time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339), e.Checksum)
		return err
	})

	var corrupt *CorruptionError
	if errors.As(err, &corrupt) {
		fmt.Fprintf(w, "!! corrupted after seq=%d at offset %d: %v\n", corrupt.Seq, corrupt.Offset, corrupt.Cause)
	}
	return err
}

// Exists 檔案是否存在且非空
func Exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Size() > 0
}
