package wal

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/claimqueue/pkg/types"
)

func testUnit(i int) types.Unit {
	return types.Unit{
		ID:     types.UnitID(fmt.Sprintf("unit-%d", i)),
		Seq:    uint64(i),
		Kind:   types.UnitClaim,
		Status: types.StatusWaiting,
		Request: types.ClaimRequest{
			TaskID:         "t1",
			UserID:         types.UserID(fmt.Sprintf("u%d", i)),
			BuyerAccountID: types.BuyerAccountID(fmt.Sprintf("a%d", i)),
		},
	}
}

func openTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claims.wal")
	w, err := NewWAL(path, DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, path
}

func collect(t *testing.T, w *WAL) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, w.Replay(func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

func TestAppendAndReplay(t *testing.T) {
	w, _ := openTestWAL(t)

	u := testUnit(1)
	require.NoError(t, w.Append(EventSubmit, u, false))
	u.Attempt = 1
	u.Status = types.StatusActive
	require.NoError(t, w.Append(EventDispatch, u, false))
	out := types.Accept("o1")
	u.Outcome = &out
	u.Status = types.StatusCompleted
	require.NoError(t, w.Append(EventResolve, u, true))

	events := collect(t, w)
	require.Len(t, events, 3)
	assert.Equal(t, []EventType{EventSubmit, EventDispatch, EventResolve},
		[]EventType{events[0].Type, events[1].Type, events[2].Type})
	assert.Equal(t, uint64(3), events[2].Seq)
	require.NotNil(t, events[2].Unit.Outcome)
	assert.Equal(t, types.OrderID("o1"), events[2].Unit.Outcome.OrderID)
	assert.Equal(t, uint64(3), w.GetLastSeq())
}

func TestReplayFlushesBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claims.wal")
	w, err := NewWAL(path, Options{BufferSize: 16})
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Append(EventSubmit, testUnit(1), false))

	n, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "buffered event not yet on disk")

	assert.Len(t, collect(t, w), 1)
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claims.wal")
	w, err := NewWAL(path, DefaultOptions())
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, w.Append(EventSubmit, testUnit(i), false))
	}
	require.NoError(t, w.Close())

	w2, err := NewWAL(path, DefaultOptions())
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(3), w2.GetLastSeq())

	require.NoError(t, w2.Append(EventSubmit, testUnit(4), true))
	require.NoError(t, ValidateWAL(path))
}

func TestChecksumMismatch(t *testing.T) {
	w, path := openTestWAL(t)
	require.NoError(t, w.Append(EventSubmit, testUnit(1), true))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"user_id":"u1"`, `"user_id":"u9"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	err = replayFile(path, func(Event) error { return nil })
	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(1), ce.Seq)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Contains(t, err.Error(), "seq=1")
}

func TestTornTail(t *testing.T) {
	w, path := openTestWAL(t)
	for i := 1; i <= 2; i++ {
		require.NoError(t, w.Append(EventSubmit, testUnit(i), true))
	}
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":3,"type":"SUB`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	n, err := CountEvents(path)
	assert.Equal(t, 2, n)
	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(2), ce.Seq)
	assert.ErrorIs(t, err, ErrCorruptedWAL)

	last, err := GetLastEvent(path)
	assert.Error(t, err)
	require.NotNil(t, last)
	assert.Equal(t, uint64(2), last.Seq)

	w2, err := NewWAL(path, DefaultOptions())
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(2), w2.GetLastSeq())
}

// flakyFile 包裝真實檔案；failWrite 時只寫入一半內容就回傳錯誤，failSync 時 fsync 失敗
type flakyFile struct {
	*os.File
	failWrite bool
	failSync  bool
}

func (f *flakyFile) Write(p []byte) (int, error) {
	if f.failWrite {
		n, _ := f.File.Write(p[:len(p)/2])
		return n, errors.New("disk full")
	}
	return f.File.Write(p)
}

func (f *flakyFile) Sync() error {
	if f.failSync {
		return errors.New("io error")
	}
	return f.File.Sync()
}

func TestFailedFlushDiscardsEvents(t *testing.T) {
	tests := []struct {
		name string
		set  func(f *flakyFile, on bool)
	}{
		{"write fails mid-record", func(f *flakyFile, on bool) { f.failWrite = on }},
		{"sync fails", func(f *flakyFile, on bool) { f.failSync = on }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "claims.wal")
			w, err := NewWAL(path, Options{BufferSize: 16})
			require.NoError(t, err)
			defer w.Close()
			ff := &flakyFile{File: w.file.(*os.File)}
			w.file = ff

			require.NoError(t, w.Append(EventSubmit, testUnit(1), true))

			tt.set(ff, true)
			require.NoError(t, w.Append(EventDispatch, testUnit(1), false))
			require.Error(t, w.Append(EventSubmit, testUnit(2), true))
			assert.Equal(t, uint64(1), w.GetLastSeq())

			tt.set(ff, false)
			require.NoError(t, w.Append(EventSubmit, testUnit(3), true))

			// 失敗的 SUBMIT 不會在之後的 flush 或重放中復活
			events := collect(t, w)
			require.Len(t, events, 2)
			assert.Equal(t, types.UnitID("unit-1"), events[0].Unit.ID)
			assert.Equal(t, types.UnitID("unit-3"), events[1].Unit.ID)
			assert.Equal(t, uint64(2), events[1].Seq)
			assert.NoError(t, ValidateWAL(path))
		})
	}
}

func TestRotate(t *testing.T) {
	w, path := openTestWAL(t)
	require.NoError(t, w.Append(EventSubmit, testUnit(1), true))
	require.NoError(t, w.Rotate())

	assert.Equal(t, uint64(0), w.GetLastSeq())
	assert.False(t, Exists(path), "rotated wal is empty")

	backups, err := filepath.Glob(path + ".*.gz")
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	require.NoError(t, w.Append(EventSubmit, testUnit(2), true))
	events := collect(t, w)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, types.UnitID("unit-2"), events[0].Unit.ID)
}

func TestClosed(t *testing.T) {
	w, _ := openTestWAL(t)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append(EventSubmit, testUnit(1), false), ErrWALClosed)
	assert.ErrorIs(t, w.Rotate(), ErrWALClosed)
	assert.NoError(t, w.Close())
}

func TestValidateWAL_Empty(t *testing.T) {
	_, path := openTestWAL(t)
	assert.NoError(t, ValidateWAL(path))

	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrEmptyWAL)
}

func TestDumpWAL(t *testing.T) {
	w, path := openTestWAL(t)
	u := testUnit(1)
	require.NoError(t, w.Append(EventSubmit, u, false))
	out := types.Reject(types.ReasonCapacityExhausted)
	u.Outcome = &out
	require.NoError(t, w.Append(EventResolve, u, true))

	var buf bytes.Buffer
	require.NoError(t, DumpWAL(path, &buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[seq:1] SUBMIT")
	assert.Contains(t, lines[0], "t1/u1")
	assert.Contains(t, lines[1], "rejected(capacity_exhausted)")
}
