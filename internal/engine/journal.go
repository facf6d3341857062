package engine

import (
	"github.com/ChuLiYu/claimqueue/internal/ledger"
	"github.com/ChuLiYu/claimqueue/internal/storage/wal"
	"github.com/ChuLiYu/claimqueue/pkg/types"
)

// journal 把帳本變更寫入 WAL
//
// SUBMIT 與 RESOLVE 立即落盤：前者是對呼叫者的承諾，後者是結果。
// DISPATCH / RETRY 只影響 attempt 計數，走批次寫入。
type journal struct {
	w *wal.WAL
}

func (j journal) Record(op ledger.Op, unit types.Unit) error {
	force := op == ledger.OpSubmit || op == ledger.OpResolve
	return j.w.Append(wal.EventType(op), unit, force)
}
