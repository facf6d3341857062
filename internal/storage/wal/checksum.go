package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 範圍：Seq + Type + Unit 的 JSON；不包含 Timestamp 與 Checksum 本身
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], event.Seq)
	h.Write(seq[:])
	h.Write([]byte(event.Type))

	if event.Unit != nil {
		// Unit 只含可序列化欄位，Marshal 不會失敗
		payload, _ := json.Marshal(event.Unit)
		h.Write(payload)
	}
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和；不符時回傳 *ChecksumError
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
