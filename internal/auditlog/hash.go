package auditlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	xerrors "OpenOps-Agent/internal/errors"
)

// hashPayload 是参与哈希计算的规范编码。根节点的状态会在结束时改变，
// 因此不计入根节点哈希，终态由 task.finalized 条目覆盖。
type hashPayload struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	ParentID  string          `json:"parent_id"`
	Seq       int64           `json:"seq"`
	Action    string          `json:"action"`
	Status    Status          `json:"status,omitempty"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	PrevHash  string          `json:"prev_hash"`
}

func computeHash(e Entry) (string, error) {
	payload := hashPayload{
		ID:        e.ID,
		TaskID:    e.TaskID,
		ParentID:  e.ParentID,
		Seq:       e.Seq,
		Action:    e.Action,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Data:      e.Data,
		Error:     e.Error,
		PrevHash:  e.PrevHash,
	}
	if !e.IsRoot() {
		payload.Status = e.Status
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode entry %s: %w", e.ID, err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify 按序号重新计算哈希链，任意条目被篡改、删除或重排都会返回错误。
func Verify(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ordered := append([]Entry(nil), entries...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	prev := ""
	for i, e := range ordered {
		if e.Seq != int64(i) {
			return xerrors.New(CodeChainBroken, fmt.Sprintf("entry %s has seq %d, expected %d", e.ID, e.Seq, i))
		}
		if e.PrevHash != prev {
			return xerrors.New(CodeChainBroken, fmt.Sprintf("entry %s does not link to its predecessor", e.ID))
		}
		want, err := computeHash(e)
		if err != nil {
			return err
		}
		if want != e.Hash {
			return xerrors.New(CodeChainBroken, fmt.Sprintf("entry %s hash mismatch", e.ID))
		}
		prev = e.Hash
	}
	return nil
}
