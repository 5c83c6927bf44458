package compiler

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

// canonicalJSON 將任意值序列化為 key 排序的 JSON。
// 先轉成 map[string]any 再序列化，encoding/json 對 map 依 key 排序輸出。
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func digest(v any) (string, error) {
	data, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// PlanHash 計算 plan 的 reproducibilityHash，不含 hash 欄位本身
func PlanHash(plan *types.QueryPlan) (string, error) {
	clone := *plan
	clone.ReproducibilityHash = ""
	return digest(&clone)
}

// RequestHash 快取鍵：正規化請求後的內容雜湊。
// 欄位順序不影響結果；nil 與空切片視為相同。
func RequestHash(req types.QueryRequest) (string, error) {
	norm := req
	if norm.Operators == nil {
		norm.Operators = []string{}
	}
	if norm.OutputFormats == nil {
		norm.OutputFormats = []string{}
	}
	if norm.Constraints != nil && norm.Constraints.MaxLatencyMs == nil && norm.Constraints.MinConfidence == nil {
		norm.Constraints = nil
	}
	h, err := digest(norm)
	if err != nil {
		return "", fmt.Errorf("failed to hash request: %w", err)
	}
	return h, nil
}

// VerifyHash 重新計算並比對 plan 的 hash
func VerifyHash(plan *types.QueryPlan) (bool, error) {
	h, err := PlanHash(plan)
	if err != nil {
		return false, err
	}
	return h == plan.ReproducibilityHash, nil
}
