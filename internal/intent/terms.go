package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Terms 是从自由文本意图中解析出的结构化条款。未识别的字段保持零值。
type Terms struct {
	Side     string `json:"side,omitempty"`
	Quantity int64  `json:"quantity,omitempty"`
	Asset    string `json:"asset,omitempty"`
	Ceiling  int64  `json:"ceiling,omitempty"`
	Floor    int64  `json:"floor,omitempty"`
}

var (
	tradePattern   = regexp.MustCompile(`(?i)\b(buy|sell)\s+(\d+)\s+([a-z][a-z0-9_-]*)`)
	ceilingPattern = regexp.MustCompile(`(?i)\b(?:under|below|max(?:imum)?|at most|up to)\s+(?:price\s+(?:of\s+)?)?(\d+)`)
	floorPattern   = regexp.MustCompile(`(?i)\b(?:above|over|min(?:imum)?|at least)\s+(?:price\s+(?:of\s+)?)?(\d+)`)
)

// ParseTerms 解析形如 "buy 10 units under price 95" 的描述。
func ParseTerms(payload string) Terms {
	var terms Terms
	if m := tradePattern.FindStringSubmatch(payload); m != nil {
		terms.Side = strings.ToLower(m[1])
		terms.Quantity, _ = strconv.ParseInt(m[2], 10, 64)
		terms.Asset = strings.ToLower(m[3])
	}
	if m := ceilingPattern.FindStringSubmatch(payload); m != nil {
		terms.Ceiling, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := floorPattern.FindStringSubmatch(payload); m != nil {
		terms.Floor, _ = strconv.ParseInt(m[1], 10, 64)
	}
	return terms
}

// String 返回条款摘要，用于日志与通知详情。
func (t Terms) String() string {
	parts := make([]string, 0, 3)
	if t.Side != "" {
		parts = append(parts, fmt.Sprintf("%s %d %s", t.Side, t.Quantity, t.Asset))
	}
	if t.Ceiling > 0 {
		parts = append(parts, fmt.Sprintf("ceiling %d", t.Ceiling))
	}
	if t.Floor > 0 {
		parts = append(parts, fmt.Sprintf("floor %d", t.Floor))
	}
	if len(parts) == 0 {
		return "unstructured"
	}
	return strings.Join(parts, ", ")
}
