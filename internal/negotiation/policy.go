package negotiation

import (
	"context"
	"fmt"
	"strings"

	"IntentMesh/internal/intent"
)

// Action 是对手方对一个报价的处理方式。
type Action string

const (
	ActionAccept  Action = "accept"
	ActionCounter Action = "counter"
	ActionReject  Action = "reject"
)

// Offer 是对手方评估时可见的信息。
type Offer struct {
	IntentID string
	Origin   string
	Terms    intent.Terms
	Bid      int64
}

// Decision 是评估结果。Price 仅在 accept 与 counter 时有意义。
type Decision struct {
	Action   Action
	Price    int64
	Strategy string
}

// Policy 评估一个报价。
type Policy interface {
	Decide(ctx context.Context, offer Offer) (Decision, error)
}

// FloorPolicy 以按资产配置的最低价评估报价。
type FloorPolicy struct {
	DefaultFloor int64
	Floors       map[string]int64
}

// Floor 返回资产对应的最低价。
func (p FloorPolicy) Floor(asset string) int64 {
	if floor, ok := p.Floors[strings.ToLower(asset)]; ok {
		return floor
	}
	return p.DefaultFloor
}

// Decide 实现 Policy:
// 出价不低于最低价时按出价成交；低于最低价但上限允许时以最低价还价；否则拒绝。
func (p FloorPolicy) Decide(_ context.Context, offer Offer) (Decision, error) {
	if offer.Bid <= 0 {
		return Decision{Action: ActionReject, Strategy: "offer carries no bid"}, nil
	}
	floor := p.Floor(offer.Terms.Asset)
	if offer.Terms.Floor > floor {
		floor = offer.Terms.Floor
	}
	if floor <= offer.Bid {
		return Decision{Action: ActionAccept, Price: offer.Bid, Strategy: "bid meets floor"}, nil
	}
	if offer.Terms.Ceiling > 0 && floor > offer.Terms.Ceiling {
		return Decision{
			Action:   ActionReject,
			Strategy: fmt.Sprintf("floor %d above stated ceiling %d", floor, offer.Terms.Ceiling),
		}, nil
	}
	return Decision{
		Action:   ActionCounter,
		Price:    floor,
		Strategy: fmt.Sprintf("counter at floor %d", floor),
	}, nil
}
