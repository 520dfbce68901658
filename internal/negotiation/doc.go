// Package negotiation 决定对手方如何回应收到的意图，并为发起方提供可选的
// 大模型出价建议。建议在使用前总会校验价格上限。
package negotiation
