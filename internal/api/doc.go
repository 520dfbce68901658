// Package api 暴露节点的控制面 REST 接口：提交意图、接受或拒绝协商结果、
// 取消与重新生成证明，并查询通知历史、已发现的对等节点与未完成的结算。
package api
