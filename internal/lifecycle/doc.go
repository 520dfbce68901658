// Package lifecycle 编排意图从提交到结算的完整生命周期。
//
// Registry 是唯一的入口：它订阅网络传输，把入站消息规范化后区分自身回声与外部事件，
// 并把事件或控制命令投递给每个意图独占的 worker。worker 串行驱动 intent.Machine，
// 通过 Sequencer 执行证明生成、广播、校验、结算等异步步骤。
package lifecycle
