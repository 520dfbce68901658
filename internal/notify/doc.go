// Package notify 保存意图状态变更通知的有界历史，向本地订阅者推送，
// 并异步转发到 Redis、RabbitMQ、MySQL 流水表与告警通道。
package notify
