// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// ReindexTask represents a request to rebuild the corpus index.
type ReindexTask struct {
	// RequestID 用于日志追踪与失败重试计数。
	RequestID string `json:"request_id"`
	// RequestedBy 记录触发重建的管理员用户 ID。
	RequestedBy uint `json:"requested_by"`
	// Reason 是可选的触发原因（例如 "corpus updated"）。
	Reason string `json:"reason"`
}
