// Package pipeline 包含了后台任务的处理逻辑。
package pipeline

import (
	"context"
	"fmt"

	"krishi-mitra-go/internal/docindex"
	"krishi-mitra-go/pkg/log"
	"krishi-mitra-go/pkg/tasks"
)

// Processor 消费语料重建任务并驱动文档索引全量重建。
type Processor struct {
	index *docindex.Index
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(index *docindex.Index) *Processor {
	return &Processor{index: index}
}

// Process 执行一次语料重建。实现 kafka.TaskProcessor 接口。
func (p *Processor) Process(ctx context.Context, task tasks.ReindexTask) error {
	log.Infof("[Pipeline] 开始重建语料索引, requestID: %s, reason: %s", task.RequestID, task.Reason)
	if err := p.index.Rebuild(ctx); err != nil {
		return fmt.Errorf("重建语料索引失败: %w", err)
	}
	passages, vectorBacked := p.index.Stats()
	log.Infof("[Pipeline] 语料索引重建完成, requestID: %s, 段落数: %d, 向量模式: %v", task.RequestID, passages, vectorBacked)
	return nil
}
