package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"krishi-mitra-go/internal/docindex"
	"krishi-mitra-go/pkg/kafka"
	"krishi-mitra-go/pkg/log"
	"krishi-mitra-go/pkg/tasks"
	"krishi-mitra-go/pkg/token"
)

// AdminHandler 负责处理管理员相关的 API 请求。
type AdminHandler struct {
	index *docindex.Index
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(index *docindex.Index) *AdminHandler {
	return &AdminHandler{index: index}
}

// ReindexRequest 定义了触发语料重建 API 的请求体结构。
type ReindexRequest struct {
	Reason string `json:"reason"`
}

// Reindex 将一个语料重建任务投递到 Kafka，由后台消费者异步执行。
func (h *AdminHandler) Reindex(c *gin.Context) {
	var req ReindexRequest
	// reason 可选，负载解析失败按空处理
	_ = c.ShouldBindJSON(&req)

	user, ok := currentUser(c)
	if !ok {
		return
	}

	task := tasks.ReindexTask{
		RequestID:   token.GenerateRandomString(12),
		RequestedBy: user.ID,
		Reason:      req.Reason,
	}
	if err := kafka.ProduceReindexTask(task); err != nil {
		log.Errorf("Reindex: 投递重建任务失败, requestID: %s, error: %v", task.RequestID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "重建任务投递失败",
		})
		return
	}

	log.Infof("Reindex: 重建任务已投递, requestID: %s, requestedBy: %d", task.RequestID, user.ID)
	c.JSON(http.StatusAccepted, gin.H{
		"code":    http.StatusAccepted,
		"message": "重建任务已接受",
		"data":    gin.H{"requestId": task.RequestID},
	})
}

// IndexStats 返回当前语料索引的状态。
func (h *AdminHandler) IndexStats(c *gin.Context) {
	passages, vectorBacked := h.index.Stats()
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"passages":     passages,
			"vectorBacked": vectorBacked,
		},
	})
}
