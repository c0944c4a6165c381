package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"krishi-mitra-go/internal/service"
	"krishi-mitra-go/pkg/llm"
	"krishi-mitra-go/pkg/log"
	"krishi-mitra-go/pkg/token"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ChatHandler 负责处理聊天相关的 HTTP、SSE 与 WebSocket 请求。
type ChatHandler struct {
	chatService   service.ChatService
	userService   service.UserService
	jwtManager    *token.JWTManager
	stopToken     string
	stopTokenLock sync.Mutex
	// 每连接停止标志
	stopFlags sync.Map // key: session pointer string, value: bool
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, userService service.UserService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		userService: userService,
		jwtManager:  jwtManager,
	}
}

// MessageRequest 定义了发送消息 API 的请求体结构。
type MessageRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chat_id"`
}

// Respond 同步处理一条消息并返回完整回答。
func (h *ChatHandler) Respond(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"response": "Please enter a message."})
		return
	}

	user, ok := currentUser(c)
	if !ok {
		return
	}

	reply, err := h.chatService.Respond(c.Request.Context(), user, req.ChatID, req.Message)
	if err != nil {
		if errors.Is(err, service.ErrEmptyMessage) {
			c.JSON(http.StatusBadRequest, gin.H{"response": "Please enter a message."})
			return
		}
		log.Errorf("Respond: Failed to process message, userID: %d, error: %v", user.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "处理消息失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"response":  reply.Answer,
		"chatId":    reply.ChatID,
		"chatTitle": reply.ChatTitle,
	})
}

// sseFragmentWriter 将分块按 SSE 格式写入响应流。
type sseFragmentWriter struct {
	w gin.ResponseWriter
}

// WriteFragment 满足 llm.FragmentWriter 接口。
func (s *sseFragmentWriter) WriteFragment(text string) error {
	payload, err := json.Marshal(gin.H{"text": text})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

// Stream 以 SSE 流式处理一条消息：先发送连接确认注释，再逐块下发
// 回答分块，最后发送带会话元数据的完成标记。
func (h *ChatHandler) Stream(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Please enter a message."})
		return
	}

	user, ok := currentUser(c)
	if !ok {
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	// 立即发送确认注释，促使客户端尽快建立事件流
	fmt.Fprint(c.Writer, ": connected\n\n")
	c.Writer.Flush()

	writer := &sseFragmentWriter{w: c.Writer}
	reply, err := h.chatService.StreamResponse(c.Request.Context(), user, req.ChatID, req.Message, writer)
	if err != nil {
		// 写入失败说明客户端已断开，流无法继续
		log.Warnf("Stream: 下发中断, userID: %d, error: %v", user.ID, err)
		return
	}

	done, err := json.Marshal(gin.H{"done": true, "chatId": reply.ChatID, "chatTitle": reply.ChatTitle})
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", done)
	c.Writer.Flush()
}

// NewChat 创建一个新的空会话。
func (h *ChatHandler) NewChat(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	chat, err := h.chatService.NewChat(user)
	if err != nil {
		log.Errorf("NewChat: Failed to create chat, userID: %d, error: %v", user.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建会话失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chatId": chat.ChatID,
		"title":  chat.Title,
	})
}

// ListChats 返回当前用户的会话列表。
func (h *ChatHandler) ListChats(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	chats, err := h.chatService.ListChats(user)
	if err != nil {
		log.Errorf("ListChats: Failed, userID: %d, error: %v", user.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取会话列表失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": chats, "message": "success"})
}

// History 返回指定会话的消息历史。
func (h *ChatHandler) History(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	chatID := c.Param("chatId")
	messages, err := h.chatService.History(c.Request.Context(), user, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "会话不存在"})
			return
		}
		log.Errorf("History: Failed, chatID: %s, error: %v", chatID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取会话历史失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": messages, "message": "success"})
}

// DeleteChatRequest 定义了删除会话 API 的请求体结构。
type DeleteChatRequest struct {
	ChatID string `json:"chat_id" binding:"required"`
}

// DeleteChat 删除指定会话及其全部消息。
func (h *ChatHandler) DeleteChat(c *gin.Context) {
	var req DeleteChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Chat ID is required."})
		return
	}

	user, ok := currentUser(c)
	if !ok {
		return
	}

	if err := h.chatService.DeleteChat(c.Request.Context(), user, req.ChatID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to delete chat."})
			return
		}
		log.Errorf("DeleteChat: Failed, chatID: %s, error: %v", req.ChatID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除会话失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetWebsocketStopToken 返回一个可用于停止流的令牌。
func (h *ChatHandler) GetWebsocketStopToken(c *gin.Context) {
	h.stopTokenLock.Lock()
	defer h.stopTokenLock.Unlock()
	// 在真实的多服务器设置中，这应该在 Redis 中生成和存储
	h.stopToken = "WSS_STOP_CMD_" + token.GenerateRandomString(16)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"cmdToken": h.stopToken}})
}

// wsMessage 是 WebSocket 聊天消息的负载结构。
type wsMessage struct {
	Message string `json:"message"`
	ChatID  string `json:"chat_id"`
}

// wsFragmentWriter 将分块包装为 JSON 写入 WebSocket 连接。
type wsFragmentWriter struct {
	conn       *websocket.Conn
	shouldStop func() bool
}

// WriteFragment 满足 llm.FragmentWriter 接口。
func (w *wsFragmentWriter) WriteFragment(text string) error {
	if w.shouldStop != nil && w.shouldStop() {
		// 停止标志生效：跳过下发
		return nil
	}
	payload, err := json.Marshal(gin.H{"chunk": text})
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

var _ llm.FragmentWriter = (*wsFragmentWriter)(nil)

// HandleWebsocket 处理一个传入的 WebSocket 聊天连接。
func (h *ChatHandler) HandleWebsocket(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}

	user, err := h.userService.GetProfile(claims.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "无法获取用户信息", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立，用户: %s", user.Email)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		// 1) JSON 停止指令: {"type":"stop","_internal_cmd_token":"..."}
		if h.handleStopCommand(conn, raw) {
			continue
		}

		var msg wsMessage
		if len(raw) > 0 && raw[0] == '{' {
			if err := json.Unmarshal(raw, &msg); err != nil {
				msg = wsMessage{Message: string(raw)}
			}
		} else {
			msg = wsMessage{Message: string(raw)}
		}

		shouldStop := func() bool {
			v, ok := h.stopFlags.Load(sessionKey(conn))
			return ok && v.(bool)
		}
		// 清除旧标志
		h.stopFlags.Delete(sessionKey(conn))

		writer := &wsFragmentWriter{conn: conn, shouldStop: shouldStop}
		reply, err := h.chatService.StreamResponse(c.Request.Context(), user, msg.ChatID, msg.Message, writer)
		if err != nil {
			if errors.Is(err, service.ErrEmptyMessage) {
				payload, _ := json.Marshal(gin.H{"error": "Please enter a message."})
				_ = conn.WriteMessage(websocket.TextMessage, payload)
				continue
			}
			log.Errorf("处理流式响应失败: %v", err)
			break
		}
		sendCompletion(conn, reply)
	}
}

// handleStopCommand 识别并处理停止指令，返回 true 表示消息已被消费。
func (h *ChatHandler) handleStopCommand(conn *websocket.Conn, raw []byte) bool {
	if len(raw) == 0 || raw[0] != '{' {
		return false
	}
	var ctrl map[string]interface{}
	if err := json.Unmarshal(raw, &ctrl); err != nil {
		return false
	}
	t, ok := ctrl["type"].(string)
	if !ok || t != "stop" {
		return false
	}
	tok, ok := ctrl["_internal_cmd_token"].(string)
	if !ok {
		return false
	}

	h.stopTokenLock.Lock()
	valid := tok == h.stopToken
	h.stopTokenLock.Unlock()
	if !valid {
		return false
	}

	h.stopFlags.Store(sessionKey(conn), true)
	resp, _ := json.Marshal(gin.H{
		"type":      "stop",
		"message":   "响应已停止",
		"timestamp": time.Now().UnixMilli(),
	})
	_ = conn.WriteMessage(websocket.TextMessage, resp)
	return true
}

// sendCompletion 发送带会话元数据的完成通知。
func sendCompletion(conn *websocket.Conn, reply *service.ChatReply) {
	notif, _ := json.Marshal(gin.H{
		"type":      "completion",
		"status":    "finished",
		"chatId":    reply.ChatID,
		"chatTitle": reply.ChatTitle,
		"timestamp": time.Now().UnixMilli(),
	})
	_ = conn.WriteMessage(websocket.TextMessage, notif)
}

func sessionKey(conn *websocket.Conn) string {
	return fmt.Sprintf("%p", conn)
}
