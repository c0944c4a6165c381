package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"krishi-mitra-go/internal/model"
	"krishi-mitra-go/internal/repository"
	"krishi-mitra-go/pkg/llm"
	"krishi-mitra-go/pkg/log"
	"krishi-mitra-go/pkg/token"
	"krishi-mitra-go/pkg/translate"
)

const (
	// pivotLanguage 是管道内部统一使用的语言，意图规则与生成都基于它。
	pivotLanguage = "en"

	defaultChatTitle = "New Chat"
	// titleInferLength 是从首条消息推断标题时截取的最大字符数。
	titleInferLength = 60
)

// ErrEmptyMessage 表示调用方提交了空消息。
var ErrEmptyMessage = errors.New("message must not be empty")

// ChatReply 是一轮应答的完整结果。
type ChatReply struct {
	Answer    string
	ChatID    string
	ChatTitle string
}

// intentRouter 抽象意图分发（由 intent.Router 实现）。
type intentRouter interface {
	Route(ctx context.Context, user *model.User, message string) string
	RouteStream(ctx context.Context, user *model.User, message string, w llm.FragmentWriter) error
}

// ChatService 定义了聊天操作的接口。
type ChatService interface {
	// Respond 同步处理一条消息并返回完整回答。
	Respond(ctx context.Context, user *model.User, chatID, message string) (*ChatReply, error)
	// StreamResponse 流式处理一条消息，分块写入 writer 后返回会话元数据。
	// 返回的 error 仅来自 writer（消费端断开），此时本轮不持久化。
	StreamResponse(ctx context.Context, user *model.User, chatID, message string, w llm.FragmentWriter) (*ChatReply, error)
	NewChat(user *model.User) (*model.Chat, error)
	ListChats(user *model.User) ([]model.Chat, error)
	History(ctx context.Context, user *model.User, chatID string) ([]model.ChatMessage, error)
	DeleteChat(ctx context.Context, user *model.User, chatID string) error
}

type chatService struct {
	router           intentRouter
	translator       translate.Client
	chatRepo         repository.ChatRepository
	conversationRepo repository.ConversationRepository
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(router intentRouter, translator translate.Client, chatRepo repository.ChatRepository, conversationRepo repository.ConversationRepository) ChatService {
	return &chatService{
		router:           router,
		translator:       translator,
		chatRepo:         chatRepo,
		conversationRepo: conversationRepo,
	}
}

// Respond 协调一轮同步应答：入站翻译、意图分发、出站翻译、落库。
func (s *chatService) Respond(ctx context.Context, user *model.User, chatID, message string) (*ChatReply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	chat, err := s.ensureChat(user, chatID)
	if err != nil {
		return nil, err
	}

	// 1. 入站翻译到枢轴语言（翻译失败时按原文继续）
	english := message
	if user.PreferredLanguage != "" && user.PreferredLanguage != pivotLanguage {
		english = s.translator.Translate(ctx, message, user.PreferredLanguage, pivotLanguage)
	}

	// 2. 意图分发得到完整英文回答
	answer := s.router.Route(ctx, user, english)

	// 3. 出站翻译回用户语言
	final := answer
	if user.PreferredLanguage != "" && user.PreferredLanguage != pivotLanguage {
		final = s.translator.Translate(ctx, answer, pivotLanguage, user.PreferredLanguage)
	}

	// 4. 落库并推断标题；持久化失败只记日志，不影响已生成的回答
	title, err := s.persistTurn(ctx, user, chat, message, final)
	if err != nil {
		log.Errorf("[ChatService] 保存会话消息失败, chatID: %s, error: %v", chat.ChatID, err)
	}
	return &ChatReply{Answer: final, ChatID: chat.ChatID, ChatTitle: title}, nil
}

// StreamResponse 协调一轮流式应答。每个分块先翻译到用户语言再下发，
// 流结束后用后台上下文落库（客户端断开不应丢掉已生成的回答）。
func (s *chatService) StreamResponse(ctx context.Context, user *model.User, chatID, message string, w llm.FragmentWriter) (*ChatReply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	chat, err := s.ensureChat(user, chatID)
	if err != nil {
		return nil, err
	}

	english := message
	if user.PreferredLanguage != "" && user.PreferredLanguage != pivotLanguage {
		english = s.translator.Translate(ctx, message, user.PreferredLanguage, pivotLanguage)
	}

	// 拦截 writer 以逐块翻译并捕获完整答案
	interceptor := &translatingWriter{
		ctx:        ctx,
		inner:      w,
		translator: s.translator,
		language:   user.PreferredLanguage,
	}
	if err := s.router.RouteStream(ctx, user, english, interceptor); err != nil {
		// 消费端断开：丢弃本轮，不持久化
		log.Warnf("[ChatService] 流式下发中断, 本轮不保存, chatID: %s, error: %v", chat.ChatID, err)
		return nil, err
	}

	reply := &ChatReply{Answer: interceptor.answer.String(), ChatID: chat.ChatID, ChatTitle: chat.Title}
	if reply.Answer == "" {
		return reply, nil
	}

	// 使用后台上下文，因为即使原始请求被取消，我们也希望保存成功生成的答案
	title, err := s.persistTurn(context.Background(), user, chat, message, reply.Answer)
	if err != nil {
		// 只记录错误，不返回给客户端，因为流式响应已经成功
		log.Errorf("[ChatService] 保存会话消息失败, chatID: %s, error: %v", chat.ChatID, err)
		return reply, nil
	}
	reply.ChatTitle = title
	return reply, nil
}

// NewChat 为用户创建一个新的空会话。
func (s *chatService) NewChat(user *model.User) (*model.Chat, error) {
	chat := &model.Chat{
		UserID: user.ID,
		ChatID: token.GenerateRandomString(16),
		Title:  defaultChatTitle,
	}
	if err := s.chatRepo.Create(chat); err != nil {
		return nil, err
	}
	return chat, nil
}

// ListChats 返回用户的全部会话，按最近更新时间倒序。
func (s *chatService) ListChats(user *model.User) ([]model.Chat, error) {
	return s.chatRepo.FindByUser(user.ID)
}

// History 返回会话的消息历史，优先命中 Redis 缓存。
func (s *chatService) History(ctx context.Context, user *model.User, chatID string) ([]model.ChatMessage, error) {
	// 先校验会话归属
	chat, err := s.chatRepo.FindByChatID(user.ID, chatID)
	if err != nil {
		return nil, err
	}

	cached, err := s.conversationRepo.GetCachedHistory(ctx, chat.ChatID)
	if err != nil {
		log.Warnf("[ChatService] 读取会话历史缓存失败, chatID: %s, error: %v", chat.ChatID, err)
	}
	if cached != nil {
		return cached, nil
	}

	stored, err := s.chatRepo.FindMessages(chat.ChatID)
	if err != nil {
		return nil, err
	}
	messages := make([]model.ChatMessage, 0, len(stored))
	for _, m := range stored {
		messages = append(messages, model.ChatMessage{Sender: m.Sender, Message: m.Message, Timestamp: m.Timestamp})
	}
	if err := s.conversationRepo.CacheHistory(ctx, chat.ChatID, messages); err != nil {
		log.Warnf("[ChatService] 写入会话历史缓存失败, chatID: %s, error: %v", chat.ChatID, err)
	}
	return messages, nil
}

// DeleteChat 删除会话及其消息，并使历史缓存失效。
func (s *chatService) DeleteChat(ctx context.Context, user *model.User, chatID string) error {
	if err := s.chatRepo.Delete(user.ID, chatID); err != nil {
		return err
	}
	if err := s.conversationRepo.InvalidateHistory(ctx, chatID); err != nil {
		log.Warnf("[ChatService] 清除会话历史缓存失败, chatID: %s, error: %v", chatID, err)
	}
	return nil
}

// ensureChat 定位请求指定的会话；不存在或未指定时创建新会话。
func (s *chatService) ensureChat(user *model.User, chatID string) (*model.Chat, error) {
	if chatID != "" {
		chat, err := s.chatRepo.FindByChatID(user.ID, chatID)
		if err == nil {
			return chat, nil
		}
	}
	return s.NewChat(user)
}

// persistTurn 将一轮问答写入消息表；若会话此前为空则从首条消息推断标题。
// 返回本轮结束后的会话标题。
func (s *chatService) persistTurn(ctx context.Context, user *model.User, chat *model.Chat, question, answer string) (string, error) {
	count, err := s.chatRepo.CountMessages(chat.ChatID)
	if err != nil {
		return chat.Title, err
	}

	now := time.Now()
	entries := []model.ChatTurnMessage{
		{ChatID: chat.ChatID, Sender: "user", Message: question, Timestamp: now},
		{ChatID: chat.ChatID, Sender: "bot", Message: answer, Timestamp: now},
	}
	if err := s.chatRepo.AppendMessages(chat.ChatID, entries); err != nil {
		return chat.Title, err
	}

	title := chat.Title
	if count == 0 {
		title = inferTitle(question)
		if err := s.chatRepo.UpdateTitle(user.ID, chat.ChatID, title); err != nil {
			log.Warnf("[ChatService] 更新会话标题失败, chatID: %s, error: %v", chat.ChatID, err)
			title = chat.Title
		} else {
			chat.Title = title
		}
	}

	if err := s.conversationRepo.InvalidateHistory(ctx, chat.ChatID); err != nil {
		log.Warnf("[ChatService] 清除会话历史缓存失败, chatID: %s, error: %v", chat.ChatID, err)
	}
	return title, nil
}

// inferTitle 从首条消息推断会话标题（按字符截断，避免截断多字节字符）。
func inferTitle(message string) string {
	runes := []rune(strings.TrimSpace(message))
	if len(runes) == 0 {
		return defaultChatTitle
	}
	if len(runes) > titleInferLength {
		runes = runes[:titleInferLength]
	}
	return string(runes)
}

// translatingWriter 包装下游 FragmentWriter：逐块翻译到用户语言、
// 捕获完整译文。写入错误原样上抛以触发提前终止。
type translatingWriter struct {
	ctx        context.Context
	inner      llm.FragmentWriter
	translator translate.Client
	language   string
	answer     strings.Builder
}

// WriteFragment 满足 llm.FragmentWriter 接口。
func (w *translatingWriter) WriteFragment(text string) error {
	out := text
	if w.language != "" && w.language != pivotLanguage {
		out = w.translator.Translate(w.ctx, text, pivotLanguage, w.language)
	}
	w.answer.WriteString(out)
	return w.inner.WriteFragment(out)
}
