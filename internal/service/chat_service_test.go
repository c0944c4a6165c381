package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"krishi-mitra-go/internal/model"
	"krishi-mitra-go/pkg/llm"
	"krishi-mitra-go/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init("error", "console", "")
	os.Exit(m.Run())
}

// fakeRouter 回放预置的回答与分块。
type fakeRouter struct {
	answer      string
	fragments   []string
	lastMessage string
}

func (f *fakeRouter) Route(ctx context.Context, user *model.User, message string) string {
	f.lastMessage = message
	return f.answer
}

func (f *fakeRouter) RouteStream(ctx context.Context, user *model.User, message string, w llm.FragmentWriter) error {
	f.lastMessage = message
	for _, fragment := range f.fragments {
		if err := w.WriteFragment(fragment); err != nil {
			return err
		}
	}
	return nil
}

// fakeTranslator 用 "dest:" 前缀标记译文，便于断言翻译方向。
type fakeTranslator struct{}

func (fakeTranslator) Translate(ctx context.Context, text, src, dest string) string {
	if src == dest || text == "" {
		return text
	}
	return fmt.Sprintf("%s:%s", dest, text)
}

// memChatRepo 是 ChatRepository 的内存实现。
type memChatRepo struct {
	chats        map[string]*model.Chat
	messages     map[string][]model.ChatTurnMessage
	appendCalls  int
	failOnAppend bool
}

func newMemChatRepo() *memChatRepo {
	return &memChatRepo{
		chats:    make(map[string]*model.Chat),
		messages: make(map[string][]model.ChatTurnMessage),
	}
}

func (r *memChatRepo) Create(chat *model.Chat) error {
	r.chats[chat.ChatID] = chat
	return nil
}

func (r *memChatRepo) FindByChatID(userID uint, chatID string) (*model.Chat, error) {
	chat, ok := r.chats[chatID]
	if !ok || chat.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	return chat, nil
}

func (r *memChatRepo) FindByUser(userID uint) ([]model.Chat, error) {
	var chats []model.Chat
	for _, chat := range r.chats {
		if chat.UserID == userID {
			chats = append(chats, *chat)
		}
	}
	return chats, nil
}

func (r *memChatRepo) AppendMessages(chatID string, messages []model.ChatTurnMessage) error {
	if r.failOnAppend {
		return fmt.Errorf("db down")
	}
	r.appendCalls++
	r.messages[chatID] = append(r.messages[chatID], messages...)
	return nil
}

func (r *memChatRepo) FindMessages(chatID string) ([]model.ChatTurnMessage, error) {
	return r.messages[chatID], nil
}

func (r *memChatRepo) CountMessages(chatID string) (int64, error) {
	return int64(len(r.messages[chatID])), nil
}

func (r *memChatRepo) UpdateTitle(userID uint, chatID, title string) error {
	chat, ok := r.chats[chatID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	chat.Title = title
	return nil
}

func (r *memChatRepo) Delete(userID uint, chatID string) error {
	if _, ok := r.chats[chatID]; !ok {
		return gorm.ErrRecordNotFound
	}
	delete(r.chats, chatID)
	delete(r.messages, chatID)
	return nil
}

// memConversationRepo 是 ConversationRepository 的内存实现。
type memConversationRepo struct {
	cache map[string][]model.ChatMessage
}

func newMemConversationRepo() *memConversationRepo {
	return &memConversationRepo{cache: make(map[string][]model.ChatMessage)}
}

func (r *memConversationRepo) GetCachedHistory(ctx context.Context, chatID string) ([]model.ChatMessage, error) {
	return r.cache[chatID], nil
}

func (r *memConversationRepo) CacheHistory(ctx context.Context, chatID string, messages []model.ChatMessage) error {
	r.cache[chatID] = messages
	return nil
}

func (r *memConversationRepo) InvalidateHistory(ctx context.Context, chatID string) error {
	delete(r.cache, chatID)
	return nil
}

// failWriter 在写入 failAt 次后报错，模拟消费端断开。
type failWriter struct {
	fragments []string
	failAt    int
}

func (w *failWriter) WriteFragment(text string) error {
	if w.failAt > 0 && len(w.fragments) >= w.failAt {
		return fmt.Errorf("client gone")
	}
	w.fragments = append(w.fragments, text)
	return nil
}

func newTestChatService(router *fakeRouter) (ChatService, *memChatRepo, *memConversationRepo) {
	chatRepo := newMemChatRepo()
	convRepo := newMemConversationRepo()
	return NewChatService(router, fakeTranslator{}, chatRepo, convRepo), chatRepo, convRepo
}

func hindiUser() *model.User {
	return &model.User{ID: 1, Name: "Asha", PreferredLanguage: "hi", Location: "Pune"}
}

func TestRespondTranslatesBothWays(t *testing.T) {
	router := &fakeRouter{answer: "use neem oil"}
	svc, chatRepo, _ := newTestChatService(router)

	reply, err := svc.Respond(context.Background(), hindiUser(), "", "टमाटर")
	require.NoError(t, err)

	// 入站翻译到英文，出站翻译回用户语言
	assert.Equal(t, "en:टमाटर", router.lastMessage)
	assert.Equal(t, "hi:use neem oil", reply.Answer)
	assert.NotEmpty(t, reply.ChatID)
	// 标题从原始消息推断
	assert.Equal(t, "टमाटर", reply.ChatTitle)

	messages := chatRepo.messages[reply.ChatID]
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Sender)
	assert.Equal(t, "टमाटर", messages[0].Message)
	assert.Equal(t, "bot", messages[1].Sender)
	assert.Equal(t, "hi:use neem oil", messages[1].Message)
}

func TestRespondEnglishUserSkipsTranslation(t *testing.T) {
	router := &fakeRouter{answer: "use neem oil"}
	svc, _, _ := newTestChatService(router)
	user := hindiUser()
	user.PreferredLanguage = "en"

	reply, err := svc.Respond(context.Background(), user, "", "tomato blight")
	require.NoError(t, err)
	assert.Equal(t, "tomato blight", router.lastMessage)
	assert.Equal(t, "use neem oil", reply.Answer)
}

func TestRespondEmptyMessage(t *testing.T) {
	svc, _, _ := newTestChatService(&fakeRouter{})

	_, err := svc.Respond(context.Background(), hindiUser(), "", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestStreamResponseTranslatesFragmentsAndPersistsOnce(t *testing.T) {
	router := &fakeRouter{fragments: []string{"part one ", "part two ", "part three"}}
	svc, chatRepo, _ := newTestChatService(router)
	writer := &failWriter{}

	reply, err := svc.StreamResponse(context.Background(), hindiUser(), "", "crop insurance?", writer)
	require.NoError(t, err)

	// 每个分块按到达顺序翻译后下发
	assert.Equal(t, []string{"hi:part one ", "hi:part two ", "hi:part three"}, writer.fragments)
	// 完整答案是译文分块的拼接，且恰好持久化一次
	assert.Equal(t, "hi:part one hi:part two hi:part three", reply.Answer)
	assert.Equal(t, 1, chatRepo.appendCalls)

	messages := chatRepo.messages[reply.ChatID]
	require.Len(t, messages, 2)
	assert.Equal(t, reply.Answer, messages[1].Message)
	assert.Equal(t, "crop insurance?", reply.ChatTitle)
}

func TestStreamResponseWriterFailureSkipsPersistence(t *testing.T) {
	router := &fakeRouter{fragments: []string{"part one ", "part two"}}
	svc, chatRepo, _ := newTestChatService(router)
	writer := &failWriter{failAt: 1}

	_, err := svc.StreamResponse(context.Background(), hindiUser(), "", "crop insurance?", writer)
	require.Error(t, err)
	assert.Zero(t, chatRepo.appendCalls)
}

func TestTitleInferredOnlyForFirstTurn(t *testing.T) {
	router := &fakeRouter{answer: "answer"}
	svc, _, _ := newTestChatService(router)
	user := hindiUser()
	user.PreferredLanguage = "en"

	first, err := svc.Respond(context.Background(), user, "", "first question")
	require.NoError(t, err)
	assert.Equal(t, "first question", first.ChatTitle)

	second, err := svc.Respond(context.Background(), user, first.ChatID, "second question")
	require.NoError(t, err)
	assert.Equal(t, first.ChatID, second.ChatID)
	assert.Equal(t, "first question", second.ChatTitle)
}

func TestTitleTruncatedToSixtyRunes(t *testing.T) {
	router := &fakeRouter{answer: "answer"}
	svc, _, _ := newTestChatService(router)
	user := hindiUser()
	user.PreferredLanguage = "en"

	long := strings.Repeat("q", 200)
	reply, err := svc.Respond(context.Background(), user, "", long)
	require.NoError(t, err)
	assert.Len(t, reply.ChatTitle, 60)
}

func TestUnknownChatIDCreatesNewChat(t *testing.T) {
	router := &fakeRouter{answer: "answer"}
	svc, _, _ := newTestChatService(router)
	user := hindiUser()
	user.PreferredLanguage = "en"

	reply, err := svc.Respond(context.Background(), user, "no-such-chat", "hello there")
	require.NoError(t, err)
	assert.NotEqual(t, "no-such-chat", reply.ChatID)
	assert.NotEmpty(t, reply.ChatID)
}

func TestHistoryLoadsFromStoreAndCaches(t *testing.T) {
	router := &fakeRouter{answer: "answer"}
	svc, _, convRepo := newTestChatService(router)
	user := hindiUser()
	user.PreferredLanguage = "en"

	reply, err := svc.Respond(context.Background(), user, "", "hello there")
	require.NoError(t, err)

	history, err := svc.History(context.Background(), user, reply.ChatID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Sender)
	assert.Equal(t, "bot", history[1].Sender)
	// 回填缓存
	assert.Len(t, convRepo.cache[reply.ChatID], 2)
}

func TestDeleteChatRemovesHistory(t *testing.T) {
	router := &fakeRouter{answer: "answer"}
	svc, chatRepo, _ := newTestChatService(router)
	user := hindiUser()
	user.PreferredLanguage = "en"

	reply, err := svc.Respond(context.Background(), user, "", "hello there")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteChat(context.Background(), user, reply.ChatID))
	assert.Empty(t, chatRepo.chats)

	err = svc.DeleteChat(context.Background(), user, reply.ChatID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
