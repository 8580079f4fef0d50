package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"kieran-ai-go/internal/model"
	"kieran-ai-go/pkg/llm"
	"kieran-ai-go/pkg/tasks"
)

// ----- 按测试实例化的内存版仓库，替代 MySQL/Redis -----

type memUserRepo struct {
	users map[uint]*model.User
}

func (r *memUserRepo) FindByID(userID uint) (*model.User, error) {
	if u, ok := r.users[userID]; ok {
		return u, nil
	}
	return nil, errors.New("user not found")
}

func (r *memUserRepo) FindByEmail(email string) (*model.User, error) {
	for _, u := range r.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, errors.New("user not found")
}

type memProfileRepo struct {
	mu       sync.Mutex
	profiles map[string]*model.Profile
	nextID   uint
	err      error
}

func newMemProfileRepo() *memProfileRepo {
	return &memProfileRepo{profiles: map[string]*model.Profile{}, nextID: 1}
}

func (r *memProfileRepo) GetOrCreate(email, userType string, userID *uint) (*model.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if p, ok := r.profiles[email]; ok {
		return p, nil
	}
	if userType == "" {
		userType = "personal"
	}
	p := &model.Profile{
		ID:               r.nextID,
		UserID:           userID,
		Email:            email,
		UserType:         userType,
		InteractionStyle: "balanced",
	}
	r.nextID++
	r.profiles[email] = p
	return p, nil
}

func (r *memProfileRepo) FindByEmail(email string) (*model.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.profiles[email]; ok {
		return p, nil
	}
	return nil, errors.New("profile not found")
}

type memMemoryRepo struct {
	mu       sync.Mutex
	memories []model.Memory
	nextID   uint
}

func (r *memMemoryRepo) Create(memory *model.Memory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	memory.ID = r.nextID
	r.memories = append(r.memories, *memory)
	return nil
}

func (r *memMemoryRepo) FindRecentByProfile(profileID uint, limit int) ([]model.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Memory
	for _, m := range r.memories {
		if m.ProfileID == profileID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memMessageRepo struct {
	mu        sync.Mutex
	lists     map[string][]model.ChatMessage
	appendErr error
	listErr   error
}

func newMemMessageRepo() *memMessageRepo {
	return &memMessageRepo{lists: map[string][]model.ChatMessage{}}
}

func (r *memMessageRepo) Append(ctx context.Context, key string, message model.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	r.lists[key] = append(r.lists[key], message)
	return nil
}

func (r *memMessageRepo) List(ctx context.Context, key string) ([]model.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	return append([]model.ChatMessage{}, r.lists[key]...), nil
}

func (r *memMessageRepo) Clear(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lists, key)
	return nil
}

func (r *memMessageRepo) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.lists {
		n += len(l)
	}
	return n
}

// stubLLM 记录最后一次调用的消息序列，返回可编程的回复。
type stubLLM struct {
	mu           sync.Mutex
	reply        string
	err          error
	lastMessages []llm.Message
}

func (s *stubLLM) ChatCompletion(ctx context.Context, messages []llm.Message, maxTokens int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMessages = messages
	return s.reply, s.err
}

func (s *stubLLM) StreamChatMessages(ctx context.Context, messages []llm.Message, maxTokens int, writer llm.MessageWriter) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMessages = messages
	if s.err != nil {
		return "", s.err
	}
	if s.reply != "" {
		if err := writer.WriteMessage(1, []byte(s.reply)); err != nil {
			return "", err
		}
	}
	return s.reply, nil
}

// stubMemoryService 只记录提交的任务。
type stubMemoryService struct {
	mu        sync.Mutex
	submitted []tasks.MemoryExtractionTask
}

func (s *stubMemoryService) Start(ctx context.Context) {}
func (s *stubMemoryService) Wait()                     {}
func (s *stubMemoryService) Submit(task tasks.MemoryExtractionTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, task)
}

type chatFixture struct {
	users     *memUserRepo
	profiles  *memProfileRepo
	memories  *memMemoryRepo
	messages  *memMessageRepo
	llm       *stubLLM
	extractor *stubMemoryService
	svc       ChatService
}

func newChatFixture() *chatFixture {
	f := &chatFixture{
		users:     &memUserRepo{users: map[uint]*model.User{}},
		profiles:  newMemProfileRepo(),
		memories:  &memMemoryRepo{},
		messages:  newMemMessageRepo(),
		llm:       &stubLLM{reply: "Nice to meet you!"},
		extractor: &stubMemoryService{},
	}
	f.svc = NewChatService(f.users, f.profiles, f.memories, f.messages, f.llm, f.extractor, 0)
	return f
}

func uintPtr(v uint) *uint { return &v }

func TestHandleMessagePersistsPair(t *testing.T) {
	f := newChatFixture()
	f.users.users[7] = &model.User{ID: 7, Email: "kieran@example.com", UserType: "personal"}
	ident := Identity{UserID: uintPtr(7)}

	userMsg, assistantMsg, err := f.svc.HandleMessage(context.Background(), ident, "hello", "")
	if err != nil {
		t.Fatalf("HandleMessage error: %v", err)
	}
	if userMsg.Role != model.RoleUser || userMsg.Content != "hello" {
		t.Errorf("unexpected user message: %+v", userMsg)
	}
	if assistantMsg.Role != model.RoleAssistant || assistantMsg.Content != "Nice to meet you!" {
		t.Errorf("unexpected assistant message: %+v", assistantMsg)
	}

	stored, _ := f.messages.List(context.Background(), ident.StorageKey())
	if len(stored) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(stored))
	}
	if stored[0].Role != model.RoleUser || stored[1].Role != model.RoleAssistant {
		t.Error("messages persisted out of order")
	}

	// 已登录用户的轮次必须触发记忆提取
	if len(f.extractor.submitted) != 1 {
		t.Fatalf("expected 1 extraction task, got %d", len(f.extractor.submitted))
	}
	task := f.extractor.submitted[0]
	if task.UserMessage != "hello" || task.AssistantMessage != "Nice to meet you!" {
		t.Errorf("unexpected extraction task: %+v", task)
	}

	// 档案应按邮箱创建
	if _, err := f.profiles.FindByEmail("kieran@example.com"); err != nil {
		t.Error("expected profile to be created for known email")
	}
}

func TestHandleMessageAnonymousSkipsPersonalization(t *testing.T) {
	f := newChatFixture()

	userMsg, assistantMsg, err := f.svc.HandleMessage(context.Background(), Identity{}, "hello", "")
	if err != nil {
		t.Fatalf("HandleMessage error: %v", err)
	}
	if userMsg == nil || assistantMsg == nil {
		t.Fatal("anonymous caller must still receive a message pair")
	}

	// 匿名轮次：不创建档案、不写记忆、不提交提取任务
	if len(f.profiles.profiles) != 0 {
		t.Error("no profile may be created for anonymous callers")
	}
	if len(f.memories.memories) != 0 {
		t.Error("no memory may be written for anonymous callers")
	}
	if len(f.extractor.submitted) != 0 {
		t.Error("no extraction task may be submitted for anonymous callers")
	}
}

func TestHistoryWindow(t *testing.T) {
	f := newChatFixture()
	ident := Identity{}
	key := ident.StorageKey()

	for i := 0; i < 15; i++ {
		_ = f.messages.Append(context.Background(), key, model.ChatMessage{
			Role:    model.RoleUser,
			Content: fmt.Sprintf("old-%02d", i),
		})
	}

	if _, _, err := f.svc.HandleMessage(context.Background(), ident, "newest", ""); err != nil {
		t.Fatalf("HandleMessage error: %v", err)
	}

	msgs := f.llm.lastMessages
	// [system] + 最近 10 条历史 + 新消息
	if len(msgs) != 12 {
		t.Fatalf("expected 12 messages sent to the model, got %d", len(msgs))
	}
	if msgs[0].Role != model.RoleSystem {
		t.Error("first message must be the system prompt")
	}
	if msgs[len(msgs)-1].Content != "newest" {
		t.Error("new user message must come last")
	}
	// 窗口内保持原顺序：第一条历史是 old-05
	if msgs[1].Content != "old-05" {
		t.Errorf("expected window to start at old-05, got %q", msgs[1].Content)
	}
	if msgs[10].Content != "old-14" {
		t.Errorf("expected window to end at old-14, got %q", msgs[10].Content)
	}
}

func TestFallbackOnModelFailure(t *testing.T) {
	cases := []struct {
		userType string
		expected string
	}{
		{"enterprise", enterpriseFallback},
		{"personal", personalFallback},
	}

	for _, tc := range cases {
		t.Run(tc.userType, func(t *testing.T) {
			f := newChatFixture()
			f.llm.err = errors.New("upstream timeout")
			f.users.users[1] = &model.User{ID: 1, Email: "a@b.c", UserType: tc.userType}

			_, assistantMsg, err := f.svc.HandleMessage(context.Background(), Identity{UserID: uintPtr(1)}, "hi", "")
			if err != nil {
				t.Fatalf("model failure must not surface as an error: %v", err)
			}
			if assistantMsg.Content != tc.expected {
				t.Errorf("expected %q fallback, got %q", tc.userType, assistantMsg.Content)
			}
		})
	}
}

func TestGlitchFallbackOnEmptyReply(t *testing.T) {
	f := newChatFixture()
	f.llm.reply = ""

	_, assistantMsg, err := f.svc.HandleMessage(context.Background(), Identity{}, "hi", "")
	if err != nil {
		t.Fatalf("HandleMessage error: %v", err)
	}
	if assistantMsg.Content != glitchFallback {
		t.Errorf("expected glitch fallback, got %q", assistantMsg.Content)
	}
}

func TestRequestUserTypeSeedsNewProfile(t *testing.T) {
	f := newChatFixture()
	f.users.users[3] = &model.User{ID: 3, Email: "biz@corp.com", UserType: "personal"}

	if _, _, err := f.svc.HandleMessage(context.Background(), Identity{UserID: uintPtr(3)}, "hi", "enterprise"); err != nil {
		t.Fatalf("HandleMessage error: %v", err)
	}

	profile, err := f.profiles.FindByEmail("biz@corp.com")
	if err != nil {
		t.Fatal("expected profile to exist")
	}
	// 请求里带的用户类型优先于用户记录里存的
	if profile.UserType != "enterprise" {
		t.Errorf("expected enterprise profile, got %q", profile.UserType)
	}
}

func TestMessageIDsUniqueUnderConcurrency(t *testing.T) {
	const goroutines = 8
	const perGoroutine = 50

	ids := make(chan string, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				ids <- newChatMessage(model.RoleUser, "x", "personal", nil).ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		// 并发构造可能落在同一纳秒，ID 仍须唯一
		if seen[id] {
			t.Fatalf("duplicate message id: %s", id)
		}
		seen[id] = true
	}
}

func TestHistoryReadFailureDegradesToEmptyWindow(t *testing.T) {
	f := newChatFixture()
	f.messages.listErr = errors.New("redis read timeout")

	// 历史读取失败不中断本轮，回复正常生成并落库
	userMsg, assistantMsg, err := f.svc.HandleMessage(context.Background(), Identity{}, "hello", "")
	if err != nil {
		t.Fatalf("a history read failure must not abort the turn: %v", err)
	}
	if userMsg == nil || assistantMsg == nil {
		t.Fatal("expected a message pair")
	}

	// 窗口降级为空：只有系统提示词和新消息发给模型
	msgs := f.llm.lastMessages
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages sent to the model, got %d", len(msgs))
	}
	if msgs[0].Role != model.RoleSystem || msgs[1].Content != "hello" {
		t.Errorf("unexpected model input: %+v", msgs)
	}
}

func TestPersistFailureSurfacesError(t *testing.T) {
	f := newChatFixture()
	f.messages.appendErr = errors.New("redis down")

	if _, _, err := f.svc.HandleMessage(context.Background(), Identity{}, "hi", ""); err == nil {
		t.Fatal("persistence failure must surface as an error")
	}
}

func TestClearMessagesReseedsWelcome(t *testing.T) {
	f := newChatFixture()
	ident := Identity{}

	if _, _, err := f.svc.HandleMessage(context.Background(), ident, "hello", ""); err != nil {
		t.Fatalf("HandleMessage error: %v", err)
	}

	welcome, err := f.svc.ClearMessages(context.Background(), ident)
	if err != nil {
		t.Fatalf("ClearMessages error: %v", err)
	}
	if welcome.Role != model.RoleAssistant || welcome.Content != welcomeMessage {
		t.Errorf("unexpected welcome message: %+v", welcome)
	}

	stored, err := f.svc.ListMessages(context.Background(), ident)
	if err != nil {
		t.Fatalf("ListMessages error: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected exactly 1 message after clear, got %d", len(stored))
	}
	if stored[0].Role != model.RoleAssistant || stored[0].Content != welcomeMessage {
		t.Errorf("unexpected reseeded message: %+v", stored[0])
	}
}

func TestStreamMessageDeliversChunksAndPersists(t *testing.T) {
	f := newChatFixture()
	ident := Identity{SessionID: "s1"}
	var sink chunkSink

	userMsg, assistantMsg, err := f.svc.StreamMessage(context.Background(), ident, "hello", "", &sink)
	if err != nil {
		t.Fatalf("StreamMessage error: %v", err)
	}
	if userMsg == nil || assistantMsg == nil {
		t.Fatal("expected a message pair")
	}
	if sink.joined() != "Nice to meet you!" {
		t.Errorf("expected streamed chunks to form the reply, got %q", sink.joined())
	}

	stored, _ := f.messages.List(context.Background(), ident.StorageKey())
	if len(stored) != 2 {
		t.Fatalf("expected streamed turn to persist 2 messages, got %d", len(stored))
	}
}

func TestStreamMessageFallbackChunkOnFailure(t *testing.T) {
	f := newChatFixture()
	f.llm.err = errors.New("upstream down")
	var sink chunkSink

	_, assistantMsg, err := f.svc.StreamMessage(context.Background(), Identity{}, "hi", "", &sink)
	if err != nil {
		t.Fatalf("model failure must not surface as an error: %v", err)
	}
	if assistantMsg.Content != personalFallback {
		t.Errorf("expected personal fallback, got %q", assistantMsg.Content)
	}
	if sink.joined() != personalFallback {
		t.Errorf("fallback must be written to the stream, got %q", sink.joined())
	}
}

// chunkSink 收集写入的分块。
type chunkSink struct {
	mu     sync.Mutex
	chunks []string
}

func (s *chunkSink) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, string(data))
	return nil
}

func (s *chunkSink) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := ""
	for _, c := range s.chunks {
		out += c
	}
	return out
}
