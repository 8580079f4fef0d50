// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"kieran-ai-go/internal/model"
	"kieran-ai-go/internal/repository"
	"kieran-ai-go/pkg/kafka"
	"kieran-ai-go/pkg/llm"
	"kieran-ai-go/pkg/log"
	"kieran-ai-go/pkg/tasks"

	"github.com/gorilla/websocket"
)

// 每次调用模型时携带的历史轮次上限。
const historyWindow = 10

// 默认每轮取回的最近记忆条数（提示词渲染时再截到 10 条）。
const defaultMemoryFetchLimit = 15

// 清空历史后重新播种的欢迎语。
const welcomeMessage = "Hey! I'm Kieran AI. Ask me anything about the projects, services, blog, games or shop on this site, or just say hi!"

// 模型返回空内容时的替补回复。
const glitchFallback = "Hmm, I glitched for a second there. Mind saying that again?"

// 外部模型调用失败时按用户类型选择的替补回复。
const (
	enterpriseFallback = "Apologies: the assistant service is temporarily unavailable. Please try again shortly, or reach out through the contact form and we'll follow up."
	personalFallback   = "Oops, my circuits got a bit tangled just now. Give me a moment and try me again!"
)

// ChatService 定义了聊天编排的接口。
type ChatService interface {
	// HandleMessage 处理一条入站消息并返回持久化后的用户/助手消息对。
	HandleMessage(ctx context.Context, ident Identity, content, requestUserType string) (*model.ChatMessage, *model.ChatMessage, error)
	// StreamMessage 与 HandleMessage 语义一致，但助手回复以分块形式写入 writer。
	StreamMessage(ctx context.Context, ident Identity, content, requestUserType string, writer llm.MessageWriter) (*model.ChatMessage, *model.ChatMessage, error)
	// ListMessages 按追加顺序返回该身份的全部消息。
	ListMessages(ctx context.Context, ident Identity) ([]model.ChatMessage, error)
	// ClearMessages 清空该身份的历史并播种一条欢迎消息，返回这条消息。
	ClearMessages(ctx context.Context, ident Identity) (*model.ChatMessage, error)
}

type chatService struct {
	userRepo         repository.UserRepository
	profileRepo      repository.ProfileRepository
	memoryRepo       repository.MemoryRepository
	messageRepo      repository.MessageRepository
	llmClient        llm.Client
	memoryService    MemoryService
	memoryFetchLimit int
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(
	userRepo repository.UserRepository,
	profileRepo repository.ProfileRepository,
	memoryRepo repository.MemoryRepository,
	messageRepo repository.MessageRepository,
	llmClient llm.Client,
	memoryService MemoryService,
	memoryFetchLimit int,
) ChatService {
	if memoryFetchLimit <= 0 {
		memoryFetchLimit = defaultMemoryFetchLimit
	}
	return &chatService{
		userRepo:         userRepo,
		profileRepo:      profileRepo,
		memoryRepo:       memoryRepo,
		messageRepo:      messageRepo,
		llmClient:        llmClient,
		memoryService:    memoryService,
		memoryFetchLimit: memoryFetchLimit,
	}
}

// profileContext 是一次请求解析出的档案上下文。
// Persisted 为 false 表示匿名访客的临时默认档案：不落库、不触发记忆提取。
type profileContext struct {
	Profile   *model.Profile
	Memories  []model.Memory
	Persisted bool
}

// transientProfile 返回匿名访客使用的临时默认档案。
func transientProfile() *model.Profile {
	return &model.Profile{
		UserType:         "personal",
		InteractionStyle: "balanced",
	}
}

// resolveProfile 实现身份解析与档案 get-or-create。
// 用户记录缺失（token 有效但用户已被删除）按匿名处理；档案存储故障向上返回。
func (s *chatService) resolveProfile(ident Identity, requestUserType string) (*profileContext, error) {
	if !ident.Authenticated() {
		return &profileContext{Profile: transientProfile()}, nil
	}

	user, err := s.userRepo.FindByID(*ident.UserID)
	if err != nil {
		log.Warnf("无法加载用户 %d，按匿名访客处理: %v", *ident.UserID, err)
		return &profileContext{Profile: transientProfile()}, nil
	}

	// 初始用户类型：请求里带的优先，其次用户记录里存的。
	userType := requestUserType
	if userType == "" {
		userType = user.UserType
	}

	profile, err := s.profileRepo.GetOrCreate(user.Email, userType, &user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve profile: %w", err)
	}

	memories, err := s.memoryRepo.FindRecentByProfile(profile.ID, s.memoryFetchLimit)
	if err != nil {
		// 记忆读取是增强而非前提，失败时降级为无记忆。
		log.Errorf("读取档案 %d 的记忆失败: %v", profile.ID, err)
		memories = nil
	}

	return &profileContext{Profile: profile, Memories: memories, Persisted: true}, nil
}

// composeMessages 组装一次模型调用的消息序列：[system] + 最近 historyWindow 轮 + 新消息。
func composeMessages(systemPrompt string, history []model.ChatMessage, userInput string) []llm.Message {
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: model.RoleSystem, Content: systemPrompt})
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: model.RoleUser, Content: userInput})
	return messages
}

// fallbackFor 按用户类型选择故障替补回复。
func fallbackFor(profile *model.Profile) string {
	if profile.UserType == "enterprise" {
		return enterpriseFallback
	}
	return personalFallback
}

// generateReply 生成助手回复文本。对调用方而言不会失败：
// 模型错误被吞掉并替换为脚本化的替补回复，返回值标记本轮是否降级。
func (s *chatService) generateReply(ctx context.Context, userText string, pc *profileContext, history []model.ChatMessage) (string, bool) {
	systemPrompt := BuildSystemPrompt(pc.Profile, pc.Memories)
	messages := composeMessages(systemPrompt, history, userText)

	reply, err := s.llmClient.ChatCompletion(ctx, messages, 0)
	if err != nil {
		log.Errorf("外部模型调用失败，使用替补回复: %v", err)
		return fallbackFor(pc.Profile), true
	}
	if reply == "" {
		return glitchFallback, true
	}
	return reply, false
}

// 进程内单调递增的消息序号。
var messageSeq uint64

// newChatMessage 构造一条带时间戳 ID 的消息。
// ID 采用纳秒时间戳加进程内序号（参考会话 ID 的做法，避免引入额外依赖）；
// 并发请求可能观察到同一纳秒，序号保证 ID 仍然唯一。
func newChatMessage(role, content, userType string, userID *uint) *model.ChatMessage {
	return &model.ChatMessage{
		ID:       fmt.Sprintf("%d-%d", time.Now().UnixNano(), atomic.AddUint64(&messageSeq, 1)),
		Role:     role,
		Content:  content,
		UserType: userType,
		UserID:   userID,
		SentAt:   model.Now(),
	}
}

// HandleMessage 实现一次完整的聊天轮次编排。
func (s *chatService) HandleMessage(ctx context.Context, ident Identity, content, requestUserType string) (*model.ChatMessage, *model.ChatMessage, error) {
	return s.handleTurn(ctx, ident, content, requestUserType, nil)
}

// StreamMessage 与 HandleMessage 相同，但通过 writer 流式下发回复分块。
func (s *chatService) StreamMessage(ctx context.Context, ident Identity, content, requestUserType string, writer llm.MessageWriter) (*model.ChatMessage, *model.ChatMessage, error) {
	return s.handleTurn(ctx, ident, content, requestUserType, writer)
}

// handleTurn 是 REST 与 WebSocket 共用的轮次状态机：
// 解析身份与档案 → 读历史 → 持久化用户消息 → 生成回复 → 持久化助手消息 → 投递提取任务。
func (s *chatService) handleTurn(ctx context.Context, ident Identity, content, requestUserType string, writer llm.MessageWriter) (*model.ChatMessage, *model.ChatMessage, error) {
	pc, err := s.resolveProfile(ident, requestUserType)
	if err != nil {
		return nil, nil, err
	}

	key := ident.StorageKey()

	// 在写入新消息之前取历史，天然排除了本轮的用户消息。
	// 历史读取失败有意降级为空窗口而不是中断本轮：与记忆读取同策略，
	// 上下文是增强而非前提，只有持久化失败才向上返回。
	history, err := s.messageRepo.List(ctx, key)
	if err != nil {
		log.Errorf("读取对话历史失败: %v", err)
		history = []model.ChatMessage{}
	}

	userMsg := newChatMessage(model.RoleUser, content, pc.Profile.UserType, ident.UserID)
	if err := s.messageRepo.Append(ctx, key, *userMsg); err != nil {
		return nil, nil, fmt.Errorf("failed to persist user message: %w", err)
	}

	var reply string
	var fellBack bool
	if writer != nil {
		reply, fellBack = s.streamReply(ctx, content, pc, history, writer)
	} else {
		reply, fellBack = s.generateReply(ctx, content, pc, history)
	}

	assistantMsg := newChatMessage(model.RoleAssistant, reply, pc.Profile.UserType, ident.UserID)
	// 用户消息已落库，此处失败不回滚：宁可留下半轮历史也不丢用户输入。
	if err := s.messageRepo.Append(ctx, key, *assistantMsg); err != nil {
		return nil, nil, fmt.Errorf("failed to persist assistant message: %w", err)
	}

	// 记忆提取只对真实档案进行，且不阻塞本次响应。
	if pc.Persisted {
		s.memoryService.Submit(tasks.MemoryExtractionTask{
			ProfileID:        pc.Profile.ID,
			UserMessage:      content,
			AssistantMessage: reply,
		})
	}

	s.publishTurnEvent(ident, userMsg, assistantMsg, fellBack, pc.Persisted)

	return userMsg, assistantMsg, nil
}

// streamReply 以流式方式生成回复。失败时把替补回复作为单个分块写给客户端。
func (s *chatService) streamReply(ctx context.Context, userText string, pc *profileContext, history []model.ChatMessage, writer llm.MessageWriter) (string, bool) {
	systemPrompt := BuildSystemPrompt(pc.Profile, pc.Memories)
	messages := composeMessages(systemPrompt, history, userText)

	reply, err := s.llmClient.StreamChatMessages(ctx, messages, 0, writer)
	if err != nil {
		log.Errorf("外部模型流式调用失败，使用替补回复: %v", err)
		fallback := fallbackFor(pc.Profile)
		if werr := writer.WriteMessage(websocket.TextMessage, []byte(fallback)); werr != nil {
			log.Warnf("写入替补回复失败: %v", werr)
		}
		return fallback, true
	}
	if reply == "" {
		if werr := writer.WriteMessage(websocket.TextMessage, []byte(glitchFallback)); werr != nil {
			log.Warnf("写入替补回复失败: %v", werr)
		}
		return glitchFallback, true
	}
	return reply, false
}

// publishTurnEvent 发布对话轮次事件（best-effort）。
func (s *chatService) publishTurnEvent(ident Identity, userMsg, assistantMsg *model.ChatMessage, fellBack, persisted bool) {
	if !kafka.Enabled() {
		return
	}
	event := tasks.ChatTurnEvent{
		UserID:          ident.UserID,
		UserType:        userMsg.UserType,
		Anonymous:       !persisted,
		UserMessageID:   userMsg.ID,
		AssistantMsgID:  assistantMsg.ID,
		FallbackReply:   fellBack,
		TimestampMillis: time.Now().UnixMilli(),
	}
	if err := kafka.ProduceChatTurnEvent(event); err != nil {
		log.Errorf("发布对话轮次事件失败: %v", err)
	}
}

// ListMessages 返回该身份的有序消息列表。
func (s *chatService) ListMessages(ctx context.Context, ident Identity) ([]model.ChatMessage, error) {
	return s.messageRepo.List(ctx, ident.StorageKey())
}

// ClearMessages 清空历史并播种欢迎消息。
func (s *chatService) ClearMessages(ctx context.Context, ident Identity) (*model.ChatMessage, error) {
	key := ident.StorageKey()
	if err := s.messageRepo.Clear(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to clear chat history: %w", err)
	}

	userType := "personal"
	if ident.Authenticated() {
		if user, err := s.userRepo.FindByID(*ident.UserID); err == nil {
			userType = user.UserType
		}
	}

	welcome := newChatMessage(model.RoleAssistant, welcomeMessage, userType, ident.UserID)
	if err := s.messageRepo.Append(ctx, key, *welcome); err != nil {
		return nil, fmt.Errorf("failed to seed welcome message: %w", err)
	}
	return welcome, nil
}
