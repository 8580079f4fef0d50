// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"kieran-ai-go/internal/model"
	"kieran-ai-go/internal/repository"
	"kieran-ai-go/pkg/llm"
	"kieran-ai-go/pkg/log"
	"kieran-ai-go/pkg/tasks"
)

// 提取结果的长度上限与"无可提取内容"哨兵。
const (
	maxMemoryLength = 100
	noneSentinel    = "NONE"
)

// 提取调用的输出 token 上限：只要一句短句，给大了是浪费。
const extractionMaxTokens = 60

const extractionSystemPrompt = "You distill durable facts about a person from a chat exchange. " +
	"Reply with ONE sentence of at most 100 characters describing something lasting and worth remembering " +
	"about the user (a preference, goal, or fact about them), or reply with exactly NONE if the exchange " +
	"contains nothing durable."

// 默认的后台 worker 数与队列容量。
const (
	defaultExtractionWorkers = 2
	defaultQueueSize         = 64
)

// MemoryService 定义了记忆提取后台任务的接口。
// 提取与请求生命周期解耦：Submit 不阻塞，任务失败只记日志，绝不影响聊天响应。
type MemoryService interface {
	// Start 启动后台 worker，随 ctx 取消而退出。
	Start(ctx context.Context)
	// Submit 把一个提取任务放入队列。队列满时任务被丢弃并记录日志。
	Submit(task tasks.MemoryExtractionTask)
	// Wait 阻塞等待所有 worker 退出（用于优雅停机）。
	Wait()
}

type memoryService struct {
	memoryRepo repository.MemoryRepository
	llmClient  llm.Client
	queue      chan tasks.MemoryExtractionTask
	workers    int
	wg         sync.WaitGroup
	startOnce  sync.Once
}

// NewMemoryService 创建一个新的 MemoryService 实例。
func NewMemoryService(memoryRepo repository.MemoryRepository, llmClient llm.Client, workers, queueSize int) MemoryService {
	if workers <= 0 {
		workers = defaultExtractionWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &memoryService{
		memoryRepo: memoryRepo,
		llmClient:  llmClient,
		queue:      make(chan tasks.MemoryExtractionTask, queueSize),
		workers:    workers,
	}
}

// Start 启动后台提取 worker。
func (s *memoryService) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case task := <-s.queue:
						s.process(ctx, task)
					}
				}
			}()
		}
		log.Infof("记忆提取服务已启动，worker 数量: %d", s.workers)
	})
}

// Submit 非阻塞地投递一个提取任务。
func (s *memoryService) Submit(task tasks.MemoryExtractionTask) {
	select {
	case s.queue <- task:
	default:
		log.Warnf("记忆提取队列已满，丢弃档案 %d 的任务", task.ProfileID)
	}
}

// Wait 等待所有 worker 退出。
func (s *memoryService) Wait() {
	s.wg.Wait()
}

// process 执行一次提取。所有错误在此吞掉并记录，不向上传播。
func (s *memoryService) process(ctx context.Context, task tasks.MemoryExtractionTask) {
	result, err := s.extract(ctx, task)
	if err != nil {
		log.Errorf("档案 %d 的记忆提取失败: %v", task.ProfileID, err)
		return
	}
	if result == "" {
		return
	}

	memory := &model.Memory{
		ProfileID:  task.ProfileID,
		MemoryType: model.MemoryTypePreference,
		Content:    result,
		Importance: 5,
	}
	if err := s.memoryRepo.Create(memory); err != nil {
		log.Errorf("写入档案 %d 的记忆失败: %v", task.ProfileID, err)
		return
	}
	log.Infow("已为档案写入一条新记忆", "profileId", task.ProfileID, "content", result)
}

// extract 询问模型本轮交互是否包含值得记住的事实。
// 返回空串表示没有可写入的记忆（含哨兵、空回复和超长回复）。
func (s *memoryService) extract(ctx context.Context, task tasks.MemoryExtractionTask) (string, error) {
	messages := []llm.Message{
		{Role: model.RoleSystem, Content: extractionSystemPrompt},
		{Role: model.RoleUser, Content: fmt.Sprintf("User: %s\nAssistant: %s", task.UserMessage, task.AssistantMessage)},
	}

	raw, err := s.llmClient.ChatCompletion(ctx, messages, extractionMaxTokens)
	if err != nil {
		return "", err
	}

	result := strings.TrimSpace(raw)
	if result == "" || result == noneSentinel {
		return "", nil
	}
	// 超过长度上限视为模型没有遵守约束，放弃本次结果。
	// 上限按字符数而不是字节数计，多字节文本不应因编码被误伤。
	if utf8.RuneCountInString(result) > maxMemoryLength {
		log.Warnf("提取结果超过 %d 字符，已丢弃: %q", maxMemoryLength, result)
		return "", nil
	}
	return result, nil
}
