// Package tasks defines the payload structures for background work and events.
package tasks

// MemoryExtractionTask 是一次对话结束后提交给后台提取 worker 的任务。
type MemoryExtractionTask struct {
	ProfileID        uint   `json:"profile_id"`
	UserMessage      string `json:"user_message"`
	AssistantMessage string `json:"assistant_message"`
}

// ChatTurnEvent 是发送到 Kafka 的对话轮次事件，供下游分析消费。
type ChatTurnEvent struct {
	UserID          *uint  `json:"user_id,omitempty"`
	UserType        string `json:"user_type"`
	Anonymous       bool   `json:"anonymous"`
	UserMessageID   string `json:"user_message_id"`
	AssistantMsgID  string `json:"assistant_message_id"`
	FallbackReply   bool   `json:"fallback_reply"`
	TimestampMillis int64  `json:"timestamp_millis"`
}
