// Package model 包含了应用的数据模型定义。
package model

// 消息角色。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage 代表存储在 Redis 中的单条对话消息。
// 消息按到达顺序追加，只增不改。
type ChatMessage struct {
	ID       string    `json:"id"`
	Role     string    `json:"role"` // "user" 或 "assistant"
	Content  string    `json:"content"`
	UserType string    `json:"userType"`
	UserID   *uint     `json:"userId,omitempty"`
	SentAt   LocalTime `json:"sentAt"`
}
