// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// Memory 的类型取值。
const (
	MemoryTypePreference  = "preference"
	MemoryTypeInteraction = "interaction"
	MemoryTypeMilestone   = "milestone"
)

// Memory 对应于数据库中的 'ai_memories' 表。
// 一条记录是关于某个用户的一句短事实，由记忆提取器在对话结束后写入。
// 记录只增不改：提示词构建按创建时间倒序读取最近 N 条。
type Memory struct {
	ID         uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	ProfileID  uint   `gorm:"index;not null" json:"profileId"`
	MemoryType string `gorm:"type:varchar(20);not null" json:"memoryType"`
	// Content 是一句自然语言短句，提取器写入前保证不超过 100 字符。
	Content          string    `gorm:"type:varchar(255);not null" json:"content"`
	Importance       int       `gorm:"not null;default:5" json:"importance"`
	SourceMessageIDs []string  `gorm:"serializer:json" json:"sourceMessageIds"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Memory) TableName() string {
	return "ai_memories"
}
