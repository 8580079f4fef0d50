// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// 语气滑杆的默认值。取值区间约定为 0-100。
const DefaultToneLevel = 50

// ToneSettings 保存个性化语气的三个滑杆值。
// 字段使用指针以区分 "未设置"（沿用默认值）与显式的 0。
type ToneSettings struct {
	Formality  *int `json:"formality,omitempty"`
	Empathy    *int `json:"empathy,omitempty"`
	Directness *int `json:"directness,omitempty"`
}

// Merged 返回与默认值合并后的确定取值（formality, empathy, directness）。
func (t ToneSettings) Merged() (int, int, int) {
	formality, empathy, directness := DefaultToneLevel, DefaultToneLevel, DefaultToneLevel
	if t.Formality != nil {
		formality = *t.Formality
	}
	if t.Empathy != nil {
		empathy = *t.Empathy
	}
	if t.Directness != nil {
		directness = *t.Directness
	}
	return formality, empathy, directness
}

// Profile 对应于数据库中的 'ai_profiles' 表。
// 每个已知用户邮箱持有一条个性化档案，邮箱是自然键。
type Profile struct {
	ID     uint  `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID *uint `gorm:"index" json:"userId"`
	// Email 上有唯一索引，get-or-create 依赖它做原子 upsert。
	Email            string       `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	UserType         string       `gorm:"type:varchar(20);not null;default:'personal'" json:"userType"`
	IsCreator        bool         `gorm:"not null;default:false" json:"isCreator"`
	ToneSettings     ToneSettings `gorm:"serializer:json" json:"toneSettings"`
	KnowledgeFocus   []string     `gorm:"serializer:json" json:"knowledgeFocus"`
	InteractionStyle string       `gorm:"type:varchar(50);not null;default:'balanced'" json:"interactionStyle"`
	CreatedAt        time.Time    `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt        time.Time    `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Profile) TableName() string {
	return "ai_profiles"
}
