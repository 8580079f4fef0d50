// Package repository 提供了数据访问层的实现。
package repository

import (
	"kieran-ai-go/internal/model"

	"gorm.io/gorm"
)

// MemoryRepository 定义了用户记忆的持久化操作。
// 记忆只增不改，不提供更新和删除。
type MemoryRepository interface {
	Create(memory *model.Memory) error
	// FindRecentByProfile 按创建时间倒序返回某档案最近的 limit 条记忆。
	FindRecentByProfile(profileID uint, limit int) ([]model.Memory, error)
}

// memoryRepository 是 MemoryRepository 接口的 GORM 实现。
type memoryRepository struct {
	db *gorm.DB
}

// NewMemoryRepository 创建一个新的 MemoryRepository 实例。
func NewMemoryRepository(db *gorm.DB) MemoryRepository {
	return &memoryRepository{db: db}
}

// Create 追加一条新的记忆。
func (r *memoryRepository) Create(memory *model.Memory) error {
	return r.db.Create(memory).Error
}

// FindRecentByProfile 返回最近的记忆，最新的在前。
func (r *memoryRepository) FindRecentByProfile(profileID uint, limit int) ([]model.Memory, error) {
	var memories []model.Memory
	err := r.db.Where("profile_id = ?", profileID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&memories).Error
	if err != nil {
		return nil, err
	}
	return memories, nil
}
