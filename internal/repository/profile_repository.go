// Package repository 提供了数据访问层的实现。
package repository

import (
	"fmt"

	"kieran-ai-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProfileRepository 定义了个性化档案的持久化操作。
type ProfileRepository interface {
	// GetOrCreate 按邮箱获取档案，不存在时创建。
	// 契约：email 上有唯一索引，插入使用 ON CONFLICT DO NOTHING 的原子 upsert，
	// 并发的首次调用者不会产生重复行，返回的总是该邮箱当前的行。
	GetOrCreate(email, userType string, userID *uint) (*model.Profile, error)
	FindByEmail(email string) (*model.Profile, error)
}

// profileRepository 是 ProfileRepository 接口的 GORM 实现。
type profileRepository struct {
	db *gorm.DB
}

// NewProfileRepository 创建一个新的 ProfileRepository 实例。
func NewProfileRepository(db *gorm.DB) ProfileRepository {
	return &profileRepository{db: db}
}

// GetOrCreate 以 email 为自然键做幂等的 get-or-create。
func (r *profileRepository) GetOrCreate(email, userType string, userID *uint) (*model.Profile, error) {
	if userType == "" {
		userType = "personal"
	}
	candidate := model.Profile{
		UserID:           userID,
		Email:            email,
		UserType:         userType,
		InteractionStyle: "balanced",
	}
	// 冲突时不更新已有行：档案的后续修改走独立的设置更新路径。
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoNothing: true,
	}).Create(&candidate).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert profile: %w", err)
	}

	// 无论本次是否插入，都按邮箱回读，保证拿到数据库中的真实行。
	return r.FindByEmail(email)
}

// FindByEmail 根据邮箱查找档案。
func (r *profileRepository) FindByEmail(email string) (*model.Profile, error) {
	var profile model.Profile
	err := r.db.Where("email = ?", email).First(&profile).Error
	if err != nil {
		return nil, err
	}
	return &profile, nil
}
