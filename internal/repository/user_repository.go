// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"kieran-ai-go/internal/model"

	"gorm.io/gorm"
)

// UserRepository 接口定义了用户数据的读取操作。
// 用户的写入由外部身份层完成，本服务只做查询。
type UserRepository interface {
	FindByID(userID uint) (*model.User, error)
	FindByEmail(email string) (*model.User, error)
}

// userRepository 是 UserRepository 接口的 GORM 实现。
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository 创建一个新的 UserRepository 实例。
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// FindByID 根据用户 ID 从数据库中查找一个用户。
func (r *userRepository) FindByID(userID uint) (*model.User, error) {
	var user model.User
	err := r.db.First(&user, userID).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByEmail 根据邮箱从数据库中查找一个用户。
func (r *userRepository) FindByEmail(email string) (*model.User, error) {
	var user model.User
	err := r.db.Where("email = ?", email).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}
