// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// User 对应于数据库中的 'users' 表。
// 用户记录由外部身份层（OIDC 登录回调）写入，本服务只读。
type User struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Email     string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Username  string    `gorm:"type:varchar(100)" json:"username"`
	UserType  string    `gorm:"type:varchar(20);not null;default:'personal'" json:"userType"` // "personal" 或 "enterprise"
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (User) TableName() string {
	return "users"
}
