// Package service 包含了应用的业务逻辑层。
package service

import "fmt"

// Identity 是一次请求解析出的调用者身份。
// UserID 为 nil 表示匿名访客；匿名访客可携带 SessionID 以隔离各自的历史。
// 用带类型的变体替代魔法字符串：下游按 Authenticated() 分支，而不是比较哨兵 ID。
type Identity struct {
	UserID    *uint
	SessionID string
}

// Authenticated 返回该身份是否对应一个已登录用户。
func (id Identity) Authenticated() bool {
	return id.UserID != nil
}

// StorageKey 返回该身份在消息存储中的键。
// 匿名且无会话标识的访客共用 "anon" 桶。
func (id Identity) StorageKey() string {
	if id.UserID != nil {
		return fmt.Sprintf("user:%d", *id.UserID)
	}
	if id.SessionID != "" {
		return fmt.Sprintf("session:%s", id.SessionID)
	}
	return "anon"
}
