package models

import (
	"errors"
	"fmt"
)

// 错误分类：handler 层据此映射响应
// 设备侧调用只会收到一小组可确定分支的结果
var (
	// ErrNotRegistered 设备身份未知，设备应重新注册后重试
	ErrNotRegistered = errors.New("device not registered")
	// ErrNotFound 管理端引用的设备/指令/脚本不存在
	ErrNotFound = errors.New("not found")
	// ErrTransientStore 存储往返失败；所有写入均为 upsert 或幂等回执，可安全重试
	ErrTransientStore = errors.New("transient store error")
)

// ValidationError 必填字段缺失或取值非法，不做重试
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s is required", e.Field)
}

// NewValidationError 字段缺失
func NewValidationError(field string) *ValidationError {
	return &ValidationError{Field: field}
}

// IsValidation 判断是否为校验错误
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
