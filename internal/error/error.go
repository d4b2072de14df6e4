package error

import (
	"errors"
	"fmt"
)

// Code 错误码，表现层根据错误码做本地化展示。
type Code string

const (
	CodeNetwork     Code = "NetworkError"     // 网络错误，可重试
	CodeParse       Code = "ParseError"       // 文档格式错误，换源前不可重试
	CodeNotFound    Code = "NotFoundError"    // 订阅不存在
	CodeDuplicateID Code = "DuplicateIdError" // ID 冲突
	CodeInvalidName Code = "InvalidNameError" // 名称为空或未改变
	CodeStorage     Code = "StorageError"     // 持久化失败
	CodeTunnel      Code = "TunnelError"      // 隧道应用配置失败
	CodeUnknown     Code = "UnknownError"
)

// 哨兵错误，配合 errors.Is 使用。
var (
	ErrNetwork     = &AppError{Code: CodeNetwork}
	ErrParse       = &AppError{Code: CodeParse}
	ErrNotFound    = &AppError{Code: CodeNotFound}
	ErrDuplicateID = &AppError{Code: CodeDuplicateID}
	ErrInvalidName = &AppError{Code: CodeInvalidName}
	ErrStorage     = &AppError{Code: CodeStorage}
	ErrTunnel      = &AppError{Code: CodeTunnel}
)

// AppError 定义结构化应用错误
type AppError struct {
	Code    Code   // 错误码
	Message string // 错误消息
	Err     error  // 原始错误（可选）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap 实现 errors.Unwrap 接口
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 按错误码匹配，使 errors.Is(err, ErrNotFound) 对任意 NotFoundError 成立。
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 创建指定错误码的错误。
func New(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func NewNetworkError(message string, err error) *AppError {
	return New(CodeNetwork, message, err)
}

func NewParseError(message string, err error) *AppError {
	return New(CodeParse, message, err)
}

func NewNotFoundError(id string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("订阅不存在: %s", id), nil)
}

func NewDuplicateIDError(id string) *AppError {
	return New(CodeDuplicateID, fmt.Sprintf("订阅 ID 已存在: %s", id), nil)
}

func NewInvalidNameError(name string) *AppError {
	return New(CodeInvalidName, fmt.Sprintf("无效的订阅名称: %q", name), nil)
}

func NewStorageError(message string, err error) *AppError {
	return New(CodeStorage, message, err)
}

func NewTunnelError(message string, err error) *AppError {
	return New(CodeTunnel, message, err)
}

// CodeOf 返回错误链中第一个 AppError 的错误码；非 AppError 返回 CodeUnknown，nil 返回空字符串。
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// IsRetryable 只有网络错误允许调用方重试。
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}
