package errors

import (
	"errors"
	"fmt"
)

// AppError 应用错误类型
// 用于统一管理业务错误，包含错误码和错误消息
type AppError struct {
	Code    int    // 错误码
	Message string // 用户可见的错误消息
	Err     error  // 原始错误（可选，用于调试）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError 创建新错误
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// WithMessage 替换错误消息，保留错误码
func (e *AppError) WithMessage(message string) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: message,
		Err:     e.Err,
	}
}

// Is 判断是否为指定错误
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，如果不是 AppError 返回默认错误码
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError // 默认返回服务器错误
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "服务器内部错误"
}

// Kind 错误类别，调用方据此映射传输层状态码
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindForbidden
	KindNotFound
	KindConflict
	KindDependencyFailure
	KindInternal
)

// GetKind 根据错误码区间判断错误类别
func GetKind(err error) Kind {
	code := GetCode(err)
	switch {
	case code >= 20000 && code < 21000:
		return KindInvalidArgument
	case code >= 21000 && code < 22000:
		return KindForbidden
	case code >= 22000 && code < 23000:
		return KindNotFound
	case code >= 23000 && code < 24000:
		return KindConflict
	case code >= 24000 && code < 25000:
		return KindDependencyFailure
	case code >= 50000:
		return KindInternal
	default:
		return KindUnknown
	}
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 参数校验 20000-20999
	CodeInvalidParams     = 20001
	CodeGroupNameInvalid  = 20002
	CodeTooFewMembers     = 20003
	CodeNotGroupOperation = 20004

	// 权限相关 21000-21999
	CodeForbidden      = 21001
	CodeNotParticipant = 21002
	CodeNotMember      = 21003
	CodeOwnerOnly      = 21004
	CodeTargetProtected = 21005
	CodeNotFriends     = 21006

	// 资源不存在 22000-22999
	CodeConversationNotFound = 22001
	CodeUserNotFound         = 22002
	CodeMessageNotFound      = 22003
	CodeMemberNotFound       = 22004

	// 状态冲突 23000-23999
	CodeAlreadyMember   = 23001
	CodeAlreadyRole     = 23002
	CodeAlreadyBlocked  = 23003
	CodeNotBlocked      = 23004
	CodeGroupDeleted    = 23005
	CodeAlreadyRecalled = 23006

	// 依赖失败 24000-24999
	CodeStorageFailure   = 24001
	CodeDirectoryFailure = 24002

	// 认证相关 10000-10999
	CodeTokenInvalid = 10003
	CodeTokenExpired = 10004

	// 系统错误 50000-50999
	CodeServerError = 50001
	CodeDBError     = 50002
)

// ============== 预定义错误 ==============

// 参数相关
var (
	ErrInvalidParams     = NewError(CodeInvalidParams, "参数校验失败")
	ErrGroupNameInvalid  = NewError(CodeGroupNameInvalid, "群名称不合法")
	ErrTooFewMembers     = NewError(CodeTooFewMembers, "群成员不足 3 人")
	ErrNotGroupOperation = NewError(CodeNotGroupOperation, "该操作仅适用于群聊")
)

// 权限相关
var (
	ErrForbidden      = NewError(CodeForbidden, "没有权限执行该操作")
	ErrNotParticipant = NewError(CodeNotParticipant, "不是会话参与者")
	ErrNotMember      = NewError(CodeNotMember, "不是群成员")
	ErrOwnerOnly      = NewError(CodeOwnerOnly, "仅群主可执行该操作")
	ErrTargetProtected = NewError(CodeTargetProtected, "无权操作该成员")
	ErrNotFriends     = NewError(CodeNotFriends, "对方仅接收好友消息")
)

// 资源相关
var (
	ErrConversationNotFound = NewError(CodeConversationNotFound, "会话不存在")
	ErrUserNotFound         = NewError(CodeUserNotFound, "用户不存在")
	ErrMessageNotFound      = NewError(CodeMessageNotFound, "消息不存在")
	ErrMemberNotFound       = NewError(CodeMemberNotFound, "群成员不存在")
)

// 冲突相关
var (
	ErrAlreadyMember   = NewError(CodeAlreadyMember, "已经是群成员")
	ErrAlreadyRole     = NewError(CodeAlreadyRole, "目标已拥有该角色")
	ErrAlreadyBlocked  = NewError(CodeAlreadyBlocked, "已在黑名单中")
	ErrNotBlocked      = NewError(CodeNotBlocked, "不在黑名单中")
	ErrGroupDeleted    = NewError(CodeGroupDeleted, "群已解散")
	ErrAlreadyRecalled = NewError(CodeAlreadyRecalled, "消息已撤回")
)

// 依赖相关
var (
	ErrStorageFailure   = NewError(CodeStorageFailure, "对象存储服务异常")
	ErrDirectoryFailure = NewError(CodeDirectoryFailure, "用户目录服务异常")
)

// 认证相关
var (
	ErrTokenInvalid = NewError(CodeTokenInvalid, "Token 无效")
	ErrTokenExpired = NewError(CodeTokenExpired, "Token 已过期")
)

// 系统相关
var (
	ErrServerError = NewError(CodeServerError, "服务器内部错误")
	ErrDBError     = NewError(CodeDBError, "数据库错误")
)
