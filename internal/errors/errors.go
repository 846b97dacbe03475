// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 引擎错误分类
	ErrorTypeValidation ErrorType = "validation_error" // 校验失败（场景、补丁、模型输出）
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeProvider   ErrorType = "provider_error" // 模型/传输层失败
	ErrorTypeVault      ErrorType = "vault_error"    // 加解密失败
	ErrorTypeCorrupt    ErrorType = "corrupt_state"  // 持久化编年史损坏，必须硬失败
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeError      ErrorType = "processing_error"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建校验错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProviderError 创建提供者错误
func NewProviderError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeProvider, message, originalError)
}

// NewVaultError 创建保险库错误
func NewVaultError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeVault, message, originalError)
}

// NewCorruptStateError 创建持久化状态损坏错误
func NewCorruptStateError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeCorrupt, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// IsValidationError 检查是否为校验错误
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

// IsProviderError 检查是否为提供者错误
func IsProviderError(err error) bool {
	return isType(err, ErrorTypeProvider)
}

// IsCorruptStateError 检查是否为持久化状态损坏错误
func IsCorruptStateError(err error) bool {
	return isType(err, ErrorTypeCorrupt)
}

func isType(err error, t ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == t
	}
	return false
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeProvider:
		return "PROVIDER_ERROR"
	case ErrorTypeVault:
		return "VAULT_ERROR"
	case ErrorTypeCorrupt:
		return "CORRUPT_STATE"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 已经是 AppError，只更新消息
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	return NewAppError(errType, message, err)
}
