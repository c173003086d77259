// Package errs 定义合成服务的错误分类。
//
// 调用方通过 errors.Is 判断类别，各层用 %w 包装以保留原始原因。
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation 请求本身不合法（未知音色、缺少参考音频、空文本等），不重试、不降级。
	ErrValidation = errors.New("validation error")
	// ErrNotFound 任务或历史记录不存在。
	ErrNotFound = errors.New("not found")
	// ErrBackendUnavailable 后端不可用（缺少运行时依赖或本地模型）。
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrBackendExecution 后端合成调用失败。
	ErrBackendExecution = errors.New("backend execution error")
	// ErrPersistence 持久化写入失败。
	ErrPersistence = errors.New("persistence error")
)

// Validation 构造一个 ErrValidation 错误。
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound 构造一个 ErrNotFound 错误。
func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Unavailable 构造一个 ErrBackendUnavailable 错误。
func Unavailable(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrBackendUnavailable, fmt.Sprintf(format, args...))
}

// Execution 将后端返回的错误包装为 ErrBackendExecution，err 仍可通过 errors.Is 匹配。
func Execution(backend string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrBackendExecution, backend, err)
}

// Persistence 将存储层错误包装为 ErrPersistence。
func Persistence(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, what, err)
}

// Fallbackable 报告该错误是否允许降级到 stub。
func Fallbackable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrBackendExecution)
}
