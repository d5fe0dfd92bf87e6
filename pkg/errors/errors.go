// Package errors 提供统一错误辅助与错误分类，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
)

// Kind 错误分类，调用方按分类分支而非依赖错误文本
type Kind string

const (
	KindValidation Kind = "validation"
	KindResource   Kind = "resource"
	KindForbidden  Kind = "forbidden"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindInternal   Kind = "internal"
)

// 稳定的原因码
const (
	ReasonEmptyItems          = "empty_items"
	ReasonInvalidParallelism  = "invalid_parallelism"
	ReasonInvalidConfig       = "invalid_config"
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonSpawnDenied         = "spawn_denied"
	ReasonJobNotFound         = "job_not_found"
	ReasonJobNotCancellable   = "job_not_cancellable"
	ReasonItemNotFound        = "item_not_found"
	ReasonInstanceNotFound    = "instance_not_found"
)

// Error 带分类与原因码的错误
type Error struct {
	Kind   Kind
	Reason string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Reason
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New 创建分类错误
func New(kind Kind, reason, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, Msg: msg}
}

// Newf 带格式的 New
func Newf(kind Kind, reason, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// Validation 输入校验失败
func Validation(reason, msg string) *Error { return New(KindValidation, reason, msg) }

// Resource 额度不足等资源错误
func Resource(reason, msg string) *Error { return New(KindResource, reason, msg) }

// NotFound 资源不存在，同时匹配 ErrNotFound
func NotFound(reason, msg string) *Error {
	return &Error{Kind: KindNotFound, Reason: reason, Msg: msg, Err: ErrNotFound}
}

// KindOf 返回错误链上第一个分类；非分类错误返回 KindInternal，nil 返回空
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	if errors.Is(err, ErrInvalidArg) {
		return KindValidation
	}
	return KindInternal
}

// ReasonOf 返回错误链上的原因码
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// IsKind 判断错误分类
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Is 透传标准库
func Is(err, target error) bool { return errors.Is(err, target) }

// As 透传标准库
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
