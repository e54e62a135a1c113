package service

import (
	"errors"
	"fmt"

	"chanhub/internal/auth"
)

// 业务层错误分类，handler 和 gateway 根据类别映射响应，且只回给发起方。
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUnauthenticated = auth.ErrUnauthenticated
	ErrInternal        = errors.New("internal error")
)

// Kind 返回错误类别的稳定字符串，未分类的错误一律视为 internal。
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	default:
		return "internal"
	}
}

// Message 返回可以直接展示给调用方的错误描述，internal 错误不暴露细节。
func Message(err error) string {
	if Kind(err) == "internal" {
		return "internal error"
	}
	return err.Error()
}

func internal(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInternal, op, err)
}
