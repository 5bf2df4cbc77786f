package domain

import "errors"

var (
	// ErrNotFound 资源不存在（所有 not-found 错误的父错误）
	ErrNotFound = errors.New("not found")
	// ErrInboxNotFound 发件身份不存在
	ErrInboxNotFound = fmtNotFound("inbox")
	// ErrProviderNotFound 供应商不存在
	ErrProviderNotFound = fmtNotFound("provider")

	// ErrInboxExists 发件身份已存在
	ErrInboxExists = errors.New("inbox already exists")
	// ErrNoInboxAvailable 没有可用的发件身份
	ErrNoInboxAvailable = errors.New("no inbox available")
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument = errors.New("invalid argument")
)

type notFoundError struct{ what string }

func (e *notFoundError) Error() string { return e.what + " not found" }

func (e *notFoundError) Unwrap() error { return ErrNotFound }

func fmtNotFound(what string) error { return &notFoundError{what: what} }
