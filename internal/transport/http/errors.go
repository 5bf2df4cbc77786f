package httptransport

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"sendcore/backend/internal/domain"
	"sendcore/backend/internal/storage"
)

// 通用错误消息
const (
	MsgInvalidRequest   = "请求参数格式错误"
	MsgInvalidArgument  = "请求参数无效"
	MsgInboxNotFound    = "发件邮箱不存在"
	MsgProviderNotFound = "供应商不存在"
	MsgNotFound         = "资源不存在"
	MsgInboxExists      = "发件邮箱已注册"
	MsgNoInboxAvailable = "当前没有可用的发件邮箱"
	MsgStorageFailure   = "状态持久化失败，请稍后重试"
	MsgInternalError    = "服务器内部错误，请稍后重试"
)

// noInboxRetryAfter 无可用邮箱时建议的重试间隔（秒）
const noInboxRetryAfter = 30

// respondError 把 actor 返回的错误映射为 HTTP 响应
//
// 未识别的错误记录到 gin 上下文，由请求日志中间件输出。
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		BadRequest(c, MsgInvalidArgument+": "+detail(err, domain.ErrInvalidArgument))
	case errors.Is(err, domain.ErrInboxNotFound):
		NotFound(c, MsgInboxNotFound)
	case errors.Is(err, domain.ErrProviderNotFound):
		NotFound(c, MsgProviderNotFound)
	case errors.Is(err, domain.ErrNotFound):
		NotFound(c, MsgNotFound)
	case errors.Is(err, domain.ErrInboxExists):
		Conflict(c, MsgInboxExists)
	case errors.Is(err, domain.ErrNoInboxAvailable):
		ServiceUnavailable(c, MsgNoInboxAvailable, noInboxRetryAfter)
	case errors.Is(err, storage.ErrStorage):
		_ = c.Error(err)
		InternalError(c, MsgStorageFailure)
	default:
		_ = c.Error(err)
		InternalError(c, MsgInternalError)
	}
}

// detail 去掉哨兵错误前缀，只保留具体原因
func detail(err, sentinel error) string {
	msg := err.Error()
	if rest, ok := strings.CutPrefix(msg, sentinel.Error()+": "); ok {
		return rest
	}
	return msg
}
