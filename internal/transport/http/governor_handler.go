package httptransport

import (
	"github.com/gin-gonic/gin"

	"sendcore/backend/internal/domain"
	"sendcore/backend/internal/ratelimit"
)

type governorHandler struct {
	svc *ratelimit.Governor
}

type checkRequest struct {
	Provider string `json:"provider" binding:"required"`
	Tokens   int64  `json:"tokens"`
}

type consumeRequest struct {
	Provider string   `json:"provider" binding:"required"`
	Tokens   int64    `json:"tokens"`
	Cost     *float64 `json:"cost,omitempty"`
}

type rateLimitedRequest struct {
	Provider   string `json:"provider" binding:"required"`
	RetryAfter *int   `json:"retryAfter,omitempty"`
}

type resetRequest struct {
	Provider string `json:"provider"`
}

type setLimitsRequest struct {
	Provider string `json:"provider" binding:"required"`
	domain.ProviderLimitsPatch
}

type budgetRequest struct {
	DailyBudgetUSD *float64 `json:"dailyBudgetUsd" binding:"required"`
}

// check godoc
// @Summary 检查供应商调用能否放行
// @Description 不放行时 allowed=false，reason 为 backoff / minute_token_limit / minute_request_limit / daily_token_limit / daily_budget
// @Tags Governor
// @Router /v1/governor/check [post]
func (h *governorHandler) check(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	res, err := h.svc.Check(c.Request.Context(), req.Provider, req.Tokens)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, res)
}

func (h *governorHandler) consume(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	res, err := h.svc.Consume(c.Request.Context(), req.Provider, req.Tokens, req.Cost)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, res)
}

func (h *governorHandler) rateLimited(c *gin.Context) {
	var req rateLimitedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	res, err := h.svc.ReportThrottled(c.Request.Context(), req.Provider, req.RetryAfter)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, res)
}

func (h *governorHandler) status(c *gin.Context) {
	st, err := h.svc.StatusSnapshot(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, st)
}

// reset 请求体可以为空，表示重置全部供应商
func (h *governorHandler) reset(c *gin.Context) {
	var req resetRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, MsgInvalidRequest)
			return
		}
	}

	n, err := h.svc.Reset(c.Request.Context(), req.Provider)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"reset": n})
}

func (h *governorHandler) setLimits(c *gin.Context) {
	var req setLimitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	limits, err := h.svc.SetLimits(c.Request.Context(), req.Provider, req.ProviderLimitsPatch)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"provider": req.Provider, "limits": limits})
}

func (h *governorHandler) budget(c *gin.Context) {
	var req budgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	usd, err := h.svc.SetBudget(c.Request.Context(), *req.DailyBudgetUSD)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"dailyBudgetUsd": usd})
}
