package httptransport

import (
	"github.com/gin-gonic/gin"

	"sendcore/backend/internal/warmup"
)

type warmupHandler struct {
	svc *warmup.Limiter
}

type pauseRequest struct {
	ID     string `json:"id" binding:"required"`
	Reason string `json:"reason"`
}

// registerInbox godoc
// @Summary 注册预热邮箱
// @Description ID 已存在时返回 409；warmupStartedAt / reputationScore 用于导入已预热的邮箱
// @Tags Warmup
// @Accept json
// @Produce json
// @Param request body warmup.RegisterRequest true "注册参数"
// @Success 201 {object} domain.WarmupState
// @Failure 409 {object} Response
// @Router /v1/warmup/register-inbox [post]
func (h *warmupHandler) registerInbox(c *gin.Context) {
	var req warmup.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	ws, err := h.svc.RegisterInbox(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	Created(c, ws)
}

// canSend godoc
// @Summary 查询邮箱今天能否继续发送
// @Description 额度用尽或暂停时 allowed=false，并给出 reason 和 retryAfter（秒）
// @Tags Warmup
// @Router /v1/warmup/can-send [post]
func (h *warmupHandler) canSend(c *gin.Context) {
	var req idRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	res, err := h.svc.CanSend(c.Request.Context(), req.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, res)
}

func (h *warmupHandler) increment(c *gin.Context) {
	var req idRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	ws, err := h.svc.Increment(c.Request.Context(), req.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, ws)
}

func (h *warmupHandler) recordBounce(c *gin.Context) {
	var req idRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	res, err := h.svc.RecordBounce(c.Request.Context(), req.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, res)
}

func (h *warmupHandler) pause(c *gin.Context) {
	var req pauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	ws, err := h.svc.Pause(c.Request.Context(), req.ID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, ws)
}

func (h *warmupHandler) resume(c *gin.Context) {
	var req idRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	ws, err := h.svc.Resume(c.Request.Context(), req.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, ws)
}

func (h *warmupHandler) dailyReset(c *gin.Context) {
	n, err := h.svc.DailyReset(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"reset": n})
}

func (h *warmupHandler) status(c *gin.Context) {
	items, err := h.svc.StatusSnapshot(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"inboxes": items, "count": len(items)})
}
