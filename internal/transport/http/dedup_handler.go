package httptransport

import (
	"github.com/gin-gonic/gin"

	"sendcore/backend/internal/dedup"
)

type dedupHandler struct {
	svc *dedup.Deduplicator
}

type prospectRequest struct {
	Name     string `json:"name" binding:"required"`
	City     string `json:"city"`
	Source   string `json:"source"`
	LinkedID string `json:"linkedId"`
}

// check godoc
// @Summary 检查潜在客户是否重复
// @Description 先查布隆过滤器，再精确匹配，最后在同城指纹中做模糊匹配
// @Tags Dedup
// @Router /v1/dedup/check [post]
func (h *dedupHandler) check(c *gin.Context) {
	var req prospectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	res, err := h.svc.Check(c.Request.Context(), req.Name, req.City, req.Source)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, res)
}

func (h *dedupHandler) register(c *gin.Context) {
	var req prospectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	res, err := h.svc.Register(c.Request.Context(), req.Name, req.City, req.Source, req.LinkedID)
	if err != nil {
		respondError(c, err)
		return
	}
	if res.Created {
		Created(c, res)
		return
	}
	Success(c, res)
}

func (h *dedupHandler) exists(c *gin.Context) {
	var req prospectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	ok, err := h.svc.Exists(c.Request.Context(), req.Name, req.City)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"exists": ok})
}

func (h *dedupHandler) cleanup(c *gin.Context) {
	res, err := h.svc.Cleanup(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, res)
}

func (h *dedupHandler) stats(c *gin.Context) {
	st, err := h.svc.StatsSnapshot(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, st)
}
