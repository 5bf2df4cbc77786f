package httptransport

import (
	"github.com/gin-gonic/gin"

	"sendcore/backend/internal/domain"
	"sendcore/backend/internal/inbox"
)

type selectorHandler struct {
	svc *inbox.Service
}

type idRequest struct {
	ID string `json:"id" binding:"required"`
}

type markSuccessRequest struct {
	ID        string `json:"id" binding:"required"`
	LatencyMs int64  `json:"latencyMs"`
}

type markFailureRequest struct {
	ID    string `json:"id" binding:"required"`
	Error string `json:"error"`
}

type registerResponse struct {
	Created bool                      `json:"created"`
	Updated bool                      `json:"updated"`
	Inbox   *domain.InboxHealthRecord `json:"inbox"`
}

// register godoc
// @Summary 注册发件身份（幂等）
// @Tags Selector
// @Accept json
// @Produce json
// @Param request body domain.SenderIdentity true "发件身份"
// @Success 201 {object} registerResponse
// @Router /v1/selector/register [post]
func (h *selectorHandler) register(c *gin.Context) {
	var req domain.SenderIdentity
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	created, rec, err := h.svc.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := registerResponse{Created: created, Updated: !created, Inbox: rec}
	if created {
		Created(c, resp)
		return
	}
	Success(c, resp)
}

// selectNext godoc
// @Summary 选择下一个发件身份
// @Tags Selector
// @Produce json
// @Success 200 {object} inbox.Selection
// @Failure 503 {object} Response
// @Router /v1/selector/select-next [post]
func (h *selectorHandler) selectNext(c *gin.Context) {
	sel, err := h.svc.SelectNext(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, sel)
}

func (h *selectorHandler) markSuccess(c *gin.Context) {
	var req markSuccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	rec, err := h.svc.RecordSuccess(c.Request.Context(), req.ID, req.LatencyMs)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, rec)
}

func (h *selectorHandler) markFailure(c *gin.Context) {
	var req markFailureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	res, err := h.svc.RecordFailure(c.Request.Context(), req.ID, req.Error)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, res)
}

func (h *selectorHandler) markBounce(c *gin.Context) {
	var req idRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	rec, err := h.svc.RecordBounce(c.Request.Context(), req.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, rec)
}

func (h *selectorHandler) health(c *gin.Context) {
	snap, err := h.svc.HealthSnapshot(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, snap)
}

func (h *selectorHandler) resetCircuit(c *gin.Context) {
	var req idRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	rec, err := h.svc.ResetCircuit(c.Request.Context(), req.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, rec)
}

func (h *selectorHandler) remove(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.Remove(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"id": id, "removed": true})
}

func (h *selectorHandler) clear(c *gin.Context) {
	n, err := h.svc.ClearAll(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"removed": n})
}
