package fees

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-dex/pkg/response"
)

type OverrideRequest struct {
	TraderID string `json:"trader_id" binding:"required"`
	PairID   string `json:"pair_id" binding:"required"`
	MakerBps uint32 `json:"maker_bps"`
	TakerBps uint32 `json:"taker_bps"`
}

type ExemptRequest struct {
	Account string `json:"account" binding:"required"`
	Exempt  bool   `json:"exempt"`
}

// GinHandlers contains HTTP handlers for fee schedule administration
type GinHandlers struct {
	schedule *Schedule
}

func NewGinHandlers(schedule *Schedule) *GinHandlers {
	return &GinHandlers{schedule: schedule}
}

func (h *GinHandlers) SetOverrideHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OverrideRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		rates := Rates{Maker: req.MakerBps, Taker: req.TakerBps}
		response.Handle(c, req, h.schedule.SetOverride(req.TraderID, req.PairID, rates))
	}
}

func (h *GinHandlers) RemoveOverrideHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.schedule.RemoveOverride(c.Param("trader_id"), c.Param("pair_id"))
		response.Handle(c, gin.H{"removed": true}, err)
	}
}

func (h *GinHandlers) ExemptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ExemptRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, req, h.schedule.SetExempt(req.Account, req.Exempt))
	}
}
