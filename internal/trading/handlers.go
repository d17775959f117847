package trading

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-dex/internal/matching"
	"github.com/ksred/klear-dex/internal/registry"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/ksred/klear-dex/pkg/response"
	"github.com/shopspring/decimal"
)

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, matching.ErrPairNotPaused):
		response.Conflict(c, err.Error())
	default:
		registry.WriteError(c, err)
	}
}

// owned defaults the declared trader of each order to the caller.
func owned(caller string, reqs []types.NewOrder) {
	for i := range reqs {
		if reqs[i].TraderID == "" {
			reqs[i].TraderID = caller
		}
	}
}

// replay answers a retried request from its stored response.
func (h *GinHandlers) replay(c *gin.Context) bool {
	raw, err := h.service.Replay(c.GetString("clientID"), c.GetHeader("Idempotency-Key"))
	if err != nil {
		response.InternalError(c, "failed to check idempotency key")
		return true
	}
	if raw == nil {
		return false
	}
	response.Success(c, raw)
	return true
}

func (h *GinHandlers) remember(c *gin.Context, kind string, resp any) {
	if err := h.service.Remember(c.GetString("clientID"), c.GetHeader("Idempotency-Key"), kind, resp); err != nil {
		h.service.logger.Error().Err(err).Msg("failed to store idempotency record")
	}
}

// SubmitOrderHandler places one order. An optional Idempotency-Key header
// makes retries return the first response.
func (h *GinHandlers) SubmitOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.replay(c) {
			return
		}
		var req types.NewOrder
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		caller := c.GetString("clientID")
		reqs := []types.NewOrder{req}
		owned(caller, reqs)

		order, err := h.service.SubmitOrder(c.Request.Context(), caller, reqs[0])
		if err != nil {
			writeError(c, err)
			return
		}
		h.remember(c, "order", order)
		response.Success(c, order)
	}
}

func (h *GinHandlers) SubmitOrderListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.replay(c) {
			return
		}
		var req OrderListRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		caller := c.GetString("clientID")
		owned(caller, req.Orders)

		orders, err := h.service.SubmitOrderList(c.Request.Context(), caller, req.Orders)
		if err != nil {
			writeError(c, err)
			return
		}
		h.remember(c, "order_list", orders)
		response.Success(c, orders)
	}
}

func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		change, err := h.service.CancelOrder(c.Request.Context(), c.GetString("clientID"), c.Param("order_id"))
		response.Handle(c, change, err)
	}
}

func (h *GinHandlers) CancelReplaceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReplaceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		result, err := h.service.CancelReplace(c.Request.Context(), c.GetString("clientID"), types.Replacement{
			OrderID:       c.Param("order_id"),
			ClientOrderID: req.ClientOrderID,
			Price:         req.Price,
			Quantity:      req.Quantity,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, result)
	}
}

func (h *GinHandlers) CancelListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CancelListRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		changes, err := h.service.CancelList(c.Request.Context(), c.GetString("clientID"), req.OrderIDs)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, changes)
	}
}

func (h *GinHandlers) CancelReplaceListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CancelReplaceListRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		caller := c.GetString("clientID")
		owned(caller, req.Orders)

		result, err := h.service.CancelReplaceList(c.Request.Context(), caller, req.CancelOrderIDs, req.Orders)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, result)
	}
}

func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.Order(c.GetString("clientID"), c.Param("order_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, order)
	}
}

func (h *GinHandlers) GetOrderByClientIDHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.OrderByClientID(c.GetString("clientID"), c.Param("client_order_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, order)
	}
}

func (h *GinHandlers) OpenOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.OpenOrders(c.GetString("clientID")))
	}
}

func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		history, err := h.service.History(c.GetString("clientID"), limit)
		response.Handle(c, history, err)
	}
}

// BookHandler returns aggregated depth. side defaults to BUY.
func (h *GinHandlers) BookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		side := types.Side(c.DefaultQuery("side", string(types.SideBuy)))
		if !side.Valid() {
			response.BadRequest(c, "side must be BUY or SELL")
			return
		}
		depth, err := strconv.Atoi(c.DefaultQuery("depth", "20"))
		if err != nil {
			response.BadRequest(c, "depth must be a number")
			return
		}
		levels, err := h.service.Depth(c.Param("pair_id"), side, depth)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, gin.H{"pair_id": c.Param("pair_id"), "side": side, "levels": levels})
	}
}

func (h *GinHandlers) adminDone(c *gin.Context, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	pair, err := h.service.registry.Pair(c.Param("pair_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, pair)
}

func (h *GinHandlers) PauseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registry.PairFlagRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		h.adminDone(c, h.service.SetPaused(c.GetString("clientID"), c.Param("pair_id"), req.Enabled))
	}
}

func (h *GinHandlers) PauseAddHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registry.PairFlagRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		h.adminDone(c, h.service.SetAddOrderPaused(c.GetString("clientID"), c.Param("pair_id"), req.Enabled))
	}
}

func (h *GinHandlers) AuctionModeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AuctionModeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		h.adminDone(c, h.service.SetAuctionMode(c.GetString("clientID"), c.Param("pair_id"), req.Mode))
	}
}

func (h *GinHandlers) AuctionPriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Price decimal.Decimal `json:"price"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		h.adminDone(c, h.service.SetAuctionPrice(c.GetString("clientID"), c.Param("pair_id"), req.Price))
	}
}

func (h *GinHandlers) RemovePairHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.RemovePair(c.GetString("clientID"), c.Param("pair_id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *GinHandlers) MassCancelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MassCancelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		n, err := h.service.MassCancel(c.Request.Context(), c.GetString("clientID"), c.Param("pair_id"), req.Side, req.Limit)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, gin.H{"canceled": n})
	}
}

func (h *GinHandlers) MatchAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MatchAuctionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		n, err := h.service.MatchAuction(c.Request.Context(), c.GetString("clientID"), c.Param("pair_id"), req.MaxFills)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, gin.H{"fills": n})
	}
}
