package registry

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/ksred/klear-dex/pkg/response"
	"github.com/shopspring/decimal"
)

// GinHandlers contains HTTP handlers for trading pair configuration
type GinHandlers struct {
	registry *Registry
}

func NewGinHandlers(registry *Registry) *GinHandlers {
	return &GinHandlers{registry: registry}
}

// WriteError maps registry errors onto HTTP responses.
func WriteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		response.Forbidden(c, err.Error())
	case errors.Is(err, ErrPairNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrPairExists), errors.Is(err, ErrBookNotEmpty):
		response.Conflict(c, err.Error())
	case errors.Is(err, ErrInvalidPair), errors.Is(err, ErrInvalidAmount):
		response.BadRequest(c, err.Error())
	default:
		response.Handle(c, nil, err)
	}
}

func (h *GinHandlers) respond(c *gin.Context, err error) {
	if err != nil {
		WriteError(c, err)
		return
	}
	pair, err := h.registry.Pair(c.Param("pair_id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	response.Success(c, pair)
}

func (h *GinHandlers) ListPairsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.registry.Pairs())
	}
}

func (h *GinHandlers) GetPairHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pair, err := h.registry.Pair(c.Param("pair_id"))
		if err != nil {
			WriteError(c, err)
			return
		}
		response.Success(c, pair)
	}
}

func (h *GinHandlers) AddPairHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var pair types.TradePair
		if err := c.ShouldBindJSON(&pair); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if err := h.registry.AddPair(c.GetString("clientID"), pair); err != nil {
			WriteError(c, err)
			return
		}
		created, err := h.registry.Pair(pair.ID)
		response.Handle(c, created, err)
	}
}

func (h *GinHandlers) AddOrderKindHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		kind := types.OrderKind(c.Param("kind"))
		h.respond(c, h.registry.AddOrderKind(c.GetString("clientID"), c.Param("pair_id"), kind))
	}
}

func (h *GinHandlers) RemoveOrderKindHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		kind := types.OrderKind(c.Param("kind"))
		h.respond(c, h.registry.RemoveOrderKind(c.GetString("clientID"), c.Param("pair_id"), kind))
	}
}

func (h *GinHandlers) PostOnlyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PairFlagRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		h.respond(c, h.registry.SetPostOnly(c.GetString("clientID"), c.Param("pair_id"), req.Enabled))
	}
}

func (h *GinHandlers) TradeAmountsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			MinTradeAmount decimal.Decimal `json:"min_trade_amount"`
			MaxTradeAmount decimal.Decimal `json:"max_trade_amount"`
			MinPostAmount  decimal.Decimal `json:"min_post_amount"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		caller, id := c.GetString("clientID"), c.Param("pair_id")
		if err := h.registry.SetTradeAmounts(caller, id, req.MinTradeAmount, req.MaxTradeAmount); err != nil {
			WriteError(c, err)
			return
		}
		h.respond(c, h.registry.SetMinPostAmount(caller, id, req.MinPostAmount))
	}
}

func (h *GinHandlers) RatesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			MakerRateBps uint32 `json:"maker_rate_bps"`
			TakerRateBps uint32 `json:"taker_rate_bps"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		h.respond(c, h.registry.SetRates(c.GetString("clientID"), c.Param("pair_id"), req.MakerRateBps, req.TakerRateBps))
	}
}

func (h *GinHandlers) MaxFillsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			MaxNbrOfFills int `json:"max_nbr_of_fills"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		h.respond(c, h.registry.SetMaxNbrOfFills(c.GetString("clientID"), c.Param("pair_id"), req.MaxNbrOfFills))
	}
}
