package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bondfi/bondledger/internal/domain"
)

// MarketService defines the methods that the market handler requires.
type MarketService interface {
	RegisterBond(ctx context.Context, actor common.Address, id domain.InstrumentID) error
	UnregisterBond(ctx context.Context, actor common.Address, id domain.InstrumentID) error
	SetFeeRate(ctx context.Context, actor common.Address, bps int64) error
	SetFeeCollector(ctx context.Context, actor common.Address, collector common.Address) error
	CreateBuyOrder(ctx context.Context, trader common.Address, id domain.InstrumentID, amount, priceTicks, offeredTicks int64) (domain.Order, error)
	CreateSellOrder(ctx context.Context, trader common.Address, id domain.InstrumentID, amount, priceTicks int64) (domain.Order, error)
	CancelOrder(ctx context.Context, actor common.Address, id domain.OrderID) (domain.Order, error)
	FulfillBuyOrder(ctx context.Context, taker common.Address, id domain.OrderID, amount int64) (domain.Trade, error)
	FulfillSellOrder(ctx context.Context, taker common.Address, id domain.OrderID, amount, offeredTicks int64) (domain.Trade, error)
	Order(id domain.OrderID) (domain.Order, error)
	ActiveOrders(id domain.InstrumentID, side domain.OrderSide) []domain.Order
	BestPrices(ctx context.Context, id domain.InstrumentID) domain.Quote
	FeeRateBps() int64
}

// MarketHandler serves marketplace endpoints.
type MarketHandler struct {
	market MarketService
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(market MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{market: market, logger: logger}
}

// RegisterBond makes an instrument tradeable.
// POST /api/market/bonds/{id}/register
func (h *MarketHandler) RegisterBond(w http.ResponseWriter, r *http.Request) {
	h.registration(w, r, h.market.RegisterBond)
}

// UnregisterBond removes an instrument from trading.
// POST /api/market/bonds/{id}/unregister
func (h *MarketHandler) UnregisterBond(w http.ResponseWriter, r *http.Request) {
	h.registration(w, r, h.market.UnregisterBond)
}

func (h *MarketHandler) registration(w http.ResponseWriter, r *http.Request, op func(context.Context, common.Address, domain.InstrumentID) error) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req actorRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	actor, err := parseAddress(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := op(r.Context(), actor, domain.InstrumentID(id)); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type feeRequest struct {
	Actor        string `json:"actor"`
	FeeRateBps   *int64 `json:"fee_rate_bps,omitempty"`
	FeeCollector string `json:"fee_collector,omitempty"`
}

// UpdateFee updates the market fee rate and/or fee collector.
// PUT /api/market/fee
func (h *MarketHandler) UpdateFee(w http.ResponseWriter, r *http.Request) {
	var req feeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	actor, err := parseAddress(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.FeeRateBps == nil && req.FeeCollector == "" {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	if req.FeeRateBps != nil {
		if err := h.market.SetFeeRate(r.Context(), actor, *req.FeeRateBps); err != nil {
			writeDomainError(w, h.logger, r, err)
			return
		}
	}
	if req.FeeCollector != "" {
		collector, err := parseAddress(req.FeeCollector)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := h.market.SetFeeCollector(r.Context(), actor, collector); err != nil {
			writeDomainError(w, h.logger, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// GetFee returns the current fee rate.
// GET /api/market/fee
func (h *MarketHandler) GetFee(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"fee_rate_bps": h.market.FeeRateBps(),
	})
}

type createOrderRequest struct {
	Trader       string `json:"trader"`
	Instrument   uint64 `json:"instrument"`
	Side         string `json:"side"`
	Amount       int64  `json:"amount"`
	PriceTicks   int64  `json:"price_ticks"`
	OfferedTicks int64  `json:"offered_ticks,omitempty"` // buy orders only
}

// PlaceOrder creates a buy or sell order.
// POST /api/market/orders
func (h *MarketHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	trader, err := parseAddress(req.Trader)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var o domain.Order
	switch domain.OrderSide(req.Side) {
	case domain.OrderSideBuy:
		o, err = h.market.CreateBuyOrder(r.Context(), trader, domain.InstrumentID(req.Instrument), req.Amount, req.PriceTicks, req.OfferedTicks)
	case domain.OrderSideSell:
		o, err = h.market.CreateSellOrder(r.Context(), trader, domain.InstrumentID(req.Instrument), req.Amount, req.PriceTicks)
	default:
		writeError(w, http.StatusBadRequest, "side must be \"buy\" or \"sell\"")
		return
	}
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderView(o))
}

// CancelOrder cancels an open order, refunding buy escrow.
// DELETE /api/market/orders/{id}
func (h *MarketHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req actorRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	actor, err := parseAddress(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	o, err := h.market.CancelOrder(r.Context(), actor, domain.OrderID(id))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderView(o))
}

type fulfillRequest struct {
	Taker        string `json:"taker"`
	Amount       int64  `json:"amount"`
	OfferedTicks int64  `json:"offered_ticks,omitempty"` // sell fulfillments only
}

// FulfillOrder fills a resting order.
// POST /api/market/orders/{id}/fulfill
func (h *MarketHandler) FulfillOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req fulfillRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	taker, err := parseAddress(req.Taker)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	o, err := h.market.Order(domain.OrderID(id))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	var trade domain.Trade
	switch o.Side {
	case domain.OrderSideBuy:
		trade, err = h.market.FulfillBuyOrder(r.Context(), taker, domain.OrderID(id), req.Amount)
	case domain.OrderSideSell:
		trade, err = h.market.FulfillSellOrder(r.Context(), taker, domain.OrderID(id), req.Amount, req.OfferedTicks)
	}
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeView(trade))
}

// GetOrder returns one order by id.
// GET /api/market/orders/{id}
func (h *MarketHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	o, err := h.market.Order(domain.OrderID(id))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderView(o))
}

// ListOrders lists open orders for an instrument and side.
// GET /api/market/orders?instrument=1&side=buy
func (h *MarketHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := pathIDFromQuery(q.Get("instrument"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid instrument")
		return
	}
	side := domain.OrderSide(q.Get("side"))
	if side != domain.OrderSideBuy && side != domain.OrderSideSell {
		writeError(w, http.StatusBadRequest, "side must be \"buy\" or \"sell\"")
		return
	}

	orders := h.market.ActiveOrders(domain.InstrumentID(id), side)
	views := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		views = append(views, orderView(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders": views,
		"count":  len(views),
	})
}

// GetQuote returns the best bid/ask snapshot for an instrument.
// GET /api/market/quotes/{id}
func (h *MarketHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := h.market.BestPrices(r.Context(), domain.InstrumentID(id))
	writeJSON(w, http.StatusOK, map[string]any{
		"instrument": q.Instrument,
		"best_buy":   q.BestBuy,
		"best_sell":  q.BestSell,
		"updated_at": q.UpdatedAt,
	})
}
