package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/bondfi/bondledger/internal/domain"
	"github.com/bondfi/bondledger/internal/market"
)

// MarketService wraps the marketplace with order/trade mirroring, quote
// cache refresh, and event emission.
type MarketService struct {
	market *market.Marketplace
	orders domain.OrderStore
	trades domain.TradeStore
	quotes domain.QuoteCache
	emitter *Emitter
	logger  *slog.Logger
}

// NewMarketService creates a MarketService. Stores and cache may be nil in
// reduced deployments; mirroring is skipped when they are.
func NewMarketService(m *market.Marketplace, orders domain.OrderStore, trades domain.TradeStore, quotes domain.QuoteCache, emitter *Emitter, logger *slog.Logger) *MarketService {
	return &MarketService{
		market:  m,
		orders:  orders,
		trades:  trades,
		quotes:  quotes,
		emitter: emitter,
		logger:  logger.With(slog.String("component", "market_service")),
	}
}

// RegisterBond makes an instrument tradeable. Operator-only.
func (s *MarketService) RegisterBond(ctx context.Context, actor common.Address, id domain.InstrumentID) error {
	if err := s.market.RegisterBond(actor, id); err != nil {
		return fmt.Errorf("market_service: register: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventMarketRegistered, actor, id, nil)
	return nil
}

// UnregisterBond removes an instrument from trading. Operator-only.
func (s *MarketService) UnregisterBond(ctx context.Context, actor common.Address, id domain.InstrumentID) error {
	if err := s.market.UnregisterBond(actor, id); err != nil {
		return fmt.Errorf("market_service: unregister: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventMarketRegistered, actor, id, map[string]any{"removed": true})
	return nil
}

// SetFeeRate updates the market fee. Operator-only.
func (s *MarketService) SetFeeRate(ctx context.Context, actor common.Address, bps int64) error {
	if err := s.market.SetFeeRate(actor, bps); err != nil {
		return fmt.Errorf("market_service: set_fee: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventFeeConfigured, actor, 0, map[string]any{"fee_rate_bps": bps})
	return nil
}

// SetFeeCollector updates where fees are routed. Operator-only.
func (s *MarketService) SetFeeCollector(ctx context.Context, actor common.Address, collector common.Address) error {
	if err := s.market.SetFeeCollector(actor, collector); err != nil {
		return fmt.Errorf("market_service: set_collector: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventFeeConfigured, actor, 0, map[string]any{"fee_collector": collector.Hex()})
	return nil
}

// CreateBuyOrder opens a cash-escrowed buy order.
func (s *MarketService) CreateBuyOrder(ctx context.Context, trader common.Address, id domain.InstrumentID, amount, priceTicks, offeredTicks int64) (domain.Order, error) {
	oid, err := s.market.CreateBuyOrder(trader, id, amount, priceTicks, offeredTicks)
	if err != nil {
		return domain.Order{}, fmt.Errorf("market_service: create_buy: %w", err)
	}
	return s.afterOrderMutation(ctx, oid, domain.EventOrderCreated, trader)
}

// CreateSellOrder opens an allowance-backed sell order.
func (s *MarketService) CreateSellOrder(ctx context.Context, trader common.Address, id domain.InstrumentID, amount, priceTicks int64) (domain.Order, error) {
	oid, err := s.market.CreateSellOrder(trader, id, amount, priceTicks)
	if err != nil {
		return domain.Order{}, fmt.Errorf("market_service: create_sell: %w", err)
	}
	return s.afterOrderMutation(ctx, oid, domain.EventOrderCreated, trader)
}

// CancelOrder cancels an open order, refunding buy escrow.
func (s *MarketService) CancelOrder(ctx context.Context, actor common.Address, id domain.OrderID) (domain.Order, error) {
	if err := s.market.CancelOrder(actor, id); err != nil {
		return domain.Order{}, fmt.Errorf("market_service: cancel: %w", err)
	}
	return s.afterOrderMutation(ctx, id, domain.EventOrderCancelled, actor)
}

// FulfillBuyOrder fills a resting buy order with the taker's units.
func (s *MarketService) FulfillBuyOrder(ctx context.Context, taker common.Address, id domain.OrderID, amount int64) (domain.Trade, error) {
	trade, err := s.market.FulfillBuyOrder(taker, id, amount)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("market_service: fulfill_buy: %w", err)
	}
	return s.afterFill(ctx, trade)
}

// FulfillSellOrder fills a resting sell order with the taker's cash.
func (s *MarketService) FulfillSellOrder(ctx context.Context, taker common.Address, id domain.OrderID, amount, offeredTicks int64) (domain.Trade, error) {
	trade, err := s.market.FulfillSellOrder(taker, id, amount, offeredTicks)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("market_service: fulfill_sell: %w", err)
	}
	return s.afterFill(ctx, trade)
}

// Order returns one order by id.
func (s *MarketService) Order(id domain.OrderID) (domain.Order, error) {
	o, err := s.market.Order(id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("market_service: order: %w", err)
	}
	return o, nil
}

// ActiveOrders lists open orders for an instrument and side in id order.
func (s *MarketService) ActiveOrders(id domain.InstrumentID, side domain.OrderSide) []domain.Order {
	return s.market.ActiveOrders(id, side)
}

// BestPrices returns the best bid/ask snapshot, preferring the cache and
// falling back to a marketplace scan.
func (s *MarketService) BestPrices(ctx context.Context, id domain.InstrumentID) domain.Quote {
	if s.quotes != nil {
		if q, err := s.quotes.Get(ctx, id); err == nil {
			return q
		}
	}
	return s.scanQuote(id)
}

// FeeRateBps returns the current fee rate.
func (s *MarketService) FeeRateBps() int64 { return s.market.FeeRateBps() }

func (s *MarketService) scanQuote(id domain.InstrumentID) domain.Quote {
	return domain.Quote{
		Instrument: id,
		BestBuy:    s.market.BestBuyPrice(id),
		BestSell:   s.market.BestSellPrice(id),
		UpdatedAt:  time.Now().UTC(),
	}
}

// afterOrderMutation mirrors the order row, refreshes the quote snapshot,
// and emits the audit event.
func (s *MarketService) afterOrderMutation(ctx context.Context, id domain.OrderID, eventType string, actor common.Address) (domain.Order, error) {
	o, err := s.market.Order(id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("market_service: reload order: %w", err)
	}

	s.mirrorOrder(ctx, o)
	s.refreshQuote(ctx, o.Instrument)
	s.emitter.Emit(ctx, eventType, actor, o.Instrument, map[string]any{
		"order_id":  o.ID,
		"side":      o.Side,
		"amount":    o.Amount,
		"remaining": o.Remaining,
		"price":     o.PriceTicks,
		"status":    o.Status,
	})
	return o, nil
}

func (s *MarketService) afterFill(ctx context.Context, trade domain.Trade) (domain.Trade, error) {
	trade.ID = uuid.New().String()

	if s.trades != nil {
		if err := s.trades.Insert(ctx, trade); err != nil {
			s.logger.WarnContext(ctx, "market_service: mirror trade failed",
				slog.String("trade_id", trade.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if o, err := s.market.Order(trade.OrderID); err == nil {
		s.mirrorOrder(ctx, o)
	}
	s.refreshQuote(ctx, trade.Instrument)

	s.emitter.Emit(ctx, domain.EventOrderFulfilled, trade.Taker, trade.Instrument, map[string]any{
		"order_id": trade.OrderID,
		"trade_id": trade.ID,
		"side":     trade.Side,
		"amount":   trade.Amount,
		"price":    trade.PriceTicks,
		"fee":      trade.FeeTicks,
		"maker":    trade.Maker.Hex(),
	})
	return trade, nil
}

func (s *MarketService) mirrorOrder(ctx context.Context, o domain.Order) {
	if s.orders == nil {
		return
	}
	if err := s.orders.Upsert(ctx, o); err != nil {
		s.logger.WarnContext(ctx, "market_service: mirror order failed",
			slog.Int64("order_id", int64(o.ID)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketService) refreshQuote(ctx context.Context, id domain.InstrumentID) {
	if s.quotes == nil {
		return
	}
	if err := s.quotes.Set(ctx, s.scanQuote(id)); err != nil {
		s.logger.WarnContext(ctx, "market_service: refresh quote failed",
			slog.Int64("instrument", int64(id)),
			slog.String("error", err.Error()),
		)
	}
}
