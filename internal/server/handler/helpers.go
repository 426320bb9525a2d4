package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bondfi/bondledger/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps sentinel domain errors onto HTTP status codes and
// writes the response. Unknown errors become a 500 with a generic message.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"

	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrAlreadyExists):
		status, msg = http.StatusConflict, "already exists"
	case errors.Is(err, domain.ErrUnauthorized):
		status, msg = http.StatusForbidden, "not authorized"
	case errors.Is(err, domain.ErrNotRegistered):
		status, msg = http.StatusConflict, "instrument not registered"
	case errors.Is(err, domain.ErrInvalidArgument):
		status, msg = http.StatusBadRequest, "invalid argument"
	case errors.Is(err, domain.ErrInvalidState):
		status, msg = http.StatusConflict, "invalid state"
	case errors.Is(err, domain.ErrInsufficientFunds):
		status, msg = http.StatusUnprocessableEntity, "insufficient funds"
	case errors.Is(err, domain.ErrInsufficientBalance):
		status, msg = http.StatusUnprocessableEntity, "insufficient balance"
	case errors.Is(err, domain.ErrInsufficientAllowance):
		status, msg = http.StatusUnprocessableEntity, "insufficient allowance"
	case errors.Is(err, domain.ErrClaimIneligible):
		status, msg = http.StatusUnprocessableEntity, "claim ineligible"
	case errors.Is(err, domain.ErrReentrantCall):
		status, msg = http.StatusConflict, "conflicting operation in progress"
	default:
		logger.ErrorContext(r.Context(), "handler: request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}

	writeError(w, status, msg)
}

// decodeBody parses the request body into dst, rejecting unknown fields.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// parseListOpts extracts standard pagination parameters from the query
// string. Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathID extracts a numeric path parameter using Go 1.22+ built-in routing.
func pathID(r *http.Request, name string) (uint64, error) {
	v := r.PathValue(name)
	if v == "" {
		return 0, errors.New("missing path parameter " + name)
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errors.New("invalid " + name)
	}
	return id, nil
}

// pathIDFromQuery parses a numeric identifier from a query parameter.
func pathIDFromQuery(v string) (uint64, error) {
	if v == "" {
		return 0, errors.New("missing identifier")
	}
	return strconv.ParseUint(v, 10, 64)
}

// parseAddress validates and parses a hex account address.
func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.New("invalid address " + strconv.Quote(s))
	}
	return common.HexToAddress(s), nil
}

// orderView shapes a domain.Order for JSON responses.
func orderView(o domain.Order) map[string]any {
	v := map[string]any{
		"id":          o.ID,
		"trader":      o.Trader.Hex(),
		"instrument":  o.Instrument,
		"side":        o.Side,
		"amount":      o.Amount,
		"remaining":   o.Remaining,
		"price_ticks": o.PriceTicks,
		"status":      o.Status,
		"created_at":  o.CreatedAt,
	}
	if o.FilledAt != nil {
		v["filled_at"] = o.FilledAt
	}
	if o.CancelledAt != nil {
		v["cancelled_at"] = o.CancelledAt
	}
	return v
}

// tradeView shapes a domain.Trade for JSON responses.
func tradeView(t domain.Trade) map[string]any {
	return map[string]any{
		"id":          t.ID,
		"order_id":    t.OrderID,
		"instrument":  t.Instrument,
		"maker":       t.Maker.Hex(),
		"taker":       t.Taker.Hex(),
		"side":        t.Side,
		"amount":      t.Amount,
		"price_ticks": t.PriceTicks,
		"fee_ticks":   t.FeeTicks,
		"executed_at": t.ExecutedAt,
	}
}

// instrumentView shapes a domain.Instrument for JSON responses.
func instrumentView(in domain.Instrument) map[string]any {
	return map[string]any{
		"id":               in.ID,
		"issuer":           in.Issuer.Hex(),
		"name":             in.Terms.Name,
		"symbol":           in.Terms.Symbol,
		"face_value_ticks": in.Terms.FaceValueTicks,
		"coupon_rate_bps":  in.Terms.CouponRateBps,
		"coupon_frequency": in.Terms.CouponFrequency,
		"maturity_date":    in.Terms.MaturityDate,
		"total_supply":     in.Terms.TotalSupply,
		"state":            in.State,
	}
}
