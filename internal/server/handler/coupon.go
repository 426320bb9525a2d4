package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bondfi/bondledger/internal/domain"
)

// CouponService defines the methods that the coupon handler requires.
type CouponService interface {
	RegisterBond(ctx context.Context, actor common.Address, id domain.InstrumentID) error
	UnregisterBond(ctx context.Context, actor common.Address, id domain.InstrumentID) error
	Schedule(ctx context.Context, actor common.Address, id domain.InstrumentID, date string) (domain.CouponBatch, error)
	Pay(ctx context.Context, caller common.Address, id domain.InstrumentID, holder common.Address, date string) (int64, error)
	Claim(ctx context.Context, holder common.Address, id domain.InstrumentID, date string) (int64, error)
	Complete(ctx context.Context, actor common.Address, id domain.InstrumentID, date string) error
	Deposit(ctx context.Context, from common.Address, ticks int64) error
	WithdrawExcess(ctx context.Context, actor common.Address, ticks int64) error
	Batch(id domain.InstrumentID, date string) (domain.CouponBatch, error)
	Batches(id domain.InstrumentID) []domain.CouponBatch
	ArePaidForDate(id domain.InstrumentID, date string) bool
}

// CouponHandler serves coupon scheduling and disbursement endpoints.
type CouponHandler struct {
	coupons CouponService
	logger  *slog.Logger
}

// NewCouponHandler creates a CouponHandler with the given service and logger.
func NewCouponHandler(coupons CouponService, logger *slog.Logger) *CouponHandler {
	return &CouponHandler{coupons: coupons, logger: logger}
}

// RegisterBond enrolls an instrument for coupon distribution.
// POST /api/coupons/bonds/{id}/register
func (h *CouponHandler) RegisterBond(w http.ResponseWriter, r *http.Request) {
	h.registration(w, r, h.coupons.RegisterBond)
}

// UnregisterBond removes an instrument from coupon distribution.
// POST /api/coupons/bonds/{id}/unregister
func (h *CouponHandler) UnregisterBond(w http.ResponseWriter, r *http.Request) {
	h.registration(w, r, h.coupons.UnregisterBond)
}

func (h *CouponHandler) registration(w http.ResponseWriter, r *http.Request, op func(context.Context, common.Address, domain.InstrumentID) error) {
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

type scheduleRequest struct {
	Actor string `json:"actor"`
	Date  string `json:"date"` // YYYY-MM-DD
}

// Schedule creates the batch for an (instrument, date) pair.
// POST /api/coupons/bonds/{id}/schedule
func (h *CouponHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	actor, err := parseAddress(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b, err := h.coupons.Schedule(r.Context(), actor, domain.InstrumentID(id), req.Date)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, batchView(b))
}

type payRequest struct {
	Caller string `json:"caller"`
	Holder string `json:"holder,omitempty"` // defaults to caller (self-claim)
	Date   string `json:"date"`
}

// Pay disburses one holder's coupon. When holder is omitted the caller
// claims their own coupon.
// POST /api/coupons/bonds/{id}/pay
func (h *CouponHandler) Pay(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req payRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var amount int64
	if req.Holder == "" {
		amount, err = h.coupons.Claim(r.Context(), caller, domain.InstrumentID(id), req.Date)
	} else {
		var holder common.Address
		holder, err = parseAddress(req.Holder)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		amount, err = h.coupons.Pay(r.Context(), caller, domain.InstrumentID(id), holder, req.Date)
	}
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"amount_ticks": amount,
	})
}

// Complete marks a batch finished.
// POST /api/coupons/bonds/{id}/complete
func (h *CouponHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	actor, err := parseAddress(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.coupons.Complete(r.Context(), actor, domain.InstrumentID(id), req.Date); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Deposit funds the coupon custody ahead of a distribution.
// POST /api/coupons/deposit
func (h *CouponHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.custody(w, r, h.coupons.Deposit)
}

// WithdrawExcess reclaims coupon custody not backing outstanding obligations.
// POST /api/coupons/withdraw-excess
func (h *CouponHandler) WithdrawExcess(w http.ResponseWriter, r *http.Request) {
	h.custody(w, r, h.coupons.WithdrawExcess)
}

func (h *CouponHandler) custody(w http.ResponseWriter, r *http.Request, op func(context.Context, common.Address, int64) error) {
	var req fundsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	account, err := parseAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := op(r.Context(), account, req.AmountTicks); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ListBatches lists every batch for an instrument by date.
// GET /api/coupons/bonds/{id}/batches
func (h *CouponHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	batches := h.coupons.Batches(domain.InstrumentID(id))
	views := make([]map[string]any, 0, len(batches))
	for _, b := range batches {
		views = append(views, batchView(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batches": views,
		"count":   len(views),
	})
}

// GetBatch returns the batch for an (instrument, date) pair.
// GET /api/coupons/bonds/{id}/batches/{date}
func (h *CouponHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	date := r.PathValue("date")
	if date == "" {
		writeError(w, http.StatusBadRequest, "missing date")
		return
	}

	b, err := h.coupons.Batch(domain.InstrumentID(id), date)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	view := batchView(b)
	view["paid_for_date"] = h.coupons.ArePaidForDate(domain.InstrumentID(id), date)
	writeJSON(w, http.StatusOK, view)
}

// batchView shapes a domain.CouponBatch for JSON responses.
func batchView(b domain.CouponBatch) map[string]any {
	v := map[string]any{
		"instrument":   b.Instrument,
		"date":         b.Date,
		"total_ticks":  b.TotalTicks,
		"paid_ticks":   b.PaidTicks,
		"outstanding":  b.Outstanding(),
		"completed":    b.Completed,
		"scheduled_at": b.ScheduledAt,
	}
	if b.CompletedAt != nil {
		v["completed_at"] = b.CompletedAt
	}
	return v
}
