package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bondfi/bondledger/internal/domain"
)

// LedgerService defines the methods that the ledger handler requires.
type LedgerService interface {
	Issue(ctx context.Context, issuer common.Address, terms domain.BondTerms) (domain.InstrumentID, error)
	Transfer(ctx context.Context, id domain.InstrumentID, from, to common.Address, amount int64) error
	Approve(ctx context.Context, id domain.InstrumentID, owner, spender common.Address, amount int64) error
	TransferFrom(ctx context.Context, id domain.InstrumentID, spender, from, to common.Address, amount int64) error
	Mature(ctx context.Context, id domain.InstrumentID, actor common.Address) error
	Close(ctx context.Context, id domain.InstrumentID, actor common.Address) error
	DepositFunds(ctx context.Context, id domain.InstrumentID, from common.Address, ticks int64) error
	WithdrawExcess(ctx context.Context, id domain.InstrumentID, actor common.Address, ticks int64) error
	DepositCash(ctx context.Context, addr common.Address, ticks int64) error
	Instrument(id domain.InstrumentID) (domain.Instrument, error)
	Instruments() []domain.Instrument
	Balance(id domain.InstrumentID, holder common.Address) (int64, error)
	Allowance(id domain.InstrumentID, owner, spender common.Address) (int64, error)
	CouponAmount(id domain.InstrumentID, holder common.Address) (int64, error)
	CashBalance(addr common.Address) int64
}

// LedgerHandler serves bond issuance and unit accounting endpoints.
type LedgerHandler struct {
	ledger LedgerService
	logger *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler with the given service and logger.
func NewLedgerHandler(ledger LedgerService, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logger}
}

type issueRequest struct {
	Issuer          string `json:"issuer"`
	Name            string `json:"name"`
	Symbol          string `json:"symbol"`
	FaceValueTicks  int64  `json:"face_value_ticks"`
	CouponRateBps   int64  `json:"coupon_rate_bps"`
	CouponFrequency string `json:"coupon_frequency"` // Go duration string, e.g. "2160h"
	MaturityDate    string `json:"maturity_date"`    // RFC 3339
	TotalSupply     int64  `json:"total_supply"`
}

// Issue creates a new bond instrument.
// POST /api/bonds
func (h *LedgerHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	issuer, err := parseAddress(req.Issuer)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	freq, err := time.ParseDuration(req.CouponFrequency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid coupon_frequency")
		return
	}
	maturity, err := time.Parse(time.RFC3339, req.MaturityDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid maturity_date")
		return
	}

	id, err := h.ledger.Issue(r.Context(), issuer, domain.BondTerms{
		Name:            req.Name,
		Symbol:          req.Symbol,
		FaceValueTicks:  req.FaceValueTicks,
		CouponRateBps:   req.CouponRateBps,
		CouponFrequency: freq,
		MaturityDate:    maturity,
		TotalSupply:     req.TotalSupply,
	})
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

// ListBonds returns all issued instruments.
// GET /api/bonds
func (h *LedgerHandler) ListBonds(w http.ResponseWriter, r *http.Request) {
	instruments := h.ledger.Instruments()

	views := make([]map[string]any, 0, len(instruments))
	for _, in := range instruments {
		views = append(views, instrumentView(in))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bonds": views,
		"count": len(views),
	})
}

// GetBond returns a single instrument by ID.
// GET /api/bonds/{id}
func (h *LedgerHandler) GetBond(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	in, err := h.ledger.Instrument(domain.InstrumentID(id))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instrumentView(in))
}

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

// Transfer moves units between holders.
// POST /api/bonds/{id}/transfer
func (h *LedgerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	from, err := parseAddress(req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.ledger.Transfer(r.Context(), domain.InstrumentID(id), from, to, req.Amount); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type approveRequest struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Amount  int64  `json:"amount"`
}

// Approve sets a spender allowance.
// POST /api/bonds/{id}/approve
func (h *LedgerHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spender, err := parseAddress(req.Spender)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.ledger.Approve(r.Context(), domain.InstrumentID(id), owner, spender, req.Amount); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type transferFromRequest struct {
	Spender string `json:"spender"`
	From    string `json:"from"`
	To      string `json:"to"`
	Amount  int64  `json:"amount"`
}

// TransferFrom moves units using a previously granted allowance.
// POST /api/bonds/{id}/transfer-from
func (h *LedgerHandler) TransferFrom(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req transferFromRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	spender, err := parseAddress(req.Spender)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := parseAddress(req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.ledger.TransferFrom(r.Context(), domain.InstrumentID(id), spender, from, to, req.Amount); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type actorRequest struct {
	Actor string `json:"actor"`
}

// Mature transitions the bond to Matured once past its maturity date.
// POST /api/bonds/{id}/mature
func (h *LedgerHandler) Mature(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.ledger.Mature)
}

// Close transitions the bond to Closed.
// POST /api/bonds/{id}/close
func (h *LedgerHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.ledger.Close)
}

func (h *LedgerHandler) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.InstrumentID, common.Address) error) {
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

	if err := op(r.Context(), domain.InstrumentID(id), actor); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type fundsRequest struct {
	Account     string `json:"account"`
	AmountTicks int64  `json:"amount_ticks"`
}

// DepositFunds moves cash from the depositor into the instrument vault.
// POST /api/bonds/{id}/deposit
func (h *LedgerHandler) DepositFunds(w http.ResponseWriter, r *http.Request) {
	h.funds(w, r, h.ledger.DepositFunds)
}

// WithdrawExcess pays surplus custodied cash back to the issuer.
// POST /api/bonds/{id}/withdraw-excess
func (h *LedgerHandler) WithdrawExcess(w http.ResponseWriter, r *http.Request) {
	h.funds(w, r, h.ledger.WithdrawExcess)
}

func (h *LedgerHandler) funds(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.InstrumentID, common.Address, int64) error) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
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

	if err := op(r.Context(), domain.InstrumentID(id), account, req.AmountTicks); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// GetBalance returns the unit balance of a holder.
// GET /api/bonds/{id}/balance/{address}
func (h *LedgerHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	holder, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	balance, err := h.ledger.Balance(domain.InstrumentID(id), holder)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instrument": id,
		"holder":     holder.Hex(),
		"balance":    balance,
	})
}

// GetAllowance returns the remaining spender allowance.
// GET /api/bonds/{id}/allowance?owner=0x..&spender=0x..
func (h *LedgerHandler) GetAllowance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner, err := parseAddress(r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spender, err := parseAddress(r.URL.Query().Get("spender"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	allowance, err := h.ledger.Allowance(domain.InstrumentID(id), owner, spender)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instrument": id,
		"owner":      owner.Hex(),
		"spender":    spender.Hex(),
		"allowance":  allowance,
	})
}

// GetCouponAmount returns the coupon due to a holder at current balance.
// GET /api/bonds/{id}/coupon-amount/{address}
func (h *LedgerHandler) GetCouponAmount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	holder, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	amount, err := h.ledger.CouponAmount(domain.InstrumentID(id), holder)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instrument":   id,
		"holder":       holder.Hex(),
		"amount_ticks": amount,
	})
}

type cashDepositRequest struct {
	AmountTicks int64 `json:"amount_ticks"`
}

// DepositCash credits external currency to an account.
// POST /api/accounts/{address}/deposit
func (h *LedgerHandler) DepositCash(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req cashDepositRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.ledger.DepositCash(r.Context(), addr, req.AmountTicks); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// GetCashBalance returns an account's cash balance in ticks.
// GET /api/accounts/{address}/balance
func (h *LedgerHandler) GetCashBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":       addr.Hex(),
		"balance_ticks": h.ledger.CashBalance(addr),
	})
}
