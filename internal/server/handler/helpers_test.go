package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bondfi/bondledger/internal/domain"
)

func TestWriteDomainErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantMsg    string
	}{
		{domain.ErrNotFound, http.StatusNotFound, "not found"},
		{domain.ErrAlreadyExists, http.StatusConflict, "already exists"},
		{domain.ErrUnauthorized, http.StatusForbidden, "not authorized"},
		{domain.ErrNotRegistered, http.StatusConflict, "instrument not registered"},
		{domain.ErrInvalidArgument, http.StatusBadRequest, "invalid argument"},
		{domain.ErrInvalidState, http.StatusConflict, "invalid state"},
		{domain.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient funds"},
		{domain.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient balance"},
		{domain.ErrInsufficientAllowance, http.StatusUnprocessableEntity, "insufficient allowance"},
		{domain.ErrClaimIneligible, http.StatusUnprocessableEntity, "claim ineligible"},
		{domain.ErrReentrantCall, http.StatusConflict, "conflicting operation in progress"},
		{errors.New("pool exhausted"), http.StatusInternalServerError, "internal server error"},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, tc := range cases {
		t.Run(tc.wantMsg, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/orders", nil)

			// Handlers always wrap sentinels; the mapping must see through
			// the wrapping.
			writeDomainError(rec, logger, req, fmt.Errorf("market: create: %w", tc.err))

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("body is not JSON: %v", err)
			}
			if body["error"] != tc.wantMsg {
				t.Fatalf("error = %q, want %q", body["error"], tc.wantMsg)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
				t.Fatalf("content type = %q", ct)
			}
		})
	}
}

func TestParseListOpts(t *testing.T) {
	cases := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", 50, 0},
		{"?limit=10&offset=20", 10, 20},
		{"?limit=9999", 500, 0},
		{"?limit=-1&offset=-3", 50, 0},
		{"?limit=abc", 50, 0},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/events"+tc.query, nil)
		opts := parseListOpts(req)
		if opts.Limit != tc.wantLimit || opts.Offset != tc.wantOffset {
			t.Errorf("query %q: got limit=%d offset=%d, want limit=%d offset=%d",
				tc.query, opts.Limit, opts.Offset, tc.wantLimit, tc.wantOffset)
		}
	}
}

func TestParseAddress(t *testing.T) {
	if _, err := parseAddress("0x00000000000000000000000000000000000000a1"); err != nil {
		t.Fatalf("valid address rejected: %v", err)
	}
	for _, bad := range []string{"", "0x123", "not-hex", "0xZZ000000000000000000000000000000000000a1"} {
		if _, err := parseAddress(bad); err == nil {
			t.Errorf("address %q accepted", bad)
		}
	}
}

func TestDecodeBodyRejectsUnknownFields(t *testing.T) {
	var dst struct {
		Amount int64 `json:"amount"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount": 5, "bogus": true}`))
	if err := decodeBody(req, &dst); err == nil {
		t.Fatal("unknown field accepted")
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount": 5}`))
	if err := decodeBody(req, &dst); err != nil {
		t.Fatalf("valid body rejected: %v", err)
	}
	if dst.Amount != 5 {
		t.Fatalf("amount = %d, want 5", dst.Amount)
	}
}
