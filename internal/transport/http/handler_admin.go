package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"duoplay/internal/ledger"
	"duoplay/internal/matchmaking"
	"duoplay/internal/rendezvous"
	"duoplay/internal/store"

	"github.com/rs/zerolog/log"
)

const healthPath = "healthz/probe"

type AdminHandlers struct {
	deps Deps
	now  func() time.Time
}

func NewAdminHandlers(d Deps) *AdminHandlers {
	return &AdminHandlers{deps: d, now: time.Now}
}

// Health reads a fixed path from the rendezvous store and pings the journal
// when one is configured.
func (h *AdminHandlers) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		body := map[string]any{"ok": true, "store": "up"}
		status := http.StatusOK
		if _, err := h.deps.Store.Once(ctx, healthPath); err != nil {
			body["ok"], body["store"] = false, "down"
			status = http.StatusServiceUnavailable
		}
		if h.deps.Journal != nil {
			body["db"] = "up"
			if err := h.deps.Journal.Ping(ctx); err != nil {
				body["ok"], body["db"] = false, "down"
				status = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

// Sweep runs one pool and session sweep, then reaps dead connections when the
// backend supports it.
func (h *AdminHandlers) Sweep() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sweepTotal.Add(1)
		res, err := matchmaking.Sweep(r.Context(), h.deps.Store, h.now(), h.deps.Game)
		if err != nil {
			log.Error().Err(err).Msg("admin sweep failed")
			WriteHTTPError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		reaped := 0
		if h.deps.Reap != nil {
			if reaped, err = h.deps.Reap(r.Context()); err != nil {
				log.Error().Err(err).Msg("admin reap failed")
				WriteHTTPError(w, http.StatusInternalServerError, "internal_error")
				return
			}
		}
		writeJSON(w, map[string]any{
			"ok":               true,
			"pool_removed":     res.PoolRemoved,
			"sessions_removed": res.SessionsRemoved,
			"reaped":           reaped,
		})
	}
}

func (h *AdminHandlers) Ledger() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.deps.Journal == nil {
			WriteHTTPError(w, http.StatusServiceUnavailable, "journal_disabled")
			return
		}
		limit, offset := ParsePagination(r)
		q := r.URL.Query()
		f := store.LedgerFilter{UserID: q.Get("user_id"), Kind: ledger.Kind(q.Get("kind"))}
		if v := q.Get("from"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				f.From = &t
			}
		}
		if v := q.Get("to"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				f.To = &t
			}
		}
		items, err := h.deps.Journal.ListLedgerEntries(r.Context(), f, limit, offset)
		if err != nil {
			WriteHTTPError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		writeJSON(w, map[string]any{"items": items, "limit": limit, "offset": offset})
	}
}

// Grant credits a user outside of play, for support and test setups.
func (h *AdminHandlers) Grant() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID string `json:"user_id"`
			Kind   string `json:"kind"`
			Amount int64  `json:"amount"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteHTTPError(w, http.StatusBadRequest, "invalid_json")
			return
		}
		body.UserID = strings.TrimSpace(body.UserID)
		if body.UserID == "" || body.Amount <= 0 {
			WriteHTTPError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		reason := "operator_grant"
		if body.Reason != "" {
			reason += ":" + body.Reason
		}
		grantTotal.Add(1)
		bal, err := h.deps.Ledger.Increment(r.Context(), body.UserID, ledger.Kind(body.Kind), body.Amount, reason)
		switch {
		case errors.Is(err, ledger.ErrInvalidKind), errors.Is(err, rendezvous.ErrInvalidPath):
			grantErrors.Add(1)
			WriteHTTPError(w, http.StatusBadRequest, "invalid_request")
			return
		case err != nil:
			grantErrors.Add(1)
			log.Error().Err(err).Str("uid", body.UserID).Msg("admin grant failed")
			WriteHTTPError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		log.Info().
			Str("uid", body.UserID).
			Str("kind", body.Kind).
			Int64("amount", body.Amount).
			Int64("balance", bal).
			Msg("operator grant")
		writeJSON(w, map[string]any{"ok": true, "balance": bal})
	}
}
