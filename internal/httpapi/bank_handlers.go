package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bankist.org/internal/auth"
	"bankist.org/internal/bank"
	"bankist.org/internal/ledger"
)

type loginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	PIN      *int   `json:"pin" validate:"required,gte=0"`
}

type transferRequest struct {
	To     string          `json:"to" validate:"required,max=64"`
	Amount decimal.Decimal `json:"amount"`
}

type loanRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type closeRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	PIN      *int   `json:"pin" validate:"required,gte=0"`
}

// operationResponse is returned by every bank operation, failed or not, so
// the caller can always re-render from View.
type operationResponse struct {
	Outcome   bank.Outcome      `json:"outcome"`
	Error     string            `json:"error,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	View      bank.View         `json:"view"`
	Token     string            `json:"token,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Loan      *bank.PendingLoan `json:"loan,omitempty"`
}

type listPostingsResponse struct {
	Items     []ledger.Posting `json:"items"`
	NextAfter uint64           `json:"next_after"`
	AsOf      time.Time        `json:"as_of"`
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.login(w, r)
	case http.MethodGet:
		a.currentView(w, r)
	case http.MethodDelete:
		a.logout(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req transferRequest
	if !a.readRequest(w, r, &req) {
		return
	}
	v, err := a.bank.Transfer(r.Context(), strings.TrimSpace(req.To), req.Amount)
	a.respond(w, r, http.StatusCreated, v, err)
}

func (a *API) handleLoans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loanRequest
	if !a.readRequest(w, r, &req) {
		return
	}
	v, loan, err := a.bank.RequestLoan(r.Context(), req.Amount)
	if err != nil {
		a.respond(w, r, http.StatusAccepted, v, err)
		return
	}
	writeJSON(w, http.StatusAccepted, operationResponse{
		Outcome:   bank.OK,
		RequestID: RequestIDFromContext(r.Context()),
		View:      v,
		Loan:      &loan,
	})
}

func (a *API) handlePendingLoans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	username := a.username(r)
	items := []bank.PendingLoan{}
	for _, p := range a.bank.PendingLoans(r.Context()) {
		if username == "" || p.Username == username {
			items = append(items, p)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleCloseAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req closeRequest
	if !a.readRequest(w, r, &req) {
		return
	}
	v, err := a.bank.CloseAccount(r.Context(), strings.TrimSpace(req.Username), *req.PIN)
	a.respond(w, r, http.StatusOK, v, err)
}

func (a *API) handleMovements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	v, err := a.bank.View(r.Context())
	if err == nil && !v.Active {
		err = bank.ErrNotLoggedIn
	}
	if err != nil {
		handleBankError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sorted":    v.Sorted,
		"movements": v.Movements,
	})
}

func (a *API) handleSort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	v, err := a.bank.ToggleSort(r.Context())
	a.respond(w, r, http.StatusOK, v, err)
}

func (a *API) handlePostings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, after, ok := pageParams(w, r)
	if !ok {
		return
	}
	items, next, err := a.bank.Postings(r.Context(), limit, after)
	if err != nil {
		handleBankError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.Posting{}
	}
	writeJSON(w, http.StatusOK, listPostingsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.auditLog == nil {
		writeError(w, r, http.StatusNotFound, "audit store disabled")
		return
	}
	limit, after, ok := pageParams(w, r)
	if !ok {
		return
	}
	items, next, err := a.auditLog.ListAudit(r.Context(), a.username(r), limit, after)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":      items,
		"next_after": next,
	})
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.readRequest(w, r, &req) {
		return
	}
	v, err := a.bank.Login(r.Context(), strings.TrimSpace(req.Username), *req.PIN)
	if err != nil {
		a.respond(w, r, http.StatusOK, v, err)
		return
	}
	resp := operationResponse{
		Outcome:   bank.OK,
		RequestID: RequestIDFromContext(r.Context()),
		View:      v,
	}
	if a.issuer != nil {
		token, exp, err := a.issuer.GenerateToken(v.Username, v.SessionID)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "token issue failed")
			return
		}
		resp.Token = token
		resp.ExpiresAt = &exp
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) currentView(w http.ResponseWriter, r *http.Request) {
	v, err := a.bank.View(r.Context())
	a.respond(w, r, http.StatusOK, v, err)
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	v, err := a.bank.Logout(r.Context())
	a.respond(w, r, http.StatusOK, v, err)
}

// readRequest decodes and validates the body. It writes the error response
// itself and reports whether the handler should continue.
func (a *API) readRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r, dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	if details := validateRequest(dst); len(details) > 0 {
		writeValidationError(w, r, details)
		return false
	}
	return true
}

// respond writes okCode with the view on success, or the outcome's status
// with the view still attached on failure.
func (a *API) respond(w http.ResponseWriter, r *http.Request, okCode int, v bank.View, err error) {
	resp := operationResponse{
		Outcome:   bank.OutcomeOf(err),
		RequestID: RequestIDFromContext(r.Context()),
		View:      v,
	}
	if err == nil {
		writeJSON(w, okCode, resp)
		return
	}
	code := statusForOutcome(resp.Outcome)
	if code == http.StatusInternalServerError {
		resp.Error = "internal error"
	} else {
		resp.Error = err.Error()
	}
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="bankist"`)
	}
	writeJSON(w, code, resp)
}

func (a *API) username(r *http.Request) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		return claims.Username()
	}
	return ""
}

func handleBankError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusForOutcome(bank.OutcomeOf(err))
	if code == http.StatusInternalServerError {
		writeError(w, r, code, "internal error")
		return
	}
	writeError(w, r, code, err.Error())
}

func statusForOutcome(o bank.Outcome) int {
	switch o {
	case bank.OK:
		return http.StatusOK
	case bank.InvalidAmount:
		return http.StatusBadRequest
	case bank.InvalidCredentials, bank.NotLoggedIn:
		return http.StatusUnauthorized
	case bank.InvalidTarget, bank.LoanNotEligible:
		return http.StatusUnprocessableEntity
	case bank.InsufficientFunds:
		return http.StatusConflict
	case bank.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func pageParams(w http.ResponseWriter, r *http.Request) (int, uint64, bool) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return 0, 0, false
	}
	var after uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return 0, 0, false
		}
		after = v
	}
	return limit, after, true
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}
