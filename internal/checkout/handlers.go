package checkout

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/checkout-pay/internal/common"
	"github.com/noah-isme/checkout-pay/internal/payment"
	"github.com/noah-isme/checkout-pay/internal/repo"
	"github.com/noah-isme/checkout-pay/internal/strategy"
)

// Handler exposes the orchestrator and the server records over HTTP.
type Handler struct {
	Orchestrator *Orchestrator
	Methods      *strategy.Registry
	Store        *repo.Store
	Logger       zerolog.Logger
}

type processRequest struct {
	Method      payment.Method  `json:"method"`
	PaymentData json.RawMessage `json:"paymentData,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Initialize starts a payment. The session id comes from the session header
// and is generated when absent.
func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := common.SessionID(r.Context())
	if !ok {
		sessionID = uuid.NewString()
	}
	var in InitInput
	if err := common.DecodeJSON(r, &in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	intent, err := h.Orchestrator.InitializePayment(r.Context(), sessionID, in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set(common.SessionHeader, sessionID)
	common.JSON(w, http.StatusCreated, map[string]any{"data": map[string]any{
		"sessionId":     sessionID,
		"paymentIntent": intent,
	}})
}

// State returns the session's current state.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	st := h.Orchestrator.GetCurrentState(r.Context(), chi.URLParam(r, "sessionId"))
	if st == nil {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "checkout session not found", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": st})
}

// Process runs a payment method for the session.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if strings.TrimSpace(string(req.Method)) == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "method is required", nil)
		return
	}
	res := h.Orchestrator.ProcessPayment(r.Context(), chi.URLParam(r, "sessionId"), req.Method, req.PaymentData)
	common.JSON(w, resultStatus(res), map[string]any{"data": res})
}

// Cancel cancels the session's payment. The body is optional.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := common.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.Orchestrator.CancelPayment(r.Context(), chi.URLParam(r, "sessionId"), req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"cancelled": true}})
}

// Recovery reports whether the session can be resumed.
func (h *Handler) Recovery(w http.ResponseWriter, r *http.Request) {
	v := h.Orchestrator.ValidateRecovery(r.Context(), chi.URLParam(r, "sessionId"))
	common.JSON(w, http.StatusOK, map[string]any{"data": v})
}

// AvailableMethods lists the methods that can currently be used.
func (h *Handler) AvailableMethods(w http.ResponseWriter, r *http.Request) {
	methods := []payment.Method{}
	if h.Methods != nil {
		methods = h.Methods.Available(r.Context())
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": methods})
}

// ListPayments returns server records filtered by query parameters.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	page, perPage := common.ParsePagination(r, 20, 100)
	q := r.URL.Query()
	f := repo.PaymentFilter{
		SessionID: q.Get("sessionId"),
		Status:    payment.Status(q.Get("status")),
		Method:    payment.Method(q.Get("method")),
		Limit:     perPage,
		Offset:    common.Offset(page, perPage),
	}
	if f.Status != "" && !f.Status.Valid() {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown status", nil)
		return
	}
	var err error
	if f.From, err = timeParam(q.Get("from")); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "from must be RFC3339", nil)
		return
	}
	if f.To, err = timeParam(q.Get("to")); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "to must be RFC3339", nil)
		return
	}
	res := h.Store.Payments.List(r.Context(), f)
	if !res.Success {
		writeRepoError(w, res.Error)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       res.Data.Items,
		"pagination": common.Pagination{Page: page, PerPage: perPage, TotalItems: res.Data.Total},
	})
}

// GetPayment returns one server record.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	res := h.Store.Payments.Get(r.Context(), chi.URLParam(r, "id"))
	if !res.Success {
		writeRepoError(w, res.Error)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": res.Data})
}

// ListAttempts returns the attempts recorded for a payment.
func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	res := h.Store.Attempts.ListByPayment(r.Context(), chi.URLParam(r, "id"))
	if !res.Success {
		writeRepoError(w, res.Error)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": res.Data})
}

// GetOrder returns one order.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	res := h.Store.Orders.Get(r.Context(), chi.URLParam(r, "id"))
	if !res.Success {
		writeRepoError(w, res.Error)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": res.Data})
}

func timeParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func resultStatus(res payment.Result) int {
	if res.Success {
		return http.StatusOK
	}
	if res.Error == nil {
		return http.StatusUnprocessableEntity
	}
	switch res.Error.Code {
	case payment.CodeNoSession:
		return http.StatusNotFound
	case payment.CodeAlreadyCompleted, payment.CodeSessionBusy:
		return http.StatusConflict
	case payment.CodeSessionExpired:
		return http.StatusGone
	case payment.CodeRetryLimit:
		return http.StatusTooManyRequests
	case payment.CodeStrategyNotFound, payment.CodeValidation:
		return http.StatusBadRequest
	case payment.CodeMethodUnavailable, payment.CodeGatewayDown:
		return http.StatusServiceUnavailable
	case payment.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusPaymentRequired
	}
}

func writeRepoError(w http.ResponseWriter, e *repo.Error) {
	if e == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unknown error", nil)
		return
	}
	status := http.StatusInternalServerError
	switch e.Code {
	case repo.CodeNotFound:
		status = http.StatusNotFound
	case repo.CodeInvalidInput:
		status = http.StatusBadRequest
	case repo.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	common.JSONError(w, status, e.Code, e.Message, map[string]any{"retryable": e.Retryable})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if err == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unknown error", nil)
		return
	}
	if errors.Is(err, ErrInvalidInput) {
		common.JSONError(w, http.StatusBadRequest, payment.CodeValidation, err.Error(), nil)
		return
	}
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		common.WriteError(w, appErr)
		return
	}
	h.Logger.Error().Err(err).Msg("checkout_request_failed")
	common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "checkout temporarily unavailable", nil)
}
