package strategy

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/noah-isme/checkout-pay/internal/payment"
)

// Sheet outcomes reported by the browser.
const (
	SheetOutcomeSuccess   = "success"
	SheetOutcomeCancelled = "cancelled"
	SheetOutcomeFailed    = "failed"
)

// SheetResponse is what the browser's native payment sheet returned.
type SheetResponse struct {
	MethodName string          `json:"methodName"`
	Outcome    string          `json:"outcome"`
	Details    json.RawMessage `json:"details,omitempty"`
	PayerEmail string          `json:"payerEmail,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func (r SheetResponse) cancelled() bool {
	o := strings.ToLower(strings.TrimSpace(r.Outcome))
	return o == SheetOutcomeCancelled || o == "aborterror" || strings.EqualFold(r.Error, "AbortError")
}

// token pulls the payment token out of the method-specific details.
func (r SheetResponse) token() string {
	if len(r.Details) == 0 {
		return ""
	}
	var details map[string]any
	if err := json.Unmarshal(r.Details, &details); err != nil {
		return ""
	}
	for _, key := range []string{"token", "paymentToken", "id"} {
		switch v := details[key].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v
			}
		case map[string]any:
			if b, err := json.Marshal(v); err == nil {
				return string(b)
			}
		}
	}
	return ""
}

// NativeSheet settles payments collected by the browser's native payment
// sheet. The server receives the sheet response and records its token.
type NativeSheet struct {
	Enabled          bool
	SupportedMethods []string
}

func (n *NativeSheet) Method() payment.Method { return payment.MethodNativeSheet }

func (n *NativeSheet) IsAvailable(context.Context) bool {
	return n.Enabled && len(n.SupportedMethods) > 0
}

func (n *NativeSheet) supports(method string) bool {
	for _, m := range n.SupportedMethods {
		if m == method {
			return true
		}
	}
	return false
}

func (n *NativeSheet) Validate(state payment.LocalState, input json.RawMessage) *payment.Error {
	if !state.Intent.Amount.IsPositive() {
		return validationError("amount must be greater than zero")
	}
	var resp SheetResponse
	if err := json.Unmarshal(input, &resp); err != nil {
		return validationError("invalid payment sheet response")
	}
	if resp.cancelled() {
		return nil
	}
	if !n.supports(resp.MethodName) {
		return validationError("payment method " + resp.MethodName + " is not supported")
	}
	return nil
}

func (n *NativeSheet) Process(_ context.Context, _ payment.LocalState, input json.RawMessage) (payment.Result, error) {
	var resp SheetResponse
	if err := json.Unmarshal(input, &resp); err != nil {
		return payment.Failed(payment.CodeValidation, "invalid payment sheet response", false), nil
	}
	if resp.cancelled() {
		return payment.Failed(payment.CodeUserCancelled, "payment was cancelled by the user", false), nil
	}
	if strings.EqualFold(resp.Outcome, SheetOutcomeFailed) {
		msg := resp.Error
		if msg == "" {
			msg = "payment sheet failed"
		}
		return payment.Failed(payment.CodeSheetFailed, msg, true), nil
	}
	token := resp.token()
	if token == "" {
		return payment.Failed(payment.CodeSheetFailed, "payment sheet returned no token", true), nil
	}
	meta, _ := json.Marshal(map[string]string{"methodName": resp.MethodName, "payerEmail": resp.PayerEmail})
	return payment.Result{
		Success:       true,
		Status:        payment.StatusCompleted,
		TransactionID: token,
		Metadata:      meta,
	}, nil
}
