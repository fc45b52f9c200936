package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/checkout-pay/internal/gateway"
	"github.com/noah-isme/checkout-pay/internal/payment"
)

// PaymentCreator is the gateway surface the redirect strategy needs.
type PaymentCreator interface {
	Configured() bool
	CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (gateway.CreatePaymentResponse, error)
}

// GatewayInput is the optional body accepted when paying by redirect.
type GatewayInput struct {
	CustomerEmail string `json:"customerEmail" validate:"omitempty,email"`
	Name          string `json:"name" validate:"max=200"`
	Description   string `json:"description" validate:"max=500"`
}

// GatewayRedirect sends the buyer to the gateway's hosted checkout. A created
// payment is reported as completed right away; settlement is confirmed later
// by webhook.
type GatewayRedirect struct {
	Gateway     PaymentCreator
	Currencies  []string
	RedirectURL string
	NotifyURL   string
	Validator   *validator.Validate
}

func (g *GatewayRedirect) Method() payment.Method { return payment.MethodGatewayRedirect }

func (g *GatewayRedirect) IsAvailable(context.Context) bool {
	return g.Gateway != nil && g.Gateway.Configured()
}

func (g *GatewayRedirect) checker() *validator.Validate {
	if g.Validator != nil {
		return g.Validator
	}
	return defaultValidator
}

var defaultValidator = validator.New()

func decodeGatewayInput(input json.RawMessage) (GatewayInput, error) {
	var in GatewayInput
	if len(input) == 0 || string(input) == "null" {
		return in, nil
	}
	err := json.Unmarshal(input, &in)
	return in, err
}

func (g *GatewayRedirect) Validate(state payment.LocalState, input json.RawMessage) *payment.Error {
	intent := state.Intent
	if !intent.Amount.IsPositive() {
		return validationError("amount must be greater than zero")
	}
	if !currencyAllowed(g.Currencies, intent.Currency) {
		return validationError("currency " + intent.Currency + " is not supported")
	}
	in, err := decodeGatewayInput(input)
	if err != nil {
		return validationError("invalid payment data")
	}
	if in.CustomerEmail == "" {
		in.CustomerEmail = intent.CustomerEmail
	}
	if err := g.checker().Struct(in); err != nil {
		return validationError("invalid customer email")
	}
	return nil
}

func (g *GatewayRedirect) Process(ctx context.Context, state payment.LocalState, input json.RawMessage) (payment.Result, error) {
	in, _ := decodeGatewayInput(input)
	intent := state.Intent
	email := in.CustomerEmail
	if email == "" {
		email = intent.CustomerEmail
	}
	description := in.Description
	if description == "" {
		description = intent.Description
	}
	name := in.Name
	if name == "" {
		name = "Order " + intent.ID
	}
	resp, err := g.Gateway.CreatePayment(ctx, gateway.CreatePaymentRequest{
		Amount:        intent.Amount,
		Currency:      intent.Currency,
		Name:          name,
		Description:   description,
		CustomerEmail: email,
		RedirectURL:   g.RedirectURL,
		NotifyURL:     g.NotifyURL,
		Metadata: map[string]any{
			"sessionId": state.SessionID,
			"paymentId": intent.ID,
		},
	})
	switch {
	case err == nil:
	case gateway.Rejected(err):
		return payment.Failed(payment.CodeGatewayRejected, err.Error(), false), nil
	case errors.Is(err, gateway.ErrNotConfigured):
		return payment.Failed(payment.CodeGatewayDown, "payment gateway is not configured", false), nil
	default:
		return payment.Failed(payment.CodeGatewayDown, err.Error(), true), nil
	}
	return payment.Result{
		Success:       true,
		Status:        payment.StatusCompleted,
		TransactionID: resp.ID,
		RedirectURL:   resp.URL,
		Metadata:      resp.Raw,
	}, nil
}

func currencyAllowed(allowed []string, currency string) bool {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	for _, c := range allowed {
		if strings.EqualFold(c, currency) {
			return true
		}
	}
	return false
}
