package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/checkout-pay/internal/payment"
	"github.com/noah-isme/checkout-pay/internal/webhook"
)

type eventData struct {
	ID            string         `json:"id"`
	BusinessID    string         `json:"businessId,omitempty"`
	Amount        json.Number    `json:"amount"`
	Currency      string         `json:"currency"`
	CustomerEmail string         `json:"customerEmail,omitempty"`
	Method        string         `json:"method,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func main() {
	url := flag.String("url", "http://localhost:8080/webhook", "Webhook URL")
	secret := flag.String("secret", os.Getenv("WEBHOOK_SECRET"), "Webhook secret")
	eventID := flag.String("event-id", "evt_"+uuid.NewString()[:8], "Event ID")
	event := flag.String("event", "payment:completed", "Event (payment:created, payment:method_selected, payment:completed, payment:cancelled, payment:expired)")
	gatewayID := flag.String("gateway-id", "hp_"+uuid.NewString()[:8], "Gateway payment id")
	paymentID := flag.String("payment-id", "", "Checkout payment id echoed in metadata")
	orderID := flag.String("order-id", "", "Order id echoed in metadata")
	method := flag.String("method", "", "Selected method")
	amount := flag.String("amount", "10.00", "Amount")
	currency := flag.String("currency", "USD", "Currency")
	dryRun := flag.Bool("dry-run", false, "Only print signature header, don't send")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "Error: secret not provided and WEBHOOK_SECRET not set")
		os.Exit(1)
	}

	meta := map[string]any{}
	if *paymentID != "" {
		meta["paymentId"] = *paymentID
	}
	if *orderID != "" {
		meta[payment.MetaKeyOrderID] = *orderID
	}
	body, err := json.Marshal(struct {
		ID    string    `json:"id"`
		Event string    `json:"event"`
		Data  eventData `json:"data"`
	}{
		ID:    *eventID,
		Event: *event,
		Data: eventData{
			ID:       *gatewayID,
			Amount:   json.Number(*amount),
			Currency: *currency,
			Method:   *method,
			Metadata: meta,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling payload: %v\n", err)
		os.Exit(1)
	}

	sig := payment.SignPayload(body, *secret)
	fmt.Printf("%s: %s\n", payment.SignatureHeader, sig)
	fmt.Printf("Body: %s\n", body)
	if *dryRun {
		fmt.Println("\n[DRY RUN] Not sending request")
		return
	}

	fmt.Printf("\nSending to %s...\n", *url)
	req, err := http.NewRequest(http.MethodPost, *url, bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(payment.SignatureHeader, sig)
	req.Header.Set(webhook.EventIDHeader, *eventID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error sending request: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	fmt.Printf("Status: %d\n", resp.StatusCode)
	fmt.Printf("Response: %s\n", respBody)
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
