package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

// HTTPGateway talks JSON to the payment provider with a bearer API key.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logging.Logger
}

func NewHTTPGateway(baseURL, apiKey string, logger *logging.Logger) *HTTPGateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &HTTPGateway{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// WithHTTPClient overrides the HTTP client (used by tests).
func (g *HTTPGateway) WithHTTPClient(c *http.Client) *HTTPGateway {
	if c != nil {
		g.httpClient = c
	}
	return g
}

func (g *HTTPGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.charge")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.booking_id", req.BookingID),
		attribute.Int64("clinic.amount_cents", req.AmountCents),
	)
	if err := req.Validate(); err != nil {
		return ChargeResult{}, err
	}

	body := map[string]any{
		"amount":    req.AmountCents,
		"currency":  strings.ToUpper(req.Currency),
		"reference": req.BookingID,
	}
	var parsed struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		FailureReason string `json:"failure_reason"`
	}
	if err := g.post(ctx, "/v1/charges", req.IdempotencyKey, body, &parsed); err != nil {
		span.RecordError(err)
		return ChargeResult{}, err
	}

	result := ChargeResult{TransactionRef: parsed.ID, Reason: parsed.FailureReason}
	switch strings.ToLower(parsed.Status) {
	case "succeeded", "captured", "completed":
		result.Status = ChargeSucceeded
	case "failed", "declined", "rejected":
		result.Status = ChargeFailed
	default:
		result.Status = ChargePending
	}
	g.logger.Info("charge submitted", "booking_id", req.BookingID, "transaction_ref", parsed.ID, "status", result.Status)
	return result, nil
}

func (g *HTTPGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.refund")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.transaction_ref", req.TransactionRef))

	body := map[string]any{"charge": req.TransactionRef}
	if req.AmountCents > 0 {
		body["amount"] = req.AmountCents
	}
	if req.Reason != "" {
		body["reason"] = req.Reason
	}
	var parsed struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		FailureReason string `json:"failure_reason"`
	}
	// One refund per transaction ref at the provider.
	if err := g.post(ctx, "/v1/refunds", "refund-"+req.TransactionRef, body, &parsed); err != nil {
		span.RecordError(err)
		return RefundResult{}, err
	}

	status := strings.ToLower(parsed.Status)
	result := RefundResult{
		Succeeded: status != "failed" && status != "rejected",
		RefundRef: parsed.ID,
		Reason:    parsed.FailureReason,
	}
	g.logger.Info("refund processed", "refund_id", parsed.ID, "transaction_ref", req.TransactionRef, "status", parsed.Status)
	return result, nil
}

func (g *HTTPGateway) post(ctx context.Context, path, idempotencyKey string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("payments: marshal %s: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("payments: build %s request: %w", path, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %w", ErrGatewayUnavailable, path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		g.logger.Error("payment provider error", "path", path, "status", resp.StatusCode, "body", string(respBody))
		return fmt.Errorf("%w: %s status %d", ErrGatewayUnavailable, path, resp.StatusCode)
	case resp.StatusCode >= http.StatusMultipleChoices:
		return fmt.Errorf("payments: %s status %d: %s", path, resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("payments: decode %s: %w", path, err)
	}
	return nil
}
