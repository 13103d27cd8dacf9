// Package main runs end-to-end scenarios against a running engine API.
//
// The API must be started in memory mode (or with demo slots published) and
// ALLOW_FAKE_PAYMENTS=true so payment submissions settle synchronously.
//
// Usage:
//
//	API_BASE_URL=... ADMIN_JWT_SECRET=... PAYMENT_WEBHOOK_SECRET=... go run scripts/e2e/run_e2e.go [scenario-name]
//
// Start the API with HOLD_RATE_LIMIT=0; the contention scenario fires more
// concurrent hold requests than the default per-IP burst allows.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-slot-engine/internal/reconcile"
)

const specialistID = "dr-okafor"

var (
	apiBase       string
	adminToken    string
	webhookSecret string
	client        = &http.Client{Timeout: 15 * time.Second}
)

type scenario struct {
	Name string
	Fn   func(t *T)
}

// T is a lightweight test context for a single scenario.
type T struct {
	passed int
	failed int
	name   string
}

func (t *T) check(name string, ok bool) {
	if ok {
		fmt.Printf("    PASS: %s\n", name)
		t.passed++
	} else {
		fmt.Printf("    FAIL: %s\n", name)
		t.failed++
	}
}

func (t *T) fatalf(format string, args ...interface{}) {
	fmt.Printf("    FATAL: "+format+"\n", args...)
	t.failed++
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func call(method, path string, body any, headers map[string]string) (int, map[string]any, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, apiBase+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out, nil
}

func adminHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + adminToken}
}

func generateJWT(secret string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "e2e",
		"role": "admin",
		"iat":  now.Unix(),
		"exp":  now.Add(time.Hour).Unix(),
	})
	return token.SignedString([]byte(secret))
}

// freeSlots returns bookable slot ids for the demo specialist. Each
// candidate is probed with a hold that is released straight away, which
// skips slots held or booked by earlier runs.
func freeSlots(n int) ([]string, error) {
	q := url.Values{}
	q.Set("specialist_id", specialistID)
	q.Set("from", time.Now().UTC().Format(time.RFC3339))
	q.Set("to", time.Now().UTC().Add(72*time.Hour).Format(time.RFC3339))
	q.Set("limit", "100")
	status, page, err := call(http.MethodGet, "/slots?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list slots returned %d", status)
	}
	list, _ := page["slots"].([]any)
	var ids []string
	for _, raw := range list {
		s, _ := raw.(map[string]any)
		id, _ := s["id"].(string)
		if id == "" {
			continue
		}
		code, hold, err := acquire(id, "e2e-probe")
		if err != nil {
			return nil, err
		}
		if code != http.StatusCreated {
			continue
		}
		holdID, _ := hold["id"].(string)
		if code, _, err := call(http.MethodDelete, "/holds/"+holdID+"?holder_id=e2e-probe", nil, nil); err != nil || code != http.StatusNoContent {
			return nil, fmt.Errorf("release probe hold: status=%d err=%v", code, err)
		}
		ids = append(ids, id)
		if len(ids) == n {
			return ids, nil
		}
	}
	return nil, fmt.Errorf("only %d free slots for %s", len(ids), specialistID)
}

func acquire(slotID, holder string) (int, map[string]any, error) {
	return call(http.MethodPost, "/holds", map[string]string{"slot_id": slotID, "holder_id": holder}, nil)
}

func startBooking(patient, slotID, holdID string) (int, map[string]any, error) {
	return call(http.MethodPost, "/bookings", map[string]any{
		"patient_id":   patient,
		"slot_id":      slotID,
		"hold_id":      holdID,
		"consultation": map[string]string{"type": "new_patient", "urgency": "routine"},
		"amount_cents": 5000,
	}, nil)
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

// Happy path: hold, booking, payment, confirmed; slot stays taken.
func scenarioHappyPath(t *T) {
	ids, err := freeSlots(1)
	if err != nil {
		t.fatalf("find slot: %v", err)
		return
	}
	patient := "e2e-" + uuid.NewString()[:8] + "@example.com"

	status, hold, err := acquire(ids[0], patient)
	if err != nil {
		t.fatalf("acquire: %v", err)
		return
	}
	t.check("hold created (201)", status == http.StatusCreated)
	holdID, _ := hold["id"].(string)

	status, booking, err := startBooking(patient, ids[0], holdID)
	if err != nil {
		t.fatalf("start booking: %v", err)
		return
	}
	t.check("booking created (201)", status == http.StatusCreated)
	t.check("booking is held", booking["status"] == "held")
	bookingID, _ := booking["id"].(string)

	status, booking, err = call(http.MethodPost, "/bookings/"+bookingID+"/payment", nil, nil)
	if err != nil {
		t.fatalf("submit payment: %v", err)
		return
	}
	t.check("payment accepted", status == http.StatusOK || status == http.StatusAccepted)
	t.check("booking confirmed", booking["status"] == "confirmed")

	status, _, _ = acquire(ids[0], "someone-else")
	t.check("confirmed slot cannot be held (409)", status == http.StatusConflict)

	status, _, _ = call(http.MethodPost, "/bookings/"+bookingID+"/cancel", map[string]string{"actor_id": patient}, nil)
	t.check("cancelling a confirmed booking is rejected (409)", status == http.StatusConflict)
}

// Contention: concurrent acquisitions of one slot yield exactly one hold.
func scenarioContention(t *T) {
	ids, err := freeSlots(1)
	if err != nil {
		t.fatalf("find slot: %v", err)
		return
	}

	const contenders = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		refused int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, _, err := acquire(ids[0], fmt.Sprintf("contender-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
			case status == http.StatusCreated:
				created++
			case status == http.StatusConflict:
				refused++
			}
		}(i)
	}
	wg.Wait()

	t.check("exactly one hold granted", created == 1)
	t.check("all other contenders refused", refused == contenders-1)

	status, body, err := call(http.MethodGet, "/admin/slots/"+ids[0]+"/verify", nil, adminHeaders())
	if err != nil {
		t.fatalf("verify: %v", err)
		return
	}
	t.check("slot verifies with one active hold", status == http.StatusOK && body["active_holds"] == float64(1))
}

// Release: only the holder may release, and the slot frees immediately.
func scenarioRelease(t *T) {
	ids, err := freeSlots(1)
	if err != nil {
		t.fatalf("find slot: %v", err)
		return
	}
	status, hold, err := acquire(ids[0], "releaser")
	if err != nil || status != http.StatusCreated {
		t.fatalf("acquire: status=%d err=%v", status, err)
		return
	}
	holdID, _ := hold["id"].(string)

	status, _, _ = call(http.MethodDelete, "/holds/"+holdID+"?holder_id=intruder", nil, nil)
	t.check("non-holder release is rejected", status >= 400)

	status, _, _ = call(http.MethodDelete, "/holds/"+holdID+"?holder_id=releaser", nil, nil)
	t.check("holder release succeeds (204)", status == http.StatusNoContent)

	status, _, _ = acquire(ids[0], "next-patient")
	t.check("slot reacquired after release", status == http.StatusCreated)
}

// Webhook replay: a provider callback repeating a settled charge is a no-op.
func scenarioWebhookReplay(t *T) {
	if webhookSecret == "" {
		t.fatalf("PAYMENT_WEBHOOK_SECRET not set")
		return
	}
	ids, err := freeSlots(1)
	if err != nil {
		t.fatalf("find slot: %v", err)
		return
	}
	patient := "webhook-" + uuid.NewString()[:8]
	_, hold, err := acquire(ids[0], patient)
	if err != nil {
		t.fatalf("acquire: %v", err)
		return
	}
	holdID, _ := hold["id"].(string)
	_, booking, err := startBooking(patient, ids[0], holdID)
	if err != nil {
		t.fatalf("start booking: %v", err)
		return
	}
	bookingID, _ := booking["id"].(string)
	_, booking, err = call(http.MethodPost, "/bookings/"+bookingID+"/payment", nil, nil)
	if err != nil {
		t.fatalf("submit payment: %v", err)
		return
	}
	ref, _ := booking["payment_ref"].(string)

	payload, _ := json.Marshal(map[string]any{
		"event_id":        "evt-" + uuid.NewString(),
		"booking_id":      bookingID,
		"kind":            "payment_succeeded",
		"transaction_ref": ref,
		"occurred_at":     time.Now().UTC(),
	})
	post := func() int {
		req, _ := http.NewRequest(http.MethodPost, apiBase+"/webhooks/payments", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(reconcile.SignatureHeader, reconcile.Sign(webhookSecret, payload))
		resp, err := client.Do(req)
		if err != nil {
			return 0
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	first := post()
	t.check("signed webhook accepted", first == http.StatusOK || first == http.StatusAccepted)
	replay := post()
	t.check("replay acknowledged", replay == http.StatusOK || replay == http.StatusAccepted)

	status, got, err := call(http.MethodGet, "/bookings/"+bookingID, nil, nil)
	if err != nil {
		t.fatalf("get booking: %v", err)
		return
	}
	t.check("booking readable", status == http.StatusOK)
	t.check("duplicate success leaves booking confirmed", got["status"] == "confirmed" && got["payment_ref"] == ref)
}

// Admin sweep: the sweep endpoint runs and reports its result.
func scenarioAdminSweep(t *T) {
	status, body, err := call(http.MethodPost, "/admin/sweep", nil, adminHeaders())
	if err != nil {
		t.fatalf("sweep: %v", err)
		return
	}
	t.check("sweep returns 200", status == http.StatusOK)
	_, ok := body["released"]
	t.check("sweep reports released count", ok)

	status, _, _ = call(http.MethodPost, "/admin/sweep", nil, nil)
	t.check("sweep without token is rejected (401)", status == http.StatusUnauthorized)
}

func main() {
	apiBase = os.Getenv("API_BASE_URL")
	jwtSecret := os.Getenv("ADMIN_JWT_SECRET")
	webhookSecret = os.Getenv("PAYMENT_WEBHOOK_SECRET")
	if apiBase == "" || jwtSecret == "" {
		fmt.Fprintln(os.Stderr, "ERROR: API_BASE_URL and ADMIN_JWT_SECRET required")
		os.Exit(1)
	}
	var err error
	if adminToken, err = generateJWT(jwtSecret); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: sign admin token: %v\n", err)
		os.Exit(1)
	}

	scenarios := []scenario{
		{"happy-path", scenarioHappyPath},
		{"contention", scenarioContention},
		{"release", scenarioRelease},
		{"webhook-replay", scenarioWebhookReplay},
		{"admin-sweep", scenarioAdminSweep},
	}

	filter := ""
	if len(os.Args) > 1 {
		filter = os.Args[1]
	}

	totalPassed := 0
	totalFailed := 0
	scenarioResults := make([]string, 0)

	for _, s := range scenarios {
		if filter != "" && s.Name != filter {
			continue
		}

		fmt.Printf("\n========================================\n")
		fmt.Printf("SCENARIO: %s\n", s.Name)
		fmt.Printf("========================================\n")

		t := &T{name: s.Name}
		s.Fn(t)

		totalPassed += t.passed
		totalFailed += t.failed

		status := "ok"
		if t.failed > 0 {
			status = "FAILED"
		}
		scenarioResults = append(scenarioResults, fmt.Sprintf("  %s %s (%d passed, %d failed)", status, s.Name, t.passed, t.failed))
	}

	fmt.Printf("\n========================================\n")
	fmt.Println("SUMMARY")
	fmt.Printf("========================================\n")
	for _, r := range scenarioResults {
		fmt.Println(r)
	}
	fmt.Printf("\nTotal: %d passed, %d failed\n", totalPassed, totalFailed)

	if totalFailed > 0 {
		os.Exit(1)
	}
}
