package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/clinic-slot-engine/internal/events"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

// Recipient is a patient contact.
type Recipient struct {
	ID    string
	Name  string
	Email string
}

// Directory resolves a recipient id to a contact.
type Directory interface {
	Lookup(ctx context.Context, recipientID string) (Recipient, bool, error)
}

// StaticDirectory is an in-memory Directory. Ids that are themselves email
// addresses resolve to that address.
type StaticDirectory struct {
	mu         sync.RWMutex
	recipients map[string]Recipient
}

func NewStaticDirectory(recipients ...Recipient) *StaticDirectory {
	d := &StaticDirectory{recipients: make(map[string]Recipient)}
	for _, r := range recipients {
		d.recipients[r.ID] = r
	}
	return d
}

func (d *StaticDirectory) Put(r Recipient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recipients[r.ID] = r
}

func (d *StaticDirectory) Lookup(_ context.Context, recipientID string) (Recipient, bool, error) {
	d.mu.RLock()
	r, ok := d.recipients[recipientID]
	d.mu.RUnlock()
	if ok {
		return r, true, nil
	}
	if strings.Contains(recipientID, "@") {
		return Recipient{ID: recipientID, Email: recipientID}, true, nil
	}
	return Recipient{}, false, nil
}

// Service renders booking lifecycle notifications and emails them.
type Service struct {
	email     EmailSender
	directory Directory
	logger    *logging.Logger
}

func NewService(email EmailSender, directory Directory, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if email == nil {
		email = NewLogSender(logger)
	}
	if directory == nil {
		directory = NewStaticDirectory()
	}
	return &Service{email: email, directory: directory, logger: logger}
}

// Notify sends the notification synchronously. Unknown recipients and
// events without a template are skipped.
func (s *Service) Notify(ctx context.Context, recipientID, event string, payload map[string]any) error {
	subject, body, ok := render(event, payload)
	if !ok {
		s.logger.Debug("notify: no template for event", "event", event)
		return nil
	}
	r, found, err := s.directory.Lookup(ctx, recipientID)
	if err != nil {
		return fmt.Errorf("notify: lookup recipient: %w", err)
	}
	if !found || r.Email == "" {
		s.logger.Debug("notify: recipient has no email, skipping", "recipient_id", recipientID, "event", event)
		return nil
	}
	if err := s.email.Send(ctx, EmailMessage{To: r.Email, ToName: r.Name, Subject: subject, Body: body}); err != nil {
		return fmt.Errorf("notify: send %s: %w", event, err)
	}
	return nil
}

// Handle is the outbox route for notification.v1.
func (s *Service) Handle(ctx context.Context, entry events.OutboxEntry) error {
	var evt events.NotificationV1
	if err := entry.Decode(&evt); err != nil {
		return err
	}
	return s.Notify(ctx, evt.RecipientID, evt.Event, evt.Payload)
}

func render(event string, payload map[string]any) (string, string, bool) {
	when := formatStart(payload["starts_at"])
	bookingID := stringField(payload, "booking_id")
	switch event {
	case "booking.confirmed":
		return "Your consultation is confirmed",
			fmt.Sprintf("Your consultation on %s is confirmed.\nBooking reference: %s", when, bookingID), true
	case "booking.expired":
		return "Your reservation expired",
			fmt.Sprintf("The slot on %s was released because the reservation expired before payment.\nYou can pick a new time at any point.", when), true
	case "booking.failed":
		text := fmt.Sprintf("We could not complete your booking for %s.\nBooking reference: %s", when, bookingID)
		if stringField(payload, "failure_reason") == "HoldExpiredDuringPayment" {
			text += "\nYour payment arrived after the reservation lapsed and will be refunded in full."
		}
		return "We could not complete your booking", text, true
	case "booking.cancelled":
		return "Your booking was cancelled",
			fmt.Sprintf("Your booking for %s was cancelled.\nBooking reference: %s", when, bookingID), true
	default:
		return "", "", false
	}
}

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// formatStart accepts a time.Time or its JSON string form, which is what
// remains after an outbox round trip.
func formatStart(v any) string {
	const layout = "Monday, January 2 at 3:04 PM MST"
	switch t := v.(type) {
	case time.Time:
		return t.Format(layout)
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.Format(layout)
		}
		return t
	default:
		return "your scheduled time"
	}
}

// OutboxNotifier defers notifications to the outbox so a slow email
// provider never holds up a booking transition.
type OutboxNotifier struct {
	outbox events.Outbox
	now    func() time.Time
}

func NewOutboxNotifier(outbox events.Outbox) *OutboxNotifier {
	if outbox == nil {
		panic("notify: outbox required")
	}
	return &OutboxNotifier{outbox: outbox, now: time.Now}
}

func (n *OutboxNotifier) Notify(ctx context.Context, recipientID, event string, payload map[string]any) error {
	evt := events.NotificationV1{
		RecipientID: recipientID,
		Event:       event,
		Payload:     payload,
		OccurredAt:  n.now().UTC(),
	}
	var dedup string
	if id := stringField(payload, "booking_id"); id != "" {
		dedup = "notify:" + event + ":" + id
	}
	if _, err := n.outbox.Enqueue(ctx, evt, dedup); err != nil {
		return fmt.Errorf("notify: enqueue %s: %w", event, err)
	}
	return nil
}
