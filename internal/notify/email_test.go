package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

func TestNewSendGridSender_NilWithoutAPIKey(t *testing.T) {
	sender := NewSendGridSender(SendGridConfig{FromEmail: "scheduling@example.com"}, nil)
	if sender != nil {
		t.Error("expected nil sender when API key is empty")
	}
}

func TestNewSendGridSender_DefaultFromName(t *testing.T) {
	sender := NewSendGridSender(SendGridConfig{APIKey: "test-key", FromEmail: "scheduling@example.com"}, nil)
	if sender == nil {
		t.Fatal("expected non-nil sender")
	}
	if sender.fromName != defaultFromName {
		t.Errorf("expected default from name %q, got %q", defaultFromName, sender.fromName)
	}
}

type fakeSendGrid struct {
	status int
	err    error
	last   *mail.SGMailV3
}

func (f *fakeSendGrid) SendWithContext(_ context.Context, email *mail.SGMailV3) (*sendGridResponse, error) {
	f.last = email
	if f.err != nil {
		return nil, f.err
	}
	return &sendGridResponse{StatusCode: f.status}, nil
}

func TestSendGridSender_Send(t *testing.T) {
	client := &fakeSendGrid{status: 202}
	sender := newSendGridSender(client, SendGridConfig{FromEmail: "scheduling@example.com"}, nil)

	err := sender.Send(context.Background(), EmailMessage{To: "patient@example.com", Subject: "Confirmed", Body: "See you soon"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.last == nil || client.last.Subject != "Confirmed" {
		t.Fatalf("expected message to be passed to client, got %+v", client.last)
	}

	client.status = 500
	if err := sender.Send(context.Background(), EmailMessage{To: "patient@example.com"}); err == nil {
		t.Error("expected error on 5xx status")
	}

	client.err = errors.New("dial tcp: timeout")
	if err := sender.Send(context.Background(), EmailMessage{To: "patient@example.com"}); err == nil {
		t.Error("expected error when client fails")
	}
}

func TestSendGridSender_Send_NilClient(t *testing.T) {
	var sender *SendGridSender
	if err := sender.Send(context.Background(), EmailMessage{To: "patient@example.com"}); err == nil {
		t.Error("expected error when sender is not configured")
	}
}

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESSender_Send(t *testing.T) {
	client := &fakeSES{}
	sender := NewSESSender(client, SESConfig{FromEmail: "scheduling@example.com"}, nil)

	err := sender.Send(context.Background(), EmailMessage{To: "patient@example.com", Subject: "Confirmed", Body: "plain"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := aws.ToString(client.input.FromEmailAddress); got != "Clinic Scheduling <scheduling@example.com>" {
		t.Errorf("unexpected from address %q", got)
	}
	if client.input.Content.Simple.Body.Html != nil {
		t.Error("html body should be omitted when empty")
	}
	if got := aws.ToString(client.input.Content.Simple.Body.Text.Data); got != "plain" {
		t.Errorf("unexpected text body %q", got)
	}

	client.err = errors.New("throttled")
	if err := sender.Send(context.Background(), EmailMessage{To: "patient@example.com"}); err == nil {
		t.Error("expected error when SES fails")
	}
}

func TestLogSender_Send(t *testing.T) {
	if err := NewLogSender(nil).Send(context.Background(), EmailMessage{To: "patient@example.com"}); err != nil {
		t.Errorf("log sender should not return error, got: %v", err)
	}
}
