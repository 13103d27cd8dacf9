package bootstrap

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/wolfman30/clinic-slot-engine/internal/config"
	"github.com/wolfman30/clinic-slot-engine/internal/notify"
	"github.com/wolfman30/clinic-slot-engine/internal/payments"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

// BuildGateway selects the payment gateway. A configured provider URL wins;
// otherwise the fake gateway is used when allowed or in memory mode.
func BuildGateway(cfg *appconfig.Config, logger *logging.Logger) (payments.Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	if url := strings.TrimSpace(cfg.PaymentProviderURL); url != "" {
		httpGateway := payments.NewHTTPGateway(url, cfg.PaymentProviderKey, logger)
		return payments.NewRetryingGateway(httpGateway, logger), nil
	}
	if cfg.AllowFakePayments || cfg.MemoryMode() {
		logger.Warn("using fake payment gateway", "allow_fake_payments", cfg.AllowFakePayments)
		return payments.NewFakeGateway(logger), nil
	}
	return nil, fmt.Errorf("bootstrap: PAYMENT_PROVIDER_URL is required unless ALLOW_FAKE_PAYMENTS is set")
}

// BuildEmailSender prefers SES, then SendGrid, then logging only.
func BuildEmailSender(cfg *appconfig.Config, ses *sesv2.Client, logger *logging.Logger) notify.EmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg == nil {
		return notify.NewLogSender(logger)
	}

	if ses != nil && strings.TrimSpace(cfg.SESFromEmail) != "" {
		logger.Info("email notifications via ses", "from", cfg.SESFromEmail)
		return notify.NewSESSender(ses, notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	}
	if sg := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger); sg != nil {
		logger.Info("email notifications via sendgrid", "from", cfg.SendGridFromEmail)
		return sg
	}
	logger.Warn("no email provider configured; notifications will only be logged")
	return notify.NewLogSender(logger)
}
