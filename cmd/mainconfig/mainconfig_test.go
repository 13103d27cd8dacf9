package mainconfig

import (
	"context"
	"testing"

	appconfig "github.com/wolfman30/clinic-slot-engine/internal/config"
)

func TestNeedsAWS(t *testing.T) {
	if NeedsAWS(&appconfig.Config{}) {
		t.Fatalf("expected no AWS features by default")
	}
	if !NeedsAWS(&appconfig.Config{PaymentResultQueueURL: "http://localhost:4566/000000000000/payment-results"}) {
		t.Fatalf("expected queue url to require AWS")
	}
	if !NeedsAWS(&appconfig.Config{IdempotencyTable: "clinic-idempotency"}) {
		t.Fatalf("expected idempotency table to require AWS")
	}
}

func TestLoadAWSConfigWithStaticCredentials(t *testing.T) {
	cfg := &appconfig.Config{
		AWSRegion:           "us-east-1",
		AWSAccessKeyID:      "test",
		AWSSecretAccessKey:  "test",
		AWSEndpointOverride: "http://localhost:4566",
	}
	awsCfg, err := LoadAWSConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if awsCfg.Region != "us-east-1" {
		t.Fatalf("expected region us-east-1, got %s", awsCfg.Region)
	}
	creds, err := awsCfg.Credentials.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("retrieve credentials: %v", err)
	}
	if creds.AccessKeyID != "test" {
		t.Fatalf("expected static credentials, got %q", creds.AccessKeyID)
	}
	if awsCfg.EndpointResolverWithOptions == nil {
		t.Fatalf("expected endpoint override resolver")
	}
}
