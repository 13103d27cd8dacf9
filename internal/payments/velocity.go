package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

// VelocityChecker limits how often a patient may submit payments.
type VelocityChecker struct {
	redis  *redis.Client
	logger *logging.Logger
	config VelocityConfig
}

// VelocityConfig contains velocity check configuration.
type VelocityConfig struct {
	// Max payment submissions per patient per window
	MaxChargesPerPatient int
	ChargeWindow         time.Duration

	Enabled bool
}

// DefaultVelocityConfig returns default velocity limits.
func DefaultVelocityConfig() VelocityConfig {
	return VelocityConfig{
		MaxChargesPerPatient: 5,
		ChargeWindow:         time.Hour,
		Enabled:              true,
	}
}

// VelocityResult contains the result of a velocity check.
type VelocityResult struct {
	Allowed      bool
	CurrentCount int
	MaxAllowed   int
	WindowExpiry time.Time
	Message      string
}

// NewVelocityChecker creates a new velocity checker. A nil client disables
// the check.
func NewVelocityChecker(redisClient *redis.Client, config VelocityConfig, logger *logging.Logger) *VelocityChecker {
	if logger == nil {
		logger = logging.Default()
	}
	return &VelocityChecker{
		redis:  redisClient,
		logger: logger,
		config: config,
	}
}

// CheckCharge counts a payment submission for patientID and reports whether
// it is within the limit. Redis failures fail open.
func (v *VelocityChecker) CheckCharge(ctx context.Context, patientID string) (*VelocityResult, error) {
	ctx, span := paymentsTracer.Start(ctx, "velocity.check_charge")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.patient_id", patientID))

	if v == nil || v.redis == nil || !v.config.Enabled {
		return &VelocityResult{Allowed: true}, nil
	}

	key := chargeVelocityKey(patientID)
	count, expiry, err := v.incrementAndGet(ctx, key, v.config.ChargeWindow)
	if err != nil {
		v.logger.Error("velocity check failed", "error", err, "key", key)
		return &VelocityResult{Allowed: true, Message: "velocity check unavailable"}, nil
	}

	result := &VelocityResult{
		Allowed:      count <= v.config.MaxChargesPerPatient,
		CurrentCount: count,
		MaxAllowed:   v.config.MaxChargesPerPatient,
		WindowExpiry: expiry,
	}
	if !result.Allowed {
		result.Message = fmt.Sprintf("exceeded %d payment attempts in %s", v.config.MaxChargesPerPatient, v.config.ChargeWindow)
		v.logger.Warn("payment velocity exceeded",
			"patient_id", patientID,
			"count", count,
			"max", v.config.MaxChargesPerPatient,
		)
		span.SetAttributes(attribute.Bool("velocity.exceeded", true))
	}
	return result, nil
}

// incrementAndGet counts one submission and returns the new count with the
// window's end. A counter without a TTL gets one, so a lost EXPIRE cannot
// pin a patient at the limit.
func (v *VelocityChecker) incrementAndGet(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	var (
		incr *redis.IntCmd
		pttl *redis.DurationCmd
	)
	if _, err := v.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pttl = pipe.PTTL(ctx, key)
		return nil
	}); err != nil {
		return 0, time.Time{}, err
	}

	ttl := pttl.Val()
	if ttl < 0 {
		if err := v.redis.PExpire(ctx, key, window).Err(); err != nil {
			return 0, time.Time{}, err
		}
		ttl = window
	}
	return int(incr.Val()), time.Now().Add(ttl), nil
}

// ResetCharges clears the counter for a patient (admin use).
func (v *VelocityChecker) ResetCharges(ctx context.Context, patientID string) error {
	return v.redis.Del(ctx, chargeVelocityKey(patientID)).Err()
}

func chargeVelocityKey(patientID string) string {
	return "velocity:charge:" + patientID
}
