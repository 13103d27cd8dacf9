package payments

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVelocityRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestVelocityChecker_CheckCharge(t *testing.T) {
	redisClient, _ := newVelocityRedis(t)

	config := DefaultVelocityConfig()
	config.MaxChargesPerPatient = 3
	config.ChargeWindow = time.Hour

	checker := NewVelocityChecker(redisClient, config, nil)
	ctx := context.Background()

	tests := []struct {
		name        string
		patientID   string
		attempts    int
		wantAllowed bool
	}{
		{name: "first attempt allowed", patientID: "patient-1", attempts: 1, wantAllowed: true},
		{name: "at limit allowed", patientID: "patient-2", attempts: 3, wantAllowed: true},
		{name: "over limit blocked", patientID: "patient-3", attempts: 4, wantAllowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var result *VelocityResult
			var err error
			for i := 0; i < tt.attempts; i++ {
				result, err = checker.CheckCharge(ctx, tt.patientID)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantAllowed, result.Allowed)
			assert.Equal(t, tt.attempts, result.CurrentCount)
			if !tt.wantAllowed {
				assert.NotEmpty(t, result.Message)
			}
		})
	}
}

func TestVelocityChecker_WindowExpires(t *testing.T) {
	redisClient, mr := newVelocityRedis(t)

	config := VelocityConfig{MaxChargesPerPatient: 1, ChargeWindow: time.Minute, Enabled: true}
	checker := NewVelocityChecker(redisClient, config, nil)
	ctx := context.Background()

	first, _ := checker.CheckCharge(ctx, "patient-1")
	second, _ := checker.CheckCharge(ctx, "patient-1")
	assert.True(t, first.Allowed)
	assert.False(t, second.Allowed)

	mr.FastForward(2 * time.Minute)
	third, _ := checker.CheckCharge(ctx, "patient-1")
	assert.True(t, third.Allowed)

	require.NoError(t, checker.ResetCharges(ctx, "patient-1"))
	assert.False(t, mr.Exists("velocity:charge:patient-1"))
}

func TestVelocityChecker_RepairsMissingTTL(t *testing.T) {
	redisClient, mr := newVelocityRedis(t)
	require.NoError(t, mr.Set("velocity:charge:patient-9", "2"))

	checker := NewVelocityChecker(redisClient, VelocityConfig{MaxChargesPerPatient: 5, ChargeWindow: 30 * time.Minute, Enabled: true}, nil)
	result, err := checker.CheckCharge(context.Background(), "patient-9")
	require.NoError(t, err)
	assert.Equal(t, 3, result.CurrentCount)
	assert.True(t, result.Allowed)
	assert.Equal(t, 30*time.Minute, mr.TTL("velocity:charge:patient-9"))
}

func TestVelocityChecker_FailsOpenWhenRedisDown(t *testing.T) {
	redisClient, mr := newVelocityRedis(t)
	checker := NewVelocityChecker(redisClient, DefaultVelocityConfig(), nil)
	mr.Close()

	result, err := checker.CheckCharge(context.Background(), "patient-1")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, "velocity check unavailable", result.Message)
}

func TestVelocityChecker_DisabledOrNil(t *testing.T) {
	var nilChecker *VelocityChecker
	result, err := nilChecker.CheckCharge(context.Background(), "patient-1")
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	disabled := NewVelocityChecker(nil, DefaultVelocityConfig(), nil)
	result, err = disabled.CheckCharge(context.Background(), "patient-1")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}
