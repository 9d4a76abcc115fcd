package rotation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setKeys(t *testing.T, prefix string, n int) {
	t.Helper()
	names := []string{"one", "two", "three", "four", "five"}
	for i := 1; i <= n; i++ {
		t.Setenv(prefixName(prefix, i), "value_"+names[i-1])
	}
}

func prefixName(prefix string, i int) string {
	return prefix + "_" + string(rune('0'+i))
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Options{EnvPrefix: "ORBIT_TEST_MISSING_KEY"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ORBIT_TEST_MISSING_KEY_1")
}

func TestRoundRobinCycles(t *testing.T) {
	setKeys(t, "ORBIT_TEST_RR_KEY", 3)

	r, err := New(Options{EnvPrefix: "ORBIT_TEST_RR_KEY", QuotaRPD: 100})
	require.NoError(t, err)
	require.Equal(t, 3, r.Size())

	var order []string
	for i := 0; i < 6; i++ {
		cred, err := r.Next()
		require.NoError(t, err)
		order = append(order, cred.Name)
		r.RecordUsage(cred.Name, 1, 0)
	}

	assert.Equal(t, order[0], order[3])
	assert.Equal(t, order[1], order[4])
	assert.Equal(t, order[2], order[5])
	assert.NotEqual(t, order[0], order[1])
}

func TestExhaustionAtSafetyMargin(t *testing.T) {
	setKeys(t, "ORBIT_TEST_EX_KEY", 2)

	r, err := New(Options{
		EnvPrefix:    "ORBIT_TEST_EX_KEY",
		QuotaRPD:     10,
		SafetyMargin: 0.8,
	})
	require.NoError(t, err)

	// floor(10 * 0.8) = 8 requests per credential before failover.
	for i := 0; i < 16; i++ {
		cred, err := r.Next()
		require.NoError(t, err, "request %d should find an available credential", i)
		r.RecordUsage(cred.Name, 1, 0)
	}

	_, err = r.Next()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestDayRolloverResetsCounters(t *testing.T) {
	setKeys(t, "ORBIT_TEST_DAY_KEY", 1)

	now := time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC)
	r, err := New(Options{
		EnvPrefix:     "ORBIT_TEST_DAY_KEY",
		QuotaRPD:      4,
		SafetyMargin:  1.0,
		ResetTimezone: "UTC",
		Now:           func() time.Time { return now },
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		cred, err := r.Next()
		require.NoError(t, err)
		r.RecordUsage(cred.Name, 1, 100)
	}
	_, err = r.Next()
	require.ErrorIs(t, err, ErrExhausted)

	// Advance past midnight in the reset timezone.
	now = now.Add(24 * time.Hour)

	cred, err := r.Next()
	require.NoError(t, err)
	r.RecordUsage(cred.Name, 1, 0)

	stats := r.Stats()
	require.Len(t, stats.Credentials, 1)
	assert.Equal(t, cred.Name, stats.Credentials[0].Name)
	assert.Equal(t, 1, stats.Credentials[0].RequestsToday)
	assert.Equal(t, 0, stats.Credentials[0].TokensToday)
	assert.True(t, stats.Credentials[0].Available)
}

func TestLeastUsedPicksLowest(t *testing.T) {
	setKeys(t, "ORBIT_TEST_LU_KEY", 3)

	r, err := New(Options{
		EnvPrefix: "ORBIT_TEST_LU_KEY",
		Strategy:  LeastUsed,
		QuotaRPD:  100,
	})
	require.NoError(t, err)

	first, err := r.Next()
	require.NoError(t, err)
	r.RecordUsage(first.Name, 5, 0)

	second, err := r.Next()
	require.NoError(t, err)
	assert.NotEqual(t, first.Name, second.Name)
}

func TestSwitchesCountCredentialChangesOnly(t *testing.T) {
	setKeys(t, "ORBIT_TEST_SW_KEY", 2)

	r, err := New(Options{EnvPrefix: "ORBIT_TEST_SW_KEY", QuotaRPD: 100})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := r.Next()
		require.NoError(t, err)
	}

	// k1 k2 k1 k2: three actual changes, the first issue is not a switch.
	assert.Equal(t, 3, r.Stats().Switches)
}

func TestSingleCredentialNeverSwitches(t *testing.T) {
	setKeys(t, "ORBIT_TEST_ONE_KEY", 1)

	r, err := New(Options{EnvPrefix: "ORBIT_TEST_ONE_KEY", QuotaRPD: 100})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := r.Next()
		require.NoError(t, err)
	}

	assert.Zero(t, r.Stats().Switches)
}

func TestReissueAfterSkippingExhaustedIsNotASwitch(t *testing.T) {
	setKeys(t, "ORBIT_TEST_SKIP_KEY", 2)

	r, err := New(Options{
		EnvPrefix:    "ORBIT_TEST_SKIP_KEY",
		QuotaRPD:     10,
		SafetyMargin: 1.0,
	})
	require.NoError(t, err)

	first, err := r.Next()
	require.NoError(t, err)

	// Exhaust the other credential so the cursor skips it and lands back
	// on the one just issued.
	for _, c := range r.Stats().Credentials {
		if c.Name != first.Name {
			r.RecordUsage(c.Name, 10, 0)
		}
	}

	again, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, first.Name, again.Name)
	assert.Zero(t, r.Stats().Switches)
}

func TestSecretPairing(t *testing.T) {
	t.Setenv("ORBIT_TEST_PAIR_KEY_1", "key-value")
	t.Setenv("ORBIT_TEST_PAIR_SECRET_1", "secret-value")

	r, err := New(Options{EnvPrefix: "ORBIT_TEST_PAIR_KEY"})
	require.NoError(t, err)

	cred, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "key-value", cred.Value)
	assert.Equal(t, "secret-value", cred.Secret)
}
