// Package rotation manages a pool of numbered API credentials with daily
// quota tracking and failover.
package rotation

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"orbit/internal/domain"
	"orbit/internal/ports"
)

// ErrExhausted reports that every credential has reached its safety-margin
// quota for the current period. Callers in the batch-scoring path substitute
// neutral results instead of aborting the run.
var ErrExhausted = errors.New("all credentials exhausted")

// Strategy selects how the next credential is picked.
type Strategy string

const (
	RoundRobin Strategy = "round_robin"
	LeastUsed  Strategy = "least_used"
)

const maxCredentials = 5

// Options configures a Rotator.
type Options struct {
	// EnvPrefix is the numbered variable prefix, e.g. "GEMINI_API_KEY"
	// loads GEMINI_API_KEY_1..GEMINI_API_KEY_5. A paired secret, when the
	// service uses one, is read from the same name with KEY replaced by
	// SECRET.
	EnvPrefix     string
	Strategy      Strategy
	QuotaRPD      int
	SafetyMargin  float64
	ResetTimezone string
	// Now overrides the clock; tests use it to simulate day rollover.
	Now func() time.Time
}

// Rotator owns the credential pool. All state is guarded by a single mutex
// so quota checks and usage increments stay atomic across workers.
type Rotator struct {
	mu sync.Mutex

	strategy     Strategy
	quotaRPD     int
	safetyMargin float64
	resetLoc     *time.Location
	now          func() time.Time

	creds      []*domain.Credential
	current    int
	lastIssued string

	totalRequests int
	totalTokens   int
	switches      int
}

var _ ports.CredentialProvider = (*Rotator)(nil)

// New loads credentials from numbered environment variables. It fails fast
// with the exact expected names when none are present.
func New(opts Options) (*Rotator, error) {
	if opts.Strategy == "" {
		opts.Strategy = RoundRobin
	}
	if opts.SafetyMargin <= 0 || opts.SafetyMargin > 1 {
		opts.SafetyMargin = 0.95
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	loc, err := time.LoadLocation(resetTimezoneOrDefault(opts.ResetTimezone))
	if err != nil {
		return nil, fmt.Errorf("reset timezone %s: %w", opts.ResetTimezone, err)
	}

	var creds []*domain.Credential
	for i := 1; i <= maxCredentials; i++ {
		name := fmt.Sprintf("%s_%d", opts.EnvPrefix, i)
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			continue
		}
		creds = append(creds, &domain.Credential{
			Name:   name,
			Value:  value,
			Secret: strings.TrimSpace(os.Getenv(secretName(name))),
		})
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf(
			"no credentials found for prefix %q: set %s_1 (up to %s_%d) in the environment or .env",
			opts.EnvPrefix, opts.EnvPrefix, opts.EnvPrefix, maxCredentials,
		)
	}

	return &Rotator{
		strategy:     opts.Strategy,
		quotaRPD:     opts.QuotaRPD,
		safetyMargin: opts.SafetyMargin,
		resetLoc:     loc,
		now:          opts.Now,
		creds:        creds,
	}, nil
}

// Size reports how many credentials were loaded.
func (r *Rotator) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.creds)
}

// Next returns an available credential or ErrExhausted when the whole pool
// has hit floor(quota * safetyMargin) for the current period. A switch is
// counted only when the issued credential differs from the previous one.
func (r *Rotator) Next() (domain.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resetAllIfNewDay()

	var cred domain.Credential
	var err error
	switch r.strategy {
	case LeastUsed:
		cred, err = r.nextLeastUsed()
	default:
		cred, err = r.nextRoundRobin()
	}
	if err != nil {
		return domain.Credential{}, err
	}

	if r.lastIssued != "" && r.lastIssued != cred.Name {
		r.switches++
	}
	r.lastIssued = cred.Name
	return cred, nil
}

func (r *Rotator) nextRoundRobin() (domain.Credential, error) {
	for range r.creds {
		cred := r.creds[r.current]
		r.current = (r.current + 1) % len(r.creds)

		if r.available(cred) {
			return *cred, nil
		}
	}
	return domain.Credential{}, r.exhausted()
}

func (r *Rotator) nextLeastUsed() (domain.Credential, error) {
	var pick *domain.Credential
	for _, cred := range r.creds {
		if !r.available(cred) {
			continue
		}
		if pick == nil || cred.RequestsToday < pick.RequestsToday {
			pick = cred
		}
	}
	if pick == nil {
		return domain.Credential{}, r.exhausted()
	}
	return *pick, nil
}

func (r *Rotator) exhausted() error {
	return fmt.Errorf(
		"%w: %d credential(s) at %d RPD quota, counters reset after midnight %s",
		ErrExhausted, len(r.creds), r.quotaRPD, r.resetLoc,
	)
}

// RecordUsage increments counters for the named credential.
func (r *Rotator) RecordUsage(name string, requests, tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cred := range r.creds {
		if cred.Name == name {
			cred.RequestsToday += requests
			cred.TokensToday += tokens
			cred.LastUsedAt = r.now().UTC()
			break
		}
	}
	r.totalRequests += requests
	r.totalTokens += tokens
}

// CredentialStats is a usage snapshot for one credential.
type CredentialStats struct {
	Name          string
	RequestsToday int
	TokensToday   int
	Available     bool
}

// Stats is the observability snapshot across the pool.
type Stats struct {
	TotalRequests int
	TotalTokens   int
	Switches      int
	Strategy      Strategy
	Credentials   []CredentialStats
}

// Stats returns per-credential usage for observability.
func (r *Rotator) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resetAllIfNewDay()

	out := Stats{
		TotalRequests: r.totalRequests,
		TotalTokens:   r.totalTokens,
		Switches:      r.switches,
		Strategy:      r.strategy,
	}
	for _, cred := range r.creds {
		out.Credentials = append(out.Credentials, CredentialStats{
			Name:          cred.Name,
			RequestsToday: cred.RequestsToday,
			TokensToday:   cred.TokensToday,
			Available:     r.available(cred),
		})
	}
	return out
}

// available must be called with the mutex held.
func (r *Rotator) available(cred *domain.Credential) bool {
	r.resetIfNewDay(cred)
	if r.quotaRPD <= 0 {
		return true
	}
	limit := int(float64(r.quotaRPD) * r.safetyMargin)
	return cred.RequestsToday < limit
}

// resetIfNewDay resets usage counters when the local calendar date in the
// reset timezone has advanced, not when process uptime suggests it.
func (r *Rotator) resetIfNewDay(cred *domain.Credential) {
	today := r.now().In(r.resetLoc).Format("2006-01-02")
	if cred.LastResetDate != today {
		cred.RequestsToday = 0
		cred.TokensToday = 0
		cred.LastResetDate = today
	}
}

func (r *Rotator) resetAllIfNewDay() {
	for _, cred := range r.creds {
		r.resetIfNewDay(cred)
	}
}

func secretName(keyName string) string {
	if strings.Contains(keyName, "KEY") {
		return strings.Replace(keyName, "KEY", "SECRET", 1)
	}
	return keyName + "_SECRET"
}

func resetTimezoneOrDefault(tz string) string {
	if tz == "" {
		return "US/Pacific"
	}
	return tz
}
