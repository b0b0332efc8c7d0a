package process

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/sirupsen/logrus"
)

type config struct {
	eofGrace        time.Duration
	killCheckPeriod time.Duration
	killGrace       time.Duration
	teardownBudget  time.Duration
	logger          *logrus.Logger
	escalationLimit map[time.Duration]int
}

// Option configures a Supervisor.
type Option interface{ apply(*config) }

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// WithEOFGrace overrides the default 50ms grace period between a reaped
// child and firing its exit callback, during which already-buffered
// stdout/stderr bytes may still be delivered.
func WithEOFGrace(d time.Duration) Option {
	return optionFunc(func(c *config) { c.eofGrace = d })
}

// WithKillGrace overrides the TERM-to-KILL escalation grace period.
func WithKillGrace(d time.Duration) Option {
	return optionFunc(func(c *config) { c.killGrace = d })
}

// WithKillCheckPeriod overrides how often the supervisor scans stopped
// children for escalation eligibility.
func WithKillCheckPeriod(d time.Duration) Option {
	return optionFunc(func(c *config) { c.killCheckPeriod = d })
}

// WithTeardownBudget bounds Supervisor.Teardown's total wait for all
// children to exit before abandoning the remainder with an error log.
func WithTeardownBudget(d time.Duration) Option {
	return optionFunc(func(c *config) { c.teardownBudget = d })
}

// WithLogger installs a concrete logrus logger; the default discards all
// output.
func WithLogger(l *logrus.Logger) Option {
	return optionFunc(func(c *config) { c.logger = l })
}

// WithEscalationRateLimit bounds how often escalation warnings are logged
// per process, via go-catrate; the default permits one warning per process
// per 10 seconds.
func WithEscalationRateLimit(rates map[time.Duration]int) Option {
	return optionFunc(func(c *config) { c.escalationLimit = rates })
}

func resolveConfig(opts []Option) *config {
	c := &config{
		eofGrace:        50 * time.Millisecond,
		killCheckPeriod: 200 * time.Millisecond,
		killGrace:       3 * time.Second,
		teardownBudget:  10 * time.Second,
		escalationLimit: map[time.Duration]int{10 * time.Second: 1},
	}
	for _, o := range opts {
		o.apply(c)
	}
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.SetOutput(noopWriter{})
	}
	return c
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newEscalationLimiter(rates map[time.Duration]int) *catrate.Limiter {
	if len(rates) == 0 {
		rates = map[time.Duration]int{10 * time.Second: 1}
	}
	return catrate.NewLimiter(rates)
}
