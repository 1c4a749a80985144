// Package config loads the declarative monitor configuration from a
// line-oriented env file and computes differential reloads against the
// running state.
package config

import (
	"errors"
	"time"

	"github.com/oamwatch/oamwatch/monitor/codes"
)

var (
	// ErrDuplicateCode is fatal at start-up and never downgraded to a warning.
	ErrDuplicateCode = errors.New("config: duplicate code")
	ErrMalformed     = errors.New("config: malformed value")
	ErrMissingField  = errors.New("config: missing required field")
)

// CodeSpec is one declared monitoring target.
type CodeSpec struct {
	Code      string           `json:"code"`
	QueryType codes.QueryType  `json:"query_type"`
	Secondary *codes.Secondary `json:"secondary,omitempty"`
	Channel   string           `json:"channel"`
	Target    string           `json:"target,omitempty"`
	// FreqMinutes is nil when the spec inherits DEFAULT_FREQ_MINUTES.
	FreqMinutes *int   `json:"freq_minutes,omitempty"`
	Note        string `json:"note,omitempty"`
}

// SMTP holds relay credentials.
type SMTP struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// Config is the full declared configuration.
type Config struct {
	Headless             bool
	SiteDir              string
	LogDir               string
	Serve                bool
	SitePort             int
	DefaultFreqMinutes   int
	Workers              int
	SMTP                 SMTP
	EmailMaxPerMinute    int
	EmailFirstCheckDelay time.Duration
	Specs                []CodeSpec
}

// Default returns a Config with every documented default applied.
func Default() *Config {
	return &Config{
		Headless:             true,
		SiteDir:              "site",
		LogDir:               "logs/monitor",
		Serve:                false,
		SitePort:             8000,
		DefaultFreqMinutes:   60,
		Workers:              1,
		EmailMaxPerMinute:    10,
		EmailFirstCheckDelay: 30 * time.Second,
	}
}

// SpecByCode indexes the declared specs.
func (c *Config) SpecByCode() map[string]CodeSpec {
	out := make(map[string]CodeSpec, len(c.Specs))
	for _, sp := range c.Specs {
		out[sp.Code] = sp
	}
	return out
}

// EffectiveFreq resolves a spec's polling frequency in minutes.
func (c *Config) EffectiveFreq(sp CodeSpec) int {
	if sp.FreqMinutes != nil && *sp.FreqMinutes > 0 {
		return *sp.FreqMinutes
	}
	return c.DefaultFreqMinutes
}
