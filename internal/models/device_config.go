package models

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Thresholds holds the per-attack-type baseline. A zero threshold disables that detector.
type Thresholds struct {
	SYNRate        float64 `json:"synRate" yaml:"synRate" validate:"gte=0"`
	UDPRate        float64 `json:"udpRate" yaml:"udpRate" validate:"gte=0"`
	ICMPRate       float64 `json:"icmpRate" yaml:"icmpRate" validate:"gte=0"`
	NewConnRate    float64 `json:"newConnRate" yaml:"newConnRate" validate:"gte=0"`
	MaxConnections float64 `json:"maxConnections" yaml:"maxConnections" validate:"gte=0"`
	PortScanPorts  float64 `json:"portScanPorts" yaml:"portScanPorts" validate:"gte=0"`
}

// SeverityMultipliers are the multiples of a threshold at which each band starts
type SeverityMultipliers struct {
	Low      float64 `json:"low" yaml:"low" validate:"gt=0"`
	Medium   float64 `json:"medium" yaml:"medium" validate:"gtfield=Low"`
	High     float64 `json:"high" yaml:"high" validate:"gtfield=Medium"`
	Critical float64 `json:"critical" yaml:"critical" validate:"gtfield=High"`
}

// DefaultMultipliers returns the 1x/2x/5x/10x banding
func DefaultMultipliers() SeverityMultipliers {
	return SeverityMultipliers{Low: 1, Medium: 2, High: 5, Critical: 10}
}

// Band maps a metric value against a threshold to a severity
func (m SeverityMultipliers) Band(value, threshold float64) Severity {
	if threshold <= 0 {
		return SeverityNone
	}
	switch {
	case value >= threshold*m.Critical:
		return SeverityCritical
	case value >= threshold*m.High:
		return SeverityHigh
	case value >= threshold*m.Medium:
		return SeverityMedium
	case value >= threshold*m.Low:
		return SeverityLow
	}
	return SeverityNone
}

// BlockDurations maps severities to block durations. Zero falls back to the default duration.
type BlockDurations struct {
	Low      time.Duration `json:"low" yaml:"low" validate:"gte=0"`
	Medium   time.Duration `json:"medium" yaml:"medium" validate:"gte=0"`
	High     time.Duration `json:"high" yaml:"high" validate:"gte=0"`
	Critical time.Duration `json:"critical" yaml:"critical" validate:"gte=0"`
}

// DeviceConfig is the validated, immutable configuration of one monitored device.
// Workers receive it by value and swap it whole on reconfiguration.
type DeviceConfig struct {
	ID                 string `json:"id" validate:"required,max=64,excludesall=/"`
	Name               string `json:"name"`
	Host               string `json:"host" validate:"required"`
	Port               int    `json:"port" validate:"gte=0,lte=65535"`
	UseTLS             bool   `json:"useTls"`
	InsecureSkipVerify bool   `json:"insecureSkipVerify"`
	Username           string `json:"username" validate:"required"`
	CredentialsRef     string `json:"-" validate:"required"`
	Enabled            bool   `json:"enabled"`

	PollInterval time.Duration `json:"pollInterval" validate:"gt=0"`
	CallTimeout  time.Duration `json:"callTimeout" validate:"gt=0"`

	Thresholds           Thresholds          `json:"thresholds"`
	Multipliers          SeverityMultipliers `json:"multipliers"`
	BlockDurations       BlockDurations      `json:"blockDurations"`
	DefaultBlockDuration time.Duration       `json:"defaultBlockDuration" validate:"gt=0"`
	MinBlockSeverity     Severity            `json:"minBlockSeverity" validate:"gte=1,lte=4"`
	Whitelist            []netip.Prefix      `json:"whitelist"`
	AutoMitigate         bool                `json:"autoMitigate"`
	AddressList          string              `json:"addressList" validate:"required"`
	MaxBlocksPerMinute   int                 `json:"maxBlocksPerMinute" validate:"gte=0"`
	Cooldown             time.Duration       `json:"cooldown" validate:"gte=0"`

	MaxFailures int           `json:"maxFailures" validate:"gte=1"`
	BackoffBase time.Duration `json:"backoffBase" validate:"gt=0"`
	BackoffCap  time.Duration `json:"backoffCap" validate:"gtefield=BackoffBase"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared struct validator
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the configuration and returns a descriptive error for the first problems found
func (c DeviceConfig) Validate() error {
	if err := Validator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid device config %q: %s", c.ID, strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid device config %q: %w", c.ID, err)
	}

	t := c.Thresholds
	if t.SYNRate == 0 && t.UDPRate == 0 && t.ICMPRate == 0 && t.NewConnRate == 0 &&
		t.MaxConnections == 0 && t.PortScanPorts == 0 {
		return fmt.Errorf("invalid device config %q: all thresholds are disabled", c.ID)
	}

	for _, p := range c.Whitelist {
		if !p.IsValid() {
			return fmt.Errorf("invalid device config %q: invalid whitelist prefix", c.ID)
		}
	}

	return nil
}

// Whitelisted reports whether addr matches any whitelist entry
func (c DeviceConfig) Whitelisted(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range c.Whitelist {
		if unmapPrefix(p).Contains(addr) {
			return true
		}
	}
	return false
}

// BlockDuration returns the block duration for a severity
func (c DeviceConfig) BlockDuration(s Severity) time.Duration {
	var d time.Duration
	switch s {
	case SeverityLow:
		d = c.BlockDurations.Low
	case SeverityMedium:
		d = c.BlockDurations.Medium
	case SeverityHigh:
		d = c.BlockDurations.High
	case SeverityCritical:
		d = c.BlockDurations.Critical
	}
	if d <= 0 {
		return c.DefaultBlockDuration
	}
	return d
}

// SameEndpoint reports whether two configs address the same device session.
// A change in any of these fields requires a reconnect.
func (c DeviceConfig) SameEndpoint(o DeviceConfig) bool {
	return c.Host == o.Host &&
		c.Port == o.Port &&
		c.UseTLS == o.UseTLS &&
		c.InsecureSkipVerify == o.InsecureSkipVerify &&
		c.Username == o.Username &&
		c.CredentialsRef == o.CredentialsRef
}

// ParsePrefix accepts a bare address or a CIDR prefix
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return unmapPrefix(p.Masked()), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// unmapPrefix turns an IPv4-mapped IPv6 prefix into its IPv4 form. Masking a
// prefix shorter than /96 clears the mapped marker, so only longer prefixes
// are converted.
func unmapPrefix(p netip.Prefix) netip.Prefix {
	if !p.Addr().Is4In6() || p.Bits() < 96 {
		return p
	}
	return netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
}
