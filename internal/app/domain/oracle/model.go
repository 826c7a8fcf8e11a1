// Package oracle defines the value types shared by the price oracle
// engine and its storage and transport layers.
package oracle

import (
	"time"

	"github.com/holiman/uint256"
)

// PriceDecimals is the canonical fixed-point scale. All stored and
// compared prices carry 18 decimal places.
const PriceDecimals = 18

// MaxSourceDecimals bounds the exponent accepted from upstream feeds.
const MaxSourceDecimals = 77

// PriceRecord holds the committed price state for one asset.
type PriceRecord struct {
	Asset         string
	Price         *uint256.Int
	LastUpdated   time.Time
	Active        bool
	LastKnownGood *uint256.Int
	UpdateCount   uint64
}

// BreakerState is the per-asset circuit breaker latch.
type BreakerState struct {
	Triggered        bool
	TriggerTime      time.Time
	TripDeviationBps uint64
}

// ConvergenceState tracks a stepped price transition in progress.
// Target and Step are nil when no convergence is scheduled.
type ConvergenceState struct {
	Target *uint256.Int
	Step   *uint256.Int
}

// InProgress reports whether a convergence is pending.
func (c ConvergenceState) InProgress() bool {
	return c.Target != nil && !c.Target.IsZero()
}

// SourceConfig describes the routed sources for one asset. Names refer
// to sources registered with the service; FeedID is an optional
// external identifier passed through to push-based feeds.
type SourceConfig struct {
	Primary string
	Backup  string
	FeedID  string
}

// EmergencyState records the human override latch.
type EmergencyState struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// DeviationClass is the result of comparing a candidate price against
// the stored one.
type DeviationClass int

const (
	// FirstPrice means the asset had no prior price; the candidate is
	// accepted unconditionally.
	FirstPrice DeviationClass = iota
	// Normal deviations commit directly.
	Normal
	// Moderate deviations trip the circuit breaker unless a backup
	// source vouches for the move.
	Moderate
	// Extreme deviations are applied gradually via convergence.
	Extreme
)

func (d DeviationClass) String() string {
	switch d {
	case FirstPrice:
		return "first_price"
	case Normal:
		return "normal"
	case Moderate:
		return "moderate"
	case Extreme:
		return "extreme"
	default:
		return "unknown"
	}
}

// Config holds the process-wide, administratively mutable settings.
type Config struct {
	MaxPriceAge                  time.Duration
	StalenessCheckEnabled        bool
	DeviationThresholdBps        uint64
	ExtremeDeviationThresholdBps uint64
	CircuitBreakerEnabled        bool
	CircuitBreakerCooldown       time.Duration
	MaxConvergenceSteps          uint64
	FreshCacheWindow             time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxPriceAge:                  time.Hour,
		StalenessCheckEnabled:        false,
		DeviationThresholdBps:        1000,
		ExtremeDeviationThresholdBps: 2000,
		CircuitBreakerEnabled:        true,
		CircuitBreakerCooldown:       time.Hour,
		MaxConvergenceSteps:          10,
		FreshCacheWindow:             30 * time.Second,
	}
}

// PriceData is the diagnostic read view exposed to collaborators.
type PriceData struct {
	Asset       string       `json:"asset"`
	Price       *uint256.Int `json:"-"`
	PriceText   string       `json:"price"`
	LastUpdated time.Time    `json:"last_updated"`
	Age         uint64       `json:"age_seconds"`
	Active      bool         `json:"active"`
	UpdateCount uint64       `json:"update_count"`
	BreakerOpen bool         `json:"breaker_open"`
	Converging  bool         `json:"converging"`
}

// Snapshot captures one accepted commit for the diagnostic history.
// Price is the canonical 18-decimal value in base-10 text so the exact
// integer survives every storage backend.
type Snapshot struct {
	ID           string    `json:"id"`
	Asset        string    `json:"asset"`
	Price        string    `json:"price"`
	Source       string    `json:"source"`
	Class        string    `json:"class"`
	DeviationBps uint64    `json:"deviation_bps"`
	CollectedAt  time.Time `json:"collected_at"`
	CreatedAt    time.Time `json:"created_at"`
}
