package config

import "time"

// Seat policies applied when a purchased class has no seats left.
const (
	SeatPolicyReject = "reject"
	SeatPolicyClamp  = "clamp"
)

// CheckoutConfig tunes the checkout workflow.
type CheckoutConfig struct {
	SeatPolicy  string
	MaxAttempts int
	Timeout     time.Duration
}

func LoadCheckoutConfig() CheckoutConfig {
	cfg := CheckoutConfig{
		SeatPolicy:  envStr("SEAT_POLICY", SeatPolicyReject),
		MaxAttempts: envInt("CHECKOUT_MAX_ATTEMPTS", 3),
		Timeout:     envDur("CHECKOUT_TIMEOUT", 15*time.Second),
	}
	if cfg.SeatPolicy != SeatPolicyClamp {
		cfg.SeatPolicy = SeatPolicyReject
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return cfg
}
