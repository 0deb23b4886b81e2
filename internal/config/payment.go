package config

import "time"

// PaymentConfig configures the card-payment provider client.  An empty
// SecretKey leaves the provider unconfigured: intent creation then fails
// and checkout cannot verify intents.
type PaymentConfig struct {
	SecretKey     string
	BaseURL       string
	Currency      string
	MethodTypes   []string
	VerifyIntents bool // require a succeeded payment intent before recording a checkout
	Timeout       time.Duration
}

func LoadPaymentConfig() PaymentConfig {
	key := envStr("STRIPE_SECRET_KEY", "")
	return PaymentConfig{
		SecretKey:     key,
		BaseURL:       envStr("STRIPE_BASE_URL", "https://api.stripe.com"),
		Currency:      envStr("PAYMENT_CURRENCY", "usd"),
		MethodTypes:   envList("PAYMENT_METHOD_TYPES", "card"),
		VerifyIntents: envBool("PAYMENT_VERIFY_INTENTS", key != ""),
		Timeout:       envDur("PAYMENT_TIMEOUT", 10*time.Second),
	}
}
