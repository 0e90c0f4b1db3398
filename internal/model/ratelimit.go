package model

// RateLimitConfig bounds how much work one client may create.
// A zero field means "not set" and falls through to the next level
// (client override -> global -> built-in default).
type RateLimitConfig struct {
	MaxRequestsPerMinute  int `json:"max_requests_per_minute"`
	MaxConcurrentRequests int `json:"max_concurrent_requests"`
}

// Rejection reasons returned by the admission gate.
const (
	ReasonRate       = "rate"
	ReasonConcurrent = "concurrent"
)
