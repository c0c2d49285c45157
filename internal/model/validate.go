package model

import (
	"fmt"
	"net/url"
	"strconv"
)

// MaxSecretBytes is the longest secret a subscriber may register.
const MaxSecretBytes = 199

// LeaseBounds carries a topic's lease window. Invariant: Min <= Preferred <= Max.
type LeaseBounds struct {
	Preferred int
	Min       int
	Max       int
}

// Validate checks the lease window invariant.
func (b LeaseBounds) Validate() error {
	if b.Min < 0 || b.Preferred < 0 || b.Max < 0 {
		return fmt.Errorf("lease seconds must be non-negative (min=%d preferred=%d max=%d)", b.Min, b.Preferred, b.Max)
	}
	if b.Min > b.Preferred || b.Preferred > b.Max {
		return fmt.Errorf("lease window must satisfy min <= preferred <= max (min=%d preferred=%d max=%d)", b.Min, b.Preferred, b.Max)
	}
	return nil
}

// ClampLeaseSeconds resolves a requested lease against the bounds.
// An absent or non-numeric request falls back to Preferred; out-of-window
// values are clamped with a warning message returned for the ingress reply.
func (b LeaseBounds) ClampLeaseSeconds(raw string) (seconds int, warning string) {
	if raw == "" {
		return b.Preferred, ""
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return b.Preferred, fmt.Sprintf("hub.lease_seconds %q is not a non-negative integer, using preferred %d", raw, b.Preferred)
	}
	if n < b.Min {
		return b.Min, fmt.Sprintf("hub.lease_seconds %d below minimum, clamped to %d", n, b.Min)
	}
	if n > b.Max {
		return b.Max, fmt.Sprintf("hub.lease_seconds %d above maximum, clamped to %d", n, b.Max)
	}
	return n, ""
}

// ValidateAbsoluteHTTPURL checks that raw is an absolute http(s) URL.
func ValidateAbsoluteHTTPURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %v", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an absolute http or https URL", field)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must have a host", field)
	}
	return nil
}

// IsSecureURL reports whether raw uses https. Callers warn (or reject under
// strict mode) when a secret rides an insecure callback.
func IsSecureURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme == "https"
}

// ValidateSecret enforces the secret length cap.
func ValidateSecret(secret []byte) error {
	if len(secret) > MaxSecretBytes {
		return fmt.Errorf("hub.secret exceeds %d bytes", MaxSecretBytes)
	}
	return nil
}
