package config

import (
	"os"
	"strings"
)

// StrictLeftoverRejection turns excess supply from a warning into a hard
// submit rejection: when enabled, a transfer line whose quantity exceeds
// what the open work orders can absorb fails the whole document instead of
// posting with an unallocated remainder.
//
// Set via env:
// - STRICT_LEFTOVER_REJECT=true
func StrictLeftoverRejection() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_LEFTOVER_REJECT")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
