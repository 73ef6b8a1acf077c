package policy

import (
	"strings"

	"github.com/polisai/polis-safety/pkg/domain"
)

// FailureMode decides what an unavailable detector means for the outcome.
type FailureMode string

const (
	// FailClosed treats an unavailable detector as having found nothing.
	FailClosed FailureMode = "closed"
	// FailBlock blocks the text whenever any detector is unavailable.
	FailBlock FailureMode = "block"
)

// ParseFailureMode normalises s. An empty string selects FailClosed.
func ParseFailureMode(s string) (FailureMode, error) {
	switch mode := FailureMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case "", "fail-closed":
		return FailClosed, nil
	case FailClosed, FailBlock:
		return mode, nil
	case "fail-block":
		return FailBlock, nil
	default:
		return "", domain.InvalidConfig("fail_mode", "unsupported failure mode %q", s)
	}
}
