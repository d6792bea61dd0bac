package governance

import (
	"strings"
	"time"
)

const (
	executionsPrefix = "governance:executions:"
	tokensPrefix     = "governance:tokens:"

	// KillSwitchKey halts admission of new executions when set to "true".
	KillSwitchKey = "system:kill_switch"
	// ReconciliationStatusKey holds the last reconciler summary.
	ReconciliationStatusKey = "system:reconciliation:status"

	executionsTTL = 24 * time.Hour
	tokensTTL     = 32 * 24 * time.Hour
)

// ExecutionsKey is the daily execution counter for a user.
func ExecutionsKey(userID string, t time.Time) string {
	return executionsPrefix + userID + ":" + t.UTC().Format("2006-01-02")
}

// TokensKey is the monthly token counter for a user.
func TokensKey(userID string, t time.Time) string {
	return tokensPrefix + userID + ":" + t.UTC().Format("2006-01")
}

// parseTokensKey splits governance:tokens:<user>:<YYYY-MM>.
func parseTokensKey(key string) (userID, month string, ok bool) {
	rest, found := strings.CutPrefix(key, tokensPrefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
