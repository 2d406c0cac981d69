// Package core implements the deterministic rollout evaluator: pure functions
// that decide, per user and per flag, whether a flag is on. Bucketing is a
// stable hash of the (user, flag) pair, so decisions are identical across
// calls, processes, and restarts, and uncorrelated between flags.
package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// keySeparator joins the user ID and flag name before hashing. It is part of
// the bucketing contract: changing it reassigns every user's bucket.
const keySeparator = ":"

// Bucket maps a (user, flag) pair to a stable position in [0, 100).
//
// The value is the first four bytes of SHA-256("userID:flagName"), read as a
// big-endian uint32 and scaled into the percentage range. The 32-bit prefix
// keeps the distribution smooth near percentage boundaries, and hashing the
// flag name alongside the user ID keeps a user's buckets uncorrelated across
// flags.
func Bucket(userID, flagName string) float64 {
	digest := sha256.Sum256([]byte(userID + keySeparator + flagName))
	prefix := binary.BigEndian.Uint32(digest[:4])
	return float64(prefix) / (1 << 32) * 100
}

// IsEnabled decides whether flag is active for the given user.
//
// A disabled flag is off for everyone regardless of rollout percentage. An
// enabled flag without a rollout percentage is on for everyone. Otherwise the
// user is in the rollout when their bucket value falls strictly below the
// percentage: 0 admits nobody, 100 admits everybody.
func IsEnabled(flag Flag, userID string) bool {
	if !flag.Enabled {
		return false
	}
	if flag.Rollout == nil {
		return true
	}
	return Bucket(userID, flag.Name) < *flag.Rollout
}

// Evaluate resolves flag for userID and echoes the flag's descriptive
// metadata alongside the decision.
func Evaluate(flag Flag, userID string) Evaluation {
	return Evaluation{
		Name:        flag.Name,
		Enabled:     IsEnabled(flag, userID),
		Description: flag.Description,
	}
}

// EvaluateAll resolves every flag for userID, preserving input order. Flags
// are evaluated independently; no result depends on another.
func EvaluateAll(flags []Flag, userID string) []Evaluation {
	results := make([]Evaluation, 0, len(flags))
	for _, flag := range flags {
		results = append(results, Evaluate(flag, userID))
	}
	return results
}
