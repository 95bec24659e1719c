package queue

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// ComputeBackoff returns the delay before the given retry attempt using
// exponential growth capped at the policy maximum, plus deterministic
// jitter seeded by the job id so replays of the same schedule are
// reproducible.
func ComputeBackoff(jobID string, attempt int, policy Policy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			// Avoid overflow, cap exponent
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := time.Duration(factor) * policy.BaseDelay
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	return delay + deterministicJitter(jobID, attempt, policy.MaxJitter)
}

func deterministicJitter(jobID string, attempt int, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", jobID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(maxJitter)) //nolint:gosec // maxJitter is always positive
}
