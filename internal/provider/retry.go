// Copyright 2025 Lumina Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
)

// RetryConfig configures the bounded exponential-backoff retry every typed
// provider operation uses.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration

	// Multiplier grows the delay between successive attempts: after each
	// wait, Multiplier times the current delay is added to it, so 1.0
	// doubles the delay every time.
	Multiplier float64
}

// DefaultRetryConfig returns the adapter-wide retry contract: 3 attempts,
// waiting 1s and then 2s between them.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Multiplier:   1.0,
	}
}

// RetryWithBackoff executes operation up to config.MaxAttempts times,
// returning nil on the first success. If every attempt fails, it returns
// the last error wrapped with the attempt count. Respects ctx cancellation
// during the inter-attempt sleep.
func RetryWithBackoff(
	ctx context.Context,
	config RetryConfig,
	log logr.Logger,
	operationName string,
	operation func() error,
) error {
	delay := config.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			if attempt > 1 {
				log.Info("operation succeeded after retries", "operation", operationName, "attempts", attempt)
			}
			return nil
		}

		if IsAlreadyExists(lastErr) {
			return lastErr
		}

		log.Error(lastErr, "provider operation failed", "operation", operationName,
			"attempt", attempt, "max_attempts", config.MaxAttempts)

		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-time.After(delay):
			delay += time.Duration(config.Multiplier * float64(delay))
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, config.MaxAttempts, lastErr)
}
