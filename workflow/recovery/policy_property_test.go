package recovery

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Retry delay is non-decreasing in retryCount, capped at 30s, and never below
// 1000ms * 2^retryCount unless the cap applies.
func TestProperty_BackoffBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delay within bounds and monotonic", prop.ForAll(
		func(seed int64, n int) bool {
			b := DefaultBackoff().WithSeed(seed)
			cur := b.Delay(n)
			next := b.Delay(n + 1)

			if cur > 30*time.Second || next > 30*time.Second {
				return false
			}
			floor := time.Duration(math.Min(float64(time.Second)*math.Pow(2, float64(n)), float64(30*time.Second)))
			if cur < floor {
				return false
			}
			return next >= cur
		},
		gen.Int64(),
		gen.IntRange(0, 12),
	))

	properties.TestingRun(t)
}

// Critical severity always aborts, whatever the classification or retry count.
func TestProperty_CriticalAlwaysAborts(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	criticalCodes := []Code{CodeBrowserCrashed, CodeDesktopSessionLost, CodeDataCorrupted,
		CodeEngineMisconfigured, CodeResourceExhausted, CodeInternal}
	kinds := []Kind{KindBusiness, KindUnexpected, KindNodeTimeout, KindAcquireTimeout, KindConfiguration}

	properties.Property("critical => abort", prop.ForAll(
		func(idx int, retryCount int, maxRetries int, kindIdx int) bool {
			p := NewPolicy()
			ec := &ErrorContext{
				NodeType:   "any",
				Code:       criticalCodes[idx],
				Kind:       kinds[kindIdx],
				RetryCount: retryCount,
				MaxRetries: maxRetries,
			}
			return p.Decide(ec).Action == ActionAbort
		},
		gen.IntRange(0, len(criticalCodes)-1),
		gen.IntRange(0, 10),
		gen.IntRange(0, 10),
		gen.IntRange(0, len(kinds)-1),
	))

	properties.TestingRun(t)
}

// A transient failure at maxRetries always escalates.
func TestProperty_TransientAtMaxEscalates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	transientCodes := []Code{CodeBrowserTimeout, CodeStaleElement, CodeDesktopBusy,
		CodeConnectionTimeout, CodeRateLimited, CodeResourceBusy, CodeExecutionTimeout}

	properties.Property("transient at max => escalate", prop.ForAll(
		func(idx int, maxRetries int) bool {
			p := NewPolicy()
			ec := &ErrorContext{Code: transientCodes[idx], RetryCount: maxRetries, MaxRetries: maxRetries}
			return p.Decide(ec).Action == ActionEscalate
		},
		gen.IntRange(0, len(transientCodes)-1),
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}
