package hints

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestRegistryOrderProperty verifies that for any registration sequence the
// handler priorities are non-decreasing and equal priorities keep their
// registration order.
func TestRegistryOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("priorities are sorted and ties are stable", prop.ForAll(
		func(prios []int) bool {
			if len(prios) > MaxHandlers {
				prios = prios[:MaxHandlers]
			}
			r := NewRegistry()
			for i, p := range prios {
				if err := r.Register(newSpy(fmt.Sprintf("h%03d", i), p, nil)); err != nil {
					return false
				}
			}
			hs := r.Handlers()
			if len(hs) != len(prios) {
				return false
			}
			for i := 1; i < len(hs); i++ {
				prev, cur := hs[i-1], hs[i]
				if prev.Priority() > cur.Priority() {
					return false
				}
				// Keys encode registration order.
				if prev.Priority() == cur.Priority() && prev.Key() > cur.Key() {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 8)),
	))

	properties.TestingRun(t)
}
