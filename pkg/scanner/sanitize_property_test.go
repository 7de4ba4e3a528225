//go:build property
// +build property

// Property-based checks for the sanitizer: idempotence and removal
// guarantees over arbitrary inputs.
package scanner_test

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/gantrylabs/gantry/pkg/scanner"
)

// TestSanitizeIdempotent verifies sanitize(sanitize(s)) == sanitize(s)
// for any s, including inputs where one removal splices a new vector
// together.
func TestSanitizeIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("sanitize is idempotent", prop.ForAll(
		func(s string) bool {
			once := scanner.Sanitize(s)
			return scanner.Sanitize(once) == once
		},
		gen.AnyString(),
	))

	properties.Property("sanitize is idempotent on spliced vectors", prop.ForAll(
		func(pre, post string) bool {
			s := pre + "<iframe>" + post + "</iframe>javascript:" + pre
			once := scanner.Sanitize(s)
			return scanner.Sanitize(once) == once
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestSanitizeRemovals verifies no forbidden token survives sanitization.
func TestSanitizeRemovals(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("no null bytes or comment tokens survive", prop.ForAll(
		func(s string) bool {
			out := scanner.Sanitize(s)
			lower := strings.ToLower(out)
			return !strings.Contains(out, "\x00") &&
				!strings.Contains(out, "--") &&
				!strings.Contains(lower, "javascript:") &&
				!strings.Contains(lower, "<script>")
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
