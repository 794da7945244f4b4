package assign

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// Satisfies reports whether a testbox with caps can run a task with
// requirements. Every requirement must name a declared capability, and the
// value must match one of:
//
//	linux        exact value
//	amd64|arm64  any listed alternative
//	>=8          numeric lower bound
//	*            capability present with any value
func Satisfies(requirements, caps map[string]string) bool {
	for name, want := range requirements {
		have, ok := caps[name]
		if !ok || !matchValue(strings.TrimSpace(want), have) {
			return false
		}
	}
	return true
}

func matchValue(want, have string) bool {
	if want == "*" {
		return true
	}
	if bound, ok := strings.CutPrefix(want, ">="); ok {
		floor, err := strconv.ParseFloat(strings.TrimSpace(bound), 64)
		if err != nil {
			return false
		}
		got, err := strconv.ParseFloat(have, 64)
		return err == nil && got >= floor
	}
	for _, alt := range strings.Split(want, "|") {
		if strings.TrimSpace(alt) == have {
			return true
		}
	}
	return false
}

// Fingerprint is a stable BLAKE3 digest of a capability set, used to notice a
// testbox whose hardware or software changed between sign-ons.
func Fingerprint(caps map[string]string) string {
	names := make([]string, 0, len(caps))
	for k := range caps {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, k := range names {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(caps[k])
		b.WriteByte('\n')
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
