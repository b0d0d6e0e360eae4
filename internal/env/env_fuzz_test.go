package env

import (
	"strings"
	"testing"
)

// FuzzMerge feeds arbitrary connection and launch entries through Merge and
// Assignments and checks the output stays safe to splice into a shell line.
func FuzzMerge(f *testing.F) {
	f.Add("GPU=0\nHF_HOME=/data", "CACHE=${HF_HOME}/c")
	f.Add("A=it's", "A=${A}${A}")
	f.Add("X=${Y}", "Y=${X}")
	f.Add("1BAD=x\n=y", "ok_NAME=;rm -rf /")

	f.Fuzz(func(t *testing.T, conn, launch string) {
		base := New()
		for _, kv := range lines(conn) {
			if k, v, ok := strings.Cut(kv, "="); ok {
				base = base.WithSet(k, v)
			}
		}
		out := base.Merge(lines(launch))
		for i, kv := range out {
			k, _, ok := strings.Cut(kv, "=")
			if !ok || !ValidName(k) {
				t.Fatalf("unsafe pair %q", kv)
			}
			if i > 0 {
				if prev, _, _ := strings.Cut(out[i-1], "="); prev >= k {
					t.Fatalf("not sorted by name: %q before %q", out[i-1], kv)
				}
			}
		}
		words := Assignments(out)
		if len(out) > 0 && !strings.HasSuffix(words, "'") {
			t.Fatalf("unterminated quoting: %q", words)
		}
		// no input '$' means nothing could have been left unexpanded
		if !strings.Contains(conn+launch, "$") && strings.Contains(words, "${") {
			t.Fatalf("placeholder appeared from nowhere: %q", words)
		}
	})
}

func lines(s string) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" && len(out) < 20 {
			out = append(out, ln)
		}
	}
	return out
}
