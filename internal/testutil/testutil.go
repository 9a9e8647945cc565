// Package testutil provides shared skip helpers and fixture engines for
// tests.
//
// Integration helpers call t.Skip with a clear reason when the native
// AquesTalk libraries are absent, so the suite stays runnable on machines
// without them.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    dir := testutil.RequireAquesTalk(t)
//	    testutil.RequireVoice(t, dir, "f1")
//	    ...
//	}
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/example/aquestalk-proxy/internal/aquestalk"
)

// VoiceDirEnv names the environment variable pointing at a directory of
// voice subdirectories, laid out the way the proxy's --path expects.
const VoiceDirEnv = "AQTKPROXY_TEST_VOICES"

// RequireAquesTalk returns the voice directory named by AQTKPROXY_TEST_VOICES
// and skips the test when it is unset or not a directory.
func RequireAquesTalk(tb testing.TB) string {
	tb.Helper()

	dir := os.Getenv(VoiceDirEnv)
	if dir == "" {
		tb.Skipf("AquesTalk voices not configured; set %s to a voice directory", VoiceDirEnv)
		return ""
	}

	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		tb.Skipf("AquesTalk voice directory %s=%q not usable: %v", VoiceDirEnv, dir, err)
		return ""
	}
	return dir
}

// RequireVoice skips the test if dir has no library for voice id.
func RequireVoice(tb testing.TB, dir, id string) {
	tb.Helper()

	p := filepath.Join(dir, id, aquestalk.ArtifactName)
	if _, err := os.Stat(p); err != nil {
		tb.Skipf("voice %q not available at %q: %v", id, p, err)
	}
}
