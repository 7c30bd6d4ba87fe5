// Package testutil provides helpers shared by package tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// fakeLauncherScript mimics the launcher's command line and report format.
// The first instance argument selects the behaviour:
//
//	ok              clean run with Child status: 0
//	status N        clean run with Child status: N
//	nostatus        report without a Child status line
//	timeout         wall clock limit exceeded, no status
//	memout          memory limit exceeded, no status
//	malformed       report without mandatory fields
//	sleep S         sleep S seconds, then behave like ok
//	tags K=V ...    like ok, and write each K=V as a tag line
//
// Every run writes the tag lines args and pid to the output file.
const fakeLauncherScript = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -d|-W|--rss-swap-limit) shift 2 ;;
    -o) out="$2"; shift 2 ;;
    *) break ;;
  esac
done
mode="$1"
[ $# -gt 0 ] && shift
if [ -n "$out" ]; then
  echo "c runhelper.args=$mode $*" > "$out"
  echo "runhelper.pid=$$" >> "$out"
fi
report() {
  echo "Real time (s): 1.5"
  echo "CPU time (s): 1.2"
  echo "Max. memory (cumulated for all children) (KiB): 2048"
}
case "$mode" in
  status) report; echo "Child status: $1" ;;
  nostatus) report ;;
  timeout) echo "Maximum wall clock time exceeded: sending SIGTERM then SIGKILL"; report ;;
  memout) echo "Maximum memory exceeded: sending SIGTERM then SIGKILL"; report ;;
  malformed) echo "launcher crashed" ;;
  sleep) sleep "$1"; report; echo "Child status: 0" ;;
  tags)
    for kv in "$@"; do echo "runhelper.$kv" >> "$out"; done
    report; echo "Child status: 0" ;;
  *) report; echo "Child status: 0" ;;
esac
exit 0
`

// FakeLauncher writes an executable launcher stand-in to a temp dir and returns its path
func FakeLauncher(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-launcher")
	if err := os.WriteFile(path, []byte(fakeLauncherScript), 0o755); err != nil {
		t.Fatalf("failed to write fake launcher: %v", err)
	}
	return path
}
