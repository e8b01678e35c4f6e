package remote

import (
	"fmt"
	"strings"
)

// ToolsScript returns a POSIX shell script that prints every tool missing
// from PATH to stderr, one per line, and exits 1 when any is missing.
func ToolsScript(tools ...string) string {
	quoted := make([]string, len(tools))
	for i, t := range tools {
		quoted[i] = shellQuote(t)
	}
	return strings.TrimSpace(fmt.Sprintf(`set -u
PATH="/usr/sbin:/usr/bin:/sbin:/bin:$PATH"
missing=0
for c in %s; do
  if ! command -v "$c" >/dev/null 2>&1; then
    echo "$c" >&2
    missing=1
  fi
done
exit $missing`, strings.Join(quoted, " "))) + "\n"
}
