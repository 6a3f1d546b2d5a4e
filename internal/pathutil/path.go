// Package pathutil expands operator-supplied paths such as --config and
// --grass-database.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand resolves environment tokens ($HOME, ${GRASSDB}) and a leading "~/"
// in p and returns an absolute, cleaned path. The empty string stays empty.
func Expand(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, p[1:])
	}
	return filepath.Abs(p)
}
