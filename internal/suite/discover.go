package suite

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DiscoverFeatures resolves feature sources to a sorted list of .feature
// files. Each path may be a file or a directory searched recursively.
// The sorted result keeps suite traversal deterministic across machines.
func DiscoverFeatures(paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("feature path %s: %w", p, err)
		}

		if !info.IsDir() {
			if !strings.HasSuffix(p, ".feature") {
				return nil, fmt.Errorf("feature path %s: not a .feature file", p)
			}
			if !seen[p] {
				seen[p] = true
				files = append(files, p)
			}
			continue
		}

		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".feature") {
				return nil
			}
			if !seen[path] {
				seen[path] = true
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", p, err)
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no .feature files found under %s", strings.Join(paths, ", "))
	}

	sort.Strings(files)
	return files, nil
}
