package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/walnutdb/walnutdb/internal/sstable"
)

// runSST validates every *.sst file under args[0] (optionally recursing into
// subdirectories with --recursive), printing one line per file and exiting 3
// if any reports corruption.
func runSST(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "sst: missing <dir>")
		return 1
	}
	dir := args[0]
	recursive := false
	for _, a := range args[1:] {
		if a == "--recursive" {
			recursive = true
			continue
		}
		fmt.Fprintf(os.Stderr, "sst: unrecognized flag %q\n", a)
		return 1
	}

	paths, err := collectSSTFiles(dir, recursive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sst: %v\n", err)
		return 2
	}

	anyCorrupt := false
	for _, p := range paths {
		if err := sstable.Validate(p); err != nil {
			fmt.Printf("%s: CORRUPT (%v)\n", p, err)
			anyCorrupt = true
			continue
		}
		fmt.Printf("%s: ok\n", p)
	}

	if anyCorrupt {
		return 3
	}
	return 0
}

func collectSSTFiles(dir string, recursive bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if recursive {
				sub, err := collectSSTFiles(full, recursive)
				if err != nil {
					return nil, err
				}
				out = append(out, sub...)
			}
			continue
		}
		if strings.HasSuffix(e.Name(), ".sst") {
			out = append(out, full)
		}
	}
	return out, nil
}
