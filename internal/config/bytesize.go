package config

import (
	"fmt"
	"strconv"
	"strings"
)

var byteSuffixes = []struct {
	suffix string
	mult   int64
}{
	// Longest first so "KIB" is not read as "B".
	{"KIB", 1 << 10},
	{"MIB", 1 << 20},
	{"GIB", 1 << 30},
	{"KB", 1000},
	{"MB", 1000 * 1000},
	{"GB", 1000 * 1000 * 1000},
	{"B", 1},
}

// ParseByteSize parses sizes such as "512", "10MB" or "2MiB".
func ParseByteSize(s string) (int64, error) {
	in := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	if in == "" {
		return 0, fmt.Errorf("empty size")
	}

	mult := int64(1)
	for _, bs := range byteSuffixes {
		if rest, ok := strings.CutSuffix(in, bs.suffix); ok {
			in, mult = strings.TrimSpace(rest), bs.mult
			break
		}
	}
	n, err := strconv.ParseInt(in, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > (1<<63-1)/mult {
		return 0, fmt.Errorf("size overflow %q", s)
	}
	return n * mult, nil
}
