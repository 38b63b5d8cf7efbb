// Package sizes implements parsing for human-readable byte quantities of the
// form accepted on the command line, e.g. "64MiB" or "2GB".
package sizes

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// suffix associates a size suffix with its byte multiplier. SI suffixes use
// base 1000, IEC suffixes use base 1024, and bare-unit short forms are
// treated as IEC.
type suffix struct {
	name       string
	multiplier uint64
}

// suffixes enumerates the recognized size suffixes. Longer suffixes appear
// before the shorter suffixes they end with so that matching can proceed in
// order.
var suffixes = []suffix{
	{"KiB", 1 << 10},
	{"MiB", 1 << 20},
	{"GiB", 1 << 30},
	{"TiB", 1 << 40},
	{"KB", 1000},
	{"MB", 1000 * 1000},
	{"GB", 1000 * 1000 * 1000},
	{"TB", 1000 * 1000 * 1000 * 1000},
	{"K", 1 << 10},
	{"M", 1 << 20},
	{"G", 1 << 30},
	{"T", 1 << 40},
	{"B", 1},
}

// Parse converts a human-readable size string to a byte count. A bare integer
// is interpreted as a byte count.
func Parse(value string) (uint64, error) {
	// Watch for empty input.
	if value == "" {
		return 0, errors.New("empty size")
	}

	// Identify the suffix and its multiplier. A bare integer is bytes.
	quantity := value
	multiplier := uint64(1)
	for _, s := range suffixes {
		if strings.HasSuffix(value, s.name) {
			quantity = value[:len(value)-len(s.name)]
			multiplier = s.multiplier
			break
		}
	}

	// Parse the quantity.
	parsed, err := strconv.ParseUint(quantity, 10, 64)
	if err != nil {
		return 0, errors.New("unable to parse integer value")
	}

	// Watch for overflow when applying the multiplier.
	if multiplier != 1 && parsed > math.MaxUint64/multiplier {
		return 0, errors.New("size too large")
	}

	// Success.
	return parsed * multiplier, nil
}
