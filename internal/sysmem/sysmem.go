// Package sysmem reports how much memory a worker can offer the planner.
package sysmem

import (
	"errors"
	"fmt"
)

var ErrUnsupported = errors.New("free memory detection unsupported")

// Free returns override when positive, otherwise the memory the system
// reports as free, scaled by fraction (0 < fraction <= 1).
func Free(override int64, fraction float64) (int64, error) {
	if override > 0 {
		return override, nil
	}
	if fraction <= 0 || fraction > 1 {
		return 0, fmt.Errorf("invalid memory fraction: %v (must be in (0, 1])", fraction)
	}
	avail, err := available()
	if err != nil {
		return 0, err
	}
	if avail <= 0 {
		return 0, fmt.Errorf("no free memory reported")
	}
	return int64(float64(avail) * fraction), nil
}
