//go:build !linux

package sysmem

import (
	"fmt"
	"runtime"
)

func available() (int64, error) {
	return 0, fmt.Errorf("%w on %s, set the free memory explicitly", ErrUnsupported, runtime.GOOS)
}
