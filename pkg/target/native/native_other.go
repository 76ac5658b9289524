//go:build !(linux && amd64)

package native

import (
	"github.com/go-delve/livecore/pkg/target"
)

// Attach returns ErrUnsupported.
func Attach(pid int, opts Options) (target.Process, error) {
	return nil, ErrUnsupported
}
