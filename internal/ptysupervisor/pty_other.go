//go:build !unix

package ptysupervisor

import "errors"

// startPlatform has no implementation outside unix targets. The bridge
// daemon's PTY Supervisor is scoped to unix shells per spec.md §4.E; a
// Windows ConPTY backend is future work, not part of this core.
func startPlatform(shell string, env []string) (ptyHandle, error) {
	return nil, errors.New("ptysupervisor: unsupported on this platform")
}
