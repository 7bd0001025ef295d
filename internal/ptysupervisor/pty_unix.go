//go:build unix

package ptysupervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// unixPTY wraps a creack/pty-backed shell process.
type unixPTY struct {
	ptmx *os.File
	cmd  *exec.Cmd
}

func startPlatform(shell string, env []string) (ptyHandle, error) {
	cmd := exec.Command(shell)
	// A leading "-" in argv[0] starts the shell as a login shell.
	cmd.Args[0] = "-" + filepath.Base(shell)
	cmd.Env = env

	winsize := &pty.Winsize{Rows: InitialRows, Cols: InitialCols}
	ptmx, err := pty.StartWithSize(cmd, winsize)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	return &unixPTY{ptmx: ptmx, cmd: cmd}, nil
}

func (p *unixPTY) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *unixPTY) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

func (p *unixPTY) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *unixPTY) Close() error {
	_ = p.ptmx.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			_, _ = p.cmd.Process.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			_ = p.cmd.Process.Kill()
		}
	}
	return nil
}
