// Package pty starts an interactive CLI subprocess attached to a
// pseudo-terminal, so the Session Manager can read/write it the way a
// real terminal user would instead of piping bare stdin/stdout.
package pty

import (
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// Handle abstracts PTY operations so the session manager never touches
// *os.File directly.
type Handle interface {
	io.ReadWriteCloser
	// Resize changes the PTY window size, for interactive CLIs that
	// render a TUI. The session manager sets its fixed default size
	// through Start and does not call Resize.
	Resize(cols, rows uint16) error
}

// osHandle wraps the PTY master file descriptor returned by creack/pty.
type osHandle struct {
	f *os.File
}

func (h *osHandle) Read(b []byte) (int, error)  { return h.f.Read(b) }
func (h *osHandle) Write(b []byte) (int, error) { return h.f.Write(b) }
func (h *osHandle) Close() error                { return h.f.Close() }

func (h *osHandle) Resize(cols, rows uint16) error {
	return pty.Setsize(h.f, &pty.Winsize{Cols: cols, Rows: rows})
}

// Start launches cmd attached to a new PTY sized cols x rows and
// returns a Handle for reading/writing/resizing it. cmd.Start is
// called internally by pty.StartWithSize; the caller must not call it
// again.
func Start(cmd *exec.Cmd, cols, rows int) (Handle, error) {
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, err
	}
	return &osHandle{f: f}, nil
}
