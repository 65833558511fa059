package plan

import (
	"fmt"
	"os"
	"os/exec"
)

// Backend is the directive stream's destination: either a spawned
// child process consuming a line-oriented directive stream on its
// standard input, or — when the output format is "json" — a plain
// file, with no child spawned at all.
type Backend struct {
	cmd   *exec.Cmd
	enc   *Encoder
	close func() error
}

// OpenBackend starts path as a child process (backendArgs become its
// argv) and returns a Backend whose Encoder writes to its stdin pipe.
// Close waits for the child to exit and reports a non-zero exit as an
// error.
func OpenBackend(path string, backendArgs []string) (*Backend, error) {
	cmd := exec.Command(path, backendArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("plan: open backend stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("plan: spawn backend %q: %w", path, err)
	}
	return &Backend{
		cmd: cmd,
		enc: NewEncoder(stdin),
		close: func() error {
			if err := stdin.Close(); err != nil {
				return err
			}
			if err := cmd.Wait(); err != nil {
				return fmt.Errorf("plan: backend exited with error: %w", err)
			}
			return nil
		},
	}, nil
}

// OpenFileBackend writes the directive stream to path instead of
// spawning a child process, used for the `--format json` pseudo-backend
// path. path == "-" writes to standard output.
func OpenFileBackend(path string) (*Backend, error) {
	if path == "-" {
		return &Backend{
			enc:   NewEncoder(os.Stdout),
			close: func() error { return nil },
		}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("plan: create output %q: %w", path, err)
	}
	return &Backend{
		enc:   NewEncoder(f),
		close: f.Close,
	}, nil
}

// Send writes every message in order to the backend.
func (b *Backend) Send(msgs []Message) error {
	for _, m := range msgs {
		if err := b.enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and waits, per the type's constructor (child-process
// wait-and-check, or plain file close).
func (b *Backend) Close() error {
	return b.close()
}
