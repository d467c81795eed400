// Package annex drives git-annex: a persistent addurl batch worker with a
// line-oriented JSON protocol for the download phase, and one-shot metadata
// and registerurl invocations for post-processing.
package annex

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/kballard/go-shellquote"

	"gamdam/internal/logging"
)

// maxEventLine bounds a single worker output line. Anything longer means
// the protocol has desynchronized.
const maxEventLine = 1 << 20

// process is one long-lived `git-annex <subcommand> --batch ...` child with
// piped stdin and stdout. Writes flush per line; reads frame per line.
type process struct {
	name    string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
	logger  *slog.Logger

	inputClosed bool
}

func startProcess(dir, binary string, args []string, logger *slog.Logger) (*process, error) {
	cmdline := shellquote.Join(append([]string{binary}, args...)...)
	logger.Debug("starting worker", logging.String("cmdline", cmdline))

	cmd := exec.Command(binary, args...)
	cmd.Dir = dir
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start `%s`: %w", cmdline, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	name := binary
	if len(args) > 0 {
		name = binary + " " + args[0]
	}
	return &process{name: name, cmd: cmd, stdin: stdin, scanner: scanner, logger: logger}, nil
}

// send writes one request line and flushes it to the worker.
func (p *process) send(line string) error {
	if p.inputClosed {
		return fmt.Errorf("`%s`: input already closed", p.name)
	}
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return fmt.Errorf("write to `%s`: %w", p.name, err)
	}
	return nil
}

// readLine returns the next output line, or io.EOF once the worker closes
// its output stream.
func (p *process) readLine() (string, error) {
	if p.scanner.Scan() {
		return p.scanner.Text(), nil
	}
	if err := p.scanner.Err(); err != nil {
		return "", fmt.Errorf("read from `%s`: %w", p.name, err)
	}
	return "", io.EOF
}

// closeInput half-closes the channel, telling the worker no more work is
// coming. The worker drains in-flight jobs and then closes its output.
func (p *process) closeInput() error {
	if p.inputClosed {
		return nil
	}
	p.inputClosed = true
	if err := p.stdin.Close(); err != nil {
		return fmt.Errorf("close input of `%s`: %w", p.name, err)
	}
	return nil
}

// shutdown waits up to grace for the worker to exit, killing it when the
// grace period lapses. A kill is reported as an error; a plain non-zero
// exit is only logged, matching the per-job failure reporting that already
// happened through the event stream.
func (p *process) shutdown(grace time.Duration) error {
	_ = p.closeInput()
	p.logger.Debug("waiting for worker to terminate", logging.String("worker", p.name))

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	var err error
	if grace <= 0 {
		err = <-done
	} else {
		select {
		case err = <-done:
		case <-time.After(grace):
			p.logger.Warn("worker did not terminate in time; killing", logging.String("worker", p.name))
			p.kill()
			<-done
			return fmt.Errorf("`%s` did not terminate within %s", p.name, grace)
		}
	}
	if err != nil {
		p.logger.Warn("worker exited unsuccessfully",
			logging.String("worker", p.name),
			logging.Error(err),
		)
	}
	return nil
}

func (p *process) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
