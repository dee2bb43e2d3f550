package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hostemu/hostemu/internal/channel"
	"github.com/hostemu/hostemu/internal/lifecycle"
)

// spawnedProcess tracks the OS process behind a slot.
type spawnedProcess struct {
	cmd     *exec.Cmd
	console *os.File // pty master; app stdout/stderr land here
}

// socketDir resolves where this run's per-process sockets live. Without an
// explicit configuration a run-scoped directory keeps concurrent runs from
// colliding.
func (s *Supervisor) socketDir() (string, error) {
	dir := s.cfg.SocketDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "hostemu-"+uuid.NewString())
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// spawnSlot starts one application process and waits for it to connect to
// its syscall socket. Applications are side-loaded: the path is executed
// directly, no binary-format header is read.
func (s *Supervisor) spawnSlot(path, socketDir string, index int) (*slot, error) {
	sockPath := filepath.Join(socketDir, fmt.Sprintf("app-%d.sock", index))

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", sockPath, err)
	}
	defer ln.Close()

	cmd := exec.Command(path, "--socket", sockPath, "--id", strconv.Itoa(index))
	cmd.Env = os.Environ()

	// The app's console goes through a pty so interactive output and
	// line buffering behave as they would on a real terminal.
	console, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	conn, err := s.acceptFrom(ln, cmd)
	if err != nil {
		console.Close()
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
		return nil, fmt.Errorf("await connection from %s: %w", path, err)
	}

	proc := &spawnedProcess{cmd: cmd, console: console}
	sl := s.attach(channel.New(conn), path, proc)

	s.log.Info("spawned application",
		zap.String("proc", sl.ctrl.Proc().String()),
		zap.String("path", path),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("socket", sockPath))

	go s.pumpConsole(sl)
	go s.monitorProcess(sl)
	return sl, nil
}

// acceptFrom waits for the freshly spawned child to connect, bounded by the
// spawn timeout. This is the only timed wait in the whole boundary.
func (s *Supervisor) acceptFrom(ln net.Listener, cmd *exec.Cmd) (net.Conn, error) {
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetDeadline(time.Now().Add(s.cfg.SpawnTimeout))
	}

	conn, err := ln.Accept()
	if err != nil {
		if cmd.ProcessState != nil {
			return nil, fmt.Errorf("process exited before connecting: %w", err)
		}
		return nil, err
	}
	return conn, nil
}

// pumpConsole forwards the application's terminal output into the log,
// line by line, until the pty closes.
func (s *Supervisor) pumpConsole(sl *slot) {
	log := s.log.With(zap.String("proc", sl.ctrl.Proc().String()))
	scanner := bufio.NewScanner(sl.proc.console)
	for scanner.Scan() {
		log.Info("app console", zap.String("line", scanner.Text()))
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		log.Debug("console closed", zap.Error(err))
	}
}

// monitorProcess reaps the OS process and retires the slot if it vanished
// without an Exit syscall. A slot already retired (its own Exit, a protocol
// fault, shutdown) is left as-is.
func (s *Supervisor) monitorProcess(sl *slot) {
	err := sl.proc.cmd.Wait()
	sl.proc.console.Close()

	if sl.ctrl.State() != lifecycle.StateExited {
		s.log.Warn("application terminated unexpectedly",
			zap.String("proc", sl.ctrl.Proc().String()),
			zap.Error(err))
		s.retire(sl, lifecycle.ExitCrashed)
	}
}
