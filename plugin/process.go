package plugin

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/machinefabric/quickd/logging"
	"github.com/machinefabric/quickd/wire"
)

const (
	defaultSendQueue  = 64
	recvQueue         = 64
	stdoutDrainWait   = 200 * time.Millisecond
	processWaitDelay  = time.Second
	maxStderrLineSize = 4096
)

// Process wraps one plugin channel: a child process wired to its standard
// streams, or a pre-connected pair of streams. A dedicated reader goroutine
// frames inbound records onto Messages and a writer goroutine drains the
// send queue, so a slow plugin never blocks its callers.
type Process struct {
	name   string
	cmd    *exec.Cmd
	logger *slog.Logger

	reader *wire.Reader
	writer *wire.Writer
	rc     io.Closer
	wc     io.Closer

	sendCh chan wire.Message
	recvCh chan wire.Message

	format   atomic.Uint32
	lastSeen atomic.Int64

	readDone chan struct{}
	done     chan struct{}
	errMu    sync.Mutex
	err      error
}

// ProcessOptions tunes a Process
type ProcessOptions struct {
	Limits    wire.Limits
	SendQueue int
	Logger    *slog.Logger
	Env       []string
}

func newProcess(name string, r io.Reader, w io.Writer, opts ProcessOptions) *Process {
	queue := opts.SendQueue
	if queue <= 0 {
		queue = defaultSendQueue
	}
	p := &Process{
		name:     name,
		logger:   logging.NewComponentLogger(opts.Logger, "plugin").With(logging.Plugin(name)),
		reader:   wire.NewReader(r),
		writer:   wire.NewWriter(w, wire.FormatJSON),
		sendCh:   make(chan wire.Message, queue),
		recvCh:   make(chan wire.Message, recvQueue),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.reader.SetLimits(opts.Limits)
	p.writer.SetLimits(opts.Limits)
	p.lastSeen.Store(time.Now().UnixNano())
	return p
}

// StartProcess launches an executable as a plugin. The child gets its own
// process group so termination reaches anything it forked.
func StartProcess(name, path string, args []string, opts ProcessOptions) (*Process, error) {
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = processWaitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	// A plain pipe instead of StdoutPipe: Wait must not close the read end
	// while buffered records are still unread.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	p := newProcess(name, stdoutR, stdin, opts)
	cmd.Stderr = &stderrLogger{logger: p.logger}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}
	stdoutW.Close()

	p.cmd = cmd
	p.rc = stdoutR
	p.wc = stdin

	go p.readLoop()
	go p.writeLoop()
	go p.waitLoop()
	return p, nil
}

// AttachProcess wires a plugin that is already connected over r and w.
// Closing r (if it is an io.Closer) ends the channel.
func AttachProcess(name string, r io.Reader, w io.Writer, opts ProcessOptions) *Process {
	p := newProcess(name, r, w, opts)
	if c, ok := r.(io.Closer); ok {
		p.rc = c
	}
	if c, ok := w.(io.Closer); ok {
		p.wc = c
	}
	go p.readLoop()
	go p.writeLoop()
	go func() {
		<-p.readDone
		p.closeWriter()
		close(p.done)
	}()
	return p
}

// Name returns the name the process was started under
func (p *Process) Name() string { return p.name }

// PID returns the child's process id, or 0 for attached channels
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Messages delivers decoded inbound records. It is closed when the stream
// ends; Done closes after that once the process has been reaped.
func (p *Process) Messages() <-chan wire.Message { return p.recvCh }

// Done is closed when the process has exited
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns why the process ended. Valid after Done is closed.
func (p *Process) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// LastSeen is the time of the most recent inbound record, or of the start
func (p *Process) LastSeen() time.Time {
	return time.Unix(0, p.lastSeen.Load())
}

// Format returns the framing the plugin chose with its first record
func (p *Process) Format() wire.Format {
	return wire.Format(p.format.Load())
}

// TrySend queues a message without blocking.
func (p *Process) TrySend(m wire.Message) error {
	select {
	case <-p.done:
		return ErrProcessClosed
	default:
	}
	select {
	case p.sendCh <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

// Kill terminates the process (group) immediately
func (p *Process) Kill() {
	if p.cmd == nil {
		p.closeStreams()
		return
	}
	if err := killGroup(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Debug("kill failed", logging.Error(err))
	}
}

// Stop asks the plugin to quit, then escalates: quit notification, grace,
// SIGTERM to the group, grace, SIGKILL. It returns once the process is gone.
func (p *Process) Stop(grace time.Duration) {
	_ = p.TrySend(&wire.Notification{Method: wire.MethodQuit})
	if p.wait(grace) {
		return
	}
	if p.cmd == nil {
		p.closeStreams()
		<-p.done
		return
	}
	if err := terminateGroup(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Debug("terminate failed", logging.Error(err))
	}
	if p.wait(grace) {
		return
	}
	p.logger.Warn("plugin ignored termination, killing",
		logging.EventType("plugin_kill"),
		logging.Duration("grace", grace),
	)
	p.Kill()
	<-p.done
}

func (p *Process) wait(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-p.done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

func (p *Process) setErr(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

func (p *Process) readLoop() {
	defer close(p.readDone)
	defer close(p.recvCh)

	first := true
	for {
		body, err := p.reader.ReadRaw()
		if err != nil {
			if !isClosedErr(err) {
				p.setErr(fmt.Errorf("read: %w", err))
				p.logger.Warn("plugin stream failed",
					logging.EventType("plugin_read_error"),
					logging.Error(err),
				)
				// the stream cannot be resynchronised
				p.Kill()
			}
			return
		}
		p.lastSeen.Store(time.Now().UnixNano())
		if first {
			p.format.Store(uint32(p.reader.Format()))
			first = false
		}

		msg, err := wire.Decode(p.reader.Format(), body)
		if err != nil {
			p.logger.Debug("dropping malformed record", logging.Error(err))
			continue
		}
		p.recvCh <- msg
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

func (p *Process) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.sendCh:
			p.writer.SetFormat(p.Format())
			if err := p.writer.WriteMessage(msg); err != nil {
				if errors.Is(err, wire.ErrOversized) {
					p.logger.Warn("dropping oversized message to plugin", logging.Error(err))
					continue
				}
				p.logger.Debug("plugin write failed", logging.Error(err))
				return
			}
		}
	}
}

func (p *Process) waitLoop() {
	err := p.cmd.Wait()

	// let the reader drain what the plugin wrote before exiting
	t := time.NewTimer(stdoutDrainWait)
	select {
	case <-p.readDone:
	case <-t.C:
	}
	t.Stop()
	p.rc.Close()
	<-p.readDone

	p.closeWriter()
	p.setErr(err)
	close(p.done)
}

func (p *Process) closeWriter() {
	if p.wc != nil {
		p.wc.Close()
	}
}

func (p *Process) closeStreams() {
	if p.rc != nil {
		p.rc.Close()
	}
	p.closeWriter()
}

// stderrLogger forwards plugin stderr lines into the daemon log.
type stderrLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (s *stderrLogger) Write(b []byte) (int, error) {
	s.buf = append(s.buf, b...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		s.emit(s.buf[:i])
		s.buf = s.buf[i+1:]
	}
	if len(s.buf) > maxStderrLineSize {
		s.emit(s.buf)
		s.buf = nil
	}
	return len(b), nil
}

func (s *stderrLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	s.logger.Debug("plugin stderr", logging.String("line", string(line)))
}
