// Package tts provides the inference backends that stand behind the model handle.
package tts

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/google/uuid"
)

//go:embed f5_runner.py
var bundledRunner []byte

const (
	runnerEventBuffer   = 16
	runnerLineMaxBytes  = 1 << 20
	runnerStderrTail    = 4096
	runnerCloseDeadline = 10 * time.Second
)

var (
	// ErrRunnerCommandEmpty indicates that neither a runner nor an interpreter is configured.
	ErrRunnerCommandEmpty = errors.New("runner path and python path cannot both be empty")
	// ErrCheckpointMissing indicates that the configured checkpoint does not exist.
	ErrCheckpointMissing = errors.New("model checkpoint not found")
	// ErrProcessorNotLoaded indicates Infer was called before Load or after Close.
	ErrProcessorNotLoaded = errors.New("processor is not loaded")
	// ErrProcessorLoaded indicates Load was called on a running processor.
	ErrProcessorLoaded = errors.New("processor is already loaded")
	// ErrRunnerExited indicates the inference runner process is gone.
	ErrRunnerExited = errors.New("inference runner exited")
	// ErrRunnerFailed indicates the runner reported an error for a load or a job.
	ErrRunnerFailed = errors.New("inference runner reported an error")
	// ErrOutputPathEmpty indicates that the output path is empty.
	ErrOutputPathEmpty = errors.New("output path cannot be empty")
	// ErrReferencePathEmpty indicates that the reference path is empty.
	ErrReferencePathEmpty = errors.New("reference path cannot be empty")
)

// RunnerConfig configures the local inference runner. When RunnerPath is
// empty the bundled F5-TTS runner script is executed with PythonPath.
type RunnerConfig struct {
	PythonPath     string
	RunnerPath     string
	ModelName      string
	CheckpointPath string
	VocabPath      string
	Env            []string
}

// runnerJob is one line written to the runner's stdin.
type runnerJob struct {
	ID       string  `json:"id"`
	RefAudio string  `json:"ref_audio"`
	RefText  string  `json:"ref_text"`
	GenText  string  `json:"gen_text"`
	Speed    float64 `json:"speed"`
	Output   string  `json:"output"`
}

// runnerEvent is one line read from the runner's stdout.
type runnerEvent struct {
	Ready  bool   `json:"ready,omitempty"`
	Device string `json:"device,omitempty"`
	ID     string `json:"id,omitempty"`
	OK     bool   `json:"ok,omitempty"`
	Error  string `json:"error,omitempty"`
}

// runnerProcess is one started runner and its plumbing.
type runnerProcess struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	events     chan runnerEvent
	done       chan struct{}
	waitErr    error
	stderr     *tailBuffer
	scriptPath string
}

// RunnerProcessor implements core.Backend with one long-lived runner process
// that builds the model once in Load and serves every Infer call.
type RunnerProcessor struct {
	config RunnerConfig
	log    *logger.Logger

	// jobs serializes the request/response exchange on the runner pipes.
	jobs sync.Mutex

	mutex   sync.Mutex
	process *runnerProcess
	device  core.Device
}

// NewRunnerProcessor creates a new RunnerProcessor. No process is started
// until Load.
func NewRunnerProcessor(cfg RunnerConfig, log *logger.Logger) (*RunnerProcessor, error) {
	if cfg.RunnerPath == "" && cfg.PythonPath == "" {
		return nil, ErrRunnerCommandEmpty
	}

	return &RunnerProcessor{
		config: cfg,
		log:    log,
	}, nil
}

// Load starts the runner on device and blocks until it reports the model is
// built. The runner exiting first, or ctx ending, fails the load.
func (p *RunnerProcessor) Load(ctx context.Context, device core.Device) error {
	for _, path := range []string{p.config.CheckpointPath, p.config.VocabPath} {
		if path == "" {
			continue
		}

		_, statErr := os.Stat(path)
		if statErr != nil {
			return fmt.Errorf("%w: '%s': %w", ErrCheckpointMissing, path, statErr)
		}
	}

	p.mutex.Lock()
	if p.process != nil {
		p.mutex.Unlock()

		return ErrProcessorLoaded
	}

	process, err := p.start(device)
	if err != nil {
		p.mutex.Unlock()

		return err
	}

	p.process = process
	p.device = device
	p.mutex.Unlock()

	p.log.Info("Started inference runner (pid %d) on %s, waiting for the model", process.cmd.Process.Pid, device)

	select {
	case event, ok := <-process.events:
		switch {
		case !ok:
			<-process.done
			_ = p.stop(false)

			return process.exitError("before the model was ready")
		case event.Error != "":
			_ = p.stop(false)

			return fmt.Errorf("%w while building the model: %s", ErrRunnerFailed, event.Error)
		case !event.Ready:
			_ = p.stop(false)

			return fmt.Errorf("%w: expected a ready message, got %+v", ErrRunnerFailed, event)
		}

		p.log.Info("Inference runner reports the model ready on %s", event.Device)

		return nil
	case <-ctx.Done():
		_ = p.stop(false)

		return fmt.Errorf("model load abandoned: %w", ctx.Err())
	}
}

// Infer sends one job to the runner and waits for its reply.
func (p *RunnerProcessor) Infer(ctx context.Context, req core.SynthesisRequest) error {
	if req.OutputPath == "" {
		return ErrOutputPathEmpty
	}

	if req.ReferencePath == "" {
		return ErrReferencePathEmpty
	}

	p.jobs.Lock()
	defer p.jobs.Unlock()

	p.mutex.Lock()
	process, device := p.process, p.device
	p.mutex.Unlock()

	if process == nil {
		return ErrProcessorNotLoaded
	}

	select {
	case <-process.done:
		return process.exitError("before the job was sent")
	default:
	}

	job := runnerJob{
		ID:       uuid.NewString(),
		RefAudio: req.ReferencePath,
		RefText:  req.ReferenceText,
		GenText:  req.TargetText,
		Speed:    req.Speed,
		Output:   req.OutputPath,
	}

	line, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode runner job: %w", err)
	}

	_, err = process.stdin.Write(append(line, '\n'))
	if err != nil {
		return fmt.Errorf("failed to send job to inference runner: %w", err)
	}

	p.log.Info("Sent job %s to inference runner on %s for output %s", job.ID, device, req.OutputPath)

	for {
		select {
		case event, ok := <-process.events:
			if !ok {
				<-process.done

				return process.exitError("during job " + job.ID)
			}

			if event.ID != job.ID {
				p.log.Warn("Discarding runner message for job '%s' while waiting for %s", event.ID, job.ID)

				continue
			}

			if event.Error != "" {
				return fmt.Errorf("%w for job %s: %s", ErrRunnerFailed, job.ID, event.Error)
			}

			_, statErr := os.Stat(req.OutputPath)
			if statErr != nil {
				return fmt.Errorf("inference runner wrote no output to '%s': %w", req.OutputPath, statErr)
			}

			return nil
		case <-ctx.Done():
			return fmt.Errorf("abandoned waiting for job %s: %w", job.ID, ctx.Err())
		}
	}
}

// Close stops the runner. It closes stdin so the runner can exit on its own
// and kills it if it has not exited within a deadline.
func (p *RunnerProcessor) Close() error {
	return p.stop(true)
}

func (p *RunnerProcessor) stop(graceful bool) error {
	p.mutex.Lock()
	process := p.process
	p.process = nil
	p.mutex.Unlock()

	if process == nil {
		return nil
	}

	if process.scriptPath != "" {
		defer func() { _ = os.Remove(process.scriptPath) }()
	}

	_ = process.stdin.Close()

	if graceful {
		select {
		case <-process.done:
			return nil
		case <-time.After(runnerCloseDeadline):
			p.log.Warn("Inference runner did not exit within %s, killing it", runnerCloseDeadline)
		}
	}

	killErr := process.cmd.Process.Kill()
	<-process.done

	if killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill inference runner: %w", killErr)
	}

	return nil
}

// start launches the runner process and its stdout reader. Callers hold p.mutex.
func (p *RunnerProcessor) start(device core.Device) (*runnerProcess, error) {
	process := &runnerProcess{
		events: make(chan runnerEvent, runnerEventBuffer),
		done:   make(chan struct{}),
		stderr: &tailBuffer{limit: runnerStderrTail},
	}

	name, args, err := p.command(process, device)
	if err != nil {
		return nil, err
	}

	// #nosec G204 -- the runner comes from configuration, request data travels over stdin
	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), p.config.Env...)
	cmd.Stderr = process.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		process.removeScript()

		return nil, fmt.Errorf("failed to open runner stdin: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		process.removeScript()

		return nil, fmt.Errorf("failed to open runner stdout: %w", err)
	}

	err = cmd.Start()
	if err != nil {
		process.removeScript()

		return nil, fmt.Errorf("failed to start inference runner '%s': %w", name, err)
	}

	process.cmd = cmd
	process.stdin = stdin

	go p.readEvents(process, stdout)

	return process, nil
}

func (p *RunnerProcessor) command(process *runnerProcess, device core.Device) (string, []string, error) {
	args := []string{"--device=" + string(device)}

	if p.config.ModelName != "" {
		args = append(args, "--model="+p.config.ModelName)
	}

	if p.config.CheckpointPath != "" {
		args = append(args, "--ckpt_file="+p.config.CheckpointPath)
	}

	if p.config.VocabPath != "" {
		args = append(args, "--vocab_file="+p.config.VocabPath)
	}

	if p.config.RunnerPath != "" {
		return p.config.RunnerPath, args, nil
	}

	script, err := os.CreateTemp("", "f5-runner-*.py")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create runner script: %w", err)
	}

	process.scriptPath = script.Name()

	_, writeErr := script.Write(bundledRunner)
	closeErr := script.Close()

	if writeErr != nil || closeErr != nil {
		process.removeScript()

		return "", nil, fmt.Errorf("failed to write runner script: %w", errors.Join(writeErr, closeErr))
	}

	return p.config.PythonPath, append([]string{process.scriptPath}, args...), nil
}

// readEvents decodes stdout lines until EOF, then reaps the process.
func (p *RunnerProcessor) readEvents(process *runnerProcess, stdout io.Reader) {
	defer close(process.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), runnerLineMaxBytes)

	for scanner.Scan() {
		var event runnerEvent

		err := json.Unmarshal(scanner.Bytes(), &event)
		if err != nil {
			p.log.Info("runner: %s", scanner.Text())

			continue
		}

		select {
		case process.events <- event:
		default:
			p.log.Warn("Dropping unread runner message for job '%s'", event.ID)
		}
	}

	close(process.events)

	process.waitErr = process.cmd.Wait()
	if process.waitErr != nil {
		p.log.Error("Inference runner exited: %v", process.waitErr)
	}
}

func (r *runnerProcess) exitError(when string) error {
	if r.waitErr == nil {
		return fmt.Errorf("%w %s: %s", ErrRunnerExited, when, r.stderr.String())
	}

	return fmt.Errorf("%w %s: %w: %s", ErrRunnerExited, when, r.waitErr, r.stderr.String())
}

func (r *runnerProcess) removeScript() {
	if r.scriptPath != "" {
		_ = os.Remove(r.scriptPath)
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mutex sync.Mutex
	limit int
	data  []byte
}

func (b *tailBuffer) Write(chunk []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.data = append(b.data, chunk...)
	if len(b.data) > b.limit {
		b.data = b.data[len(b.data)-b.limit:]
	}

	return len(chunk), nil
}

func (b *tailBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return string(b.data)
}
