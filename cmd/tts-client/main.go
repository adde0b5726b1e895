// main package for tts-client, a command line client of the voice clone service.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/tts"
	"github.com/book-expert/voice-clone-service/internal/tts/text"
	"github.com/kardianos/task"
)

// Flag names.
const (
	flagURL           = "url"
	flagReference     = "reference"
	flagReferenceText = "reference-text"
	flagSpeed         = "speed"
	flagWorkers       = "workers"
	flagTimeout       = "timeout"
	flagLogDir        = "log-dir"
	flagText          = "text"
	flagChunks        = "chunks"
	flagFile          = "file"
	flagMaxChars      = "max-chars"
	flagOutput        = "o"
)

const (
	defaultURL        = "http://localhost:8000"
	defaultWorkers    = "1"
	defaultTimeout    = "10m"
	defaultOutputFile = "generated.wav"
	defaultOutputDir  = "outputs"
	logFileName       = "tts-client.log"
	stopTimeout       = 2 * time.Second
)

var (
	errTextRequired   = errors.New("--text must be provided")
	errChunksRequired = errors.New("--chunks must be provided")
	errFileRequired   = errors.New("--file must be provided")
	errMaxCharsValue  = errors.New("--max-chars must be a positive integer")
	errSpeedInvalid   = errors.New("--speed must be a positive number")
	errWorkersInvalid = errors.New("--workers must be a positive integer")
	errTimeoutInvalid = errors.New("--timeout must be a positive duration")
)

// clientOptions holds the flags shared by every subcommand.
type clientOptions struct {
	url           string
	reference     string
	referenceText string
	speed         float64
	workers       int
	timeout       time.Duration
	logDir        string
}

func main() {
	err := task.Start(context.Background(), stopTimeout, run)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	a := newCommand().Exec(os.Args[1:])

	return task.Run(ctx, task.DefaultState(), a)
}

func newCommand() *task.Command {
	return &task.Command{
		Name:  filepath.Base(os.Args[0]),
		Usage: `Clone a voice from a reference clip using a running voice clone service.`,
		Flags: []*task.Flag{
			{Name: flagURL, Usage: `Base URL of the service.`, Default: defaultURL},
			{Name: flagReference, Usage: `Reference audio clip of the voice to clone.`, Default: ""},
			{Name: flagReferenceText, Usage: `Transcript of the reference clip, empty to let the model transcribe it.`, Default: ""},
			{Name: flagSpeed, Usage: `Speaking rate multiplier, empty for the service default.`, Default: ""},
			{Name: flagWorkers, Usage: `Concurrent requests when processing chunks.`, Default: defaultWorkers},
			{Name: flagTimeout, Usage: `Timeout of a single request.`, Default: defaultTimeout},
			{Name: flagLogDir, Usage: `Directory of the client log file.`, Default: os.TempDir()},
		},
		Commands: []*task.Command{{
			Name:  "generate",
			Usage: `Generate speech for a single text.`,
			Flags: []*task.Flag{
				{Name: flagText, Usage: `Text to speak.`, Default: ""},
				{Name: flagOutput, Usage: `Output WAV file.`, Default: defaultOutputFile},
			},
			Action: task.ActionFunc(func(ctx context.Context, st *task.State, _ task.Script) error {
				return withEngine(st, func(engine *tts.HTTPEngine, log *logger.Logger) error {
					return generate(ctx, engine, log, stateString(st, flagText), stateString(st, flagOutput))
				})
			}),
		}, {
			Name:  "batch",
			Usage: `Generate one WAV per entry of a JSON array of strings.`,
			Flags: []*task.Flag{
				{Name: flagChunks, Usage: `JSON file containing text chunks.`, Default: ""},
				{Name: flagOutput, Usage: `Output directory.`, Default: defaultOutputDir},
			},
			Action: task.ActionFunc(func(ctx context.Context, st *task.State, _ task.Script) error {
				return withEngine(st, func(engine *tts.HTTPEngine, log *logger.Logger) error {
					return batch(ctx, engine, log, stateString(st, flagChunks), stateString(st, flagOutput))
				})
			}),
		}, {
			Name:  "narrate",
			Usage: `Split a plain text file at sentence boundaries and generate one WAV per chunk.`,
			Flags: []*task.Flag{
				{Name: flagFile, Usage: `Plain text file to narrate.`, Default: ""},
				{Name: flagMaxChars, Usage: `Maximum characters per chunk.`, Default: strconv.Itoa(text.DefaultMaxRunes)},
				{Name: flagOutput, Usage: `Output directory.`, Default: defaultOutputDir},
			},
			Action: task.ActionFunc(func(ctx context.Context, st *task.State, _ task.Script) error {
				return withEngine(st, func(engine *tts.HTTPEngine, log *logger.Logger) error {
					return narrate(ctx, engine, log, stateString(st, flagFile), stateString(st, flagMaxChars),
						stateString(st, flagOutput))
				})
			}),
		}, {
			Name:  "health",
			Usage: `Check the service health and exit.`,
			Action: task.ActionFunc(func(ctx context.Context, st *task.State, _ task.Script) error {
				return withEngine(st, func(engine *tts.HTTPEngine, log *logger.Logger) error {
					return health(ctx, engine, log)
				})
			}),
		}},
	}
}

func stateString(st *task.State, name string) string {
	value, _ := st.Get(name).(string)

	return value
}

// parseOptions validates the shared flags. get returns the raw flag value.
func parseOptions(get func(name string) string) (clientOptions, error) {
	options := clientOptions{
		url:           get(flagURL),
		reference:     get(flagReference),
		referenceText: get(flagReferenceText),
		logDir:        get(flagLogDir),
	}

	if raw := get(flagSpeed); raw != "" {
		speed, err := strconv.ParseFloat(raw, 64)
		if err != nil || speed <= 0 {
			return options, fmt.Errorf("%w: %q", errSpeedInvalid, raw)
		}

		options.speed = speed
	}

	workers, err := strconv.Atoi(get(flagWorkers))
	if err != nil || workers < 1 {
		return options, fmt.Errorf("%w: %q", errWorkersInvalid, get(flagWorkers))
	}

	options.workers = workers

	timeout, err := time.ParseDuration(get(flagTimeout))
	if err != nil || timeout <= 0 {
		return options, fmt.Errorf("%w: %q", errTimeoutInvalid, get(flagTimeout))
	}

	options.timeout = timeout

	return options, nil
}

func withEngine(st *task.State, action func(*tts.HTTPEngine, *logger.Logger) error) error {
	options, err := parseOptions(func(name string) string { return stateString(st, name) })
	if err != nil {
		return err
	}

	log, err := logger.New(options.logDir, logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	log.Info("TTS client targeting %s", options.url)

	engine := tts.NewHTTPEngine(options.url, tts.EngineConfig{
		Workers:       options.workers,
		Timeout:       options.timeout,
		ReferencePath: options.reference,
		ReferenceText: options.referenceText,
		Speed:         options.speed,
	}, log)

	return action(engine, log)
}

func generate(ctx context.Context, engine *tts.HTTPEngine, log *logger.Logger, text, outputPath string) error {
	if text == "" {
		return errTextRequired
	}

	log.Info("Processing single text to: %s", outputPath)

	err := engine.ProcessSingleChunk(ctx, text, outputPath)
	if err != nil {
		log.Error("Failed to process text: %v", err)

		return fmt.Errorf("failed to process text: %w", err)
	}

	fmt.Printf("Generated: %s\n", outputPath)

	return nil
}

func batch(ctx context.Context, engine *tts.HTTPEngine, log *logger.Logger, chunksPath, outputDir string) error {
	if chunksPath == "" {
		return errChunksRequired
	}

	log.Info("Processing chunks from: %s", chunksPath)
	log.Info("Output directory: %s", outputDir)

	err := engine.ProcessChunks(ctx, chunksPath, outputDir)
	if err != nil {
		log.Error("Failed to process chunks: %v", err)

		return fmt.Errorf("failed to process chunks: %w", err)
	}

	fmt.Printf("Generated audio files in: %s\n", outputDir)

	return nil
}

func narrate(ctx context.Context, engine *tts.HTTPEngine, log *logger.Logger, path, maxChars, outputDir string) error {
	if path == "" {
		return errFileRequired
	}

	limit, err := strconv.Atoi(maxChars)
	if err != nil || limit < 1 {
		return fmt.Errorf("%w: %q", errMaxCharsValue, maxChars)
	}

	log.Info("Narrating %s in chunks of at most %d characters", path, limit)

	processErr := engine.ProcessNarration(ctx, path, outputDir, text.NewChunker(limit))
	if processErr != nil {
		log.Error("Failed to narrate %s: %v", path, processErr)

		return fmt.Errorf("failed to narrate: %w", processErr)
	}

	fmt.Printf("Generated audio files in: %s\n", outputDir)

	return nil
}

func health(ctx context.Context, engine *tts.HTTPEngine, log *logger.Logger) error {
	report, err := engine.CheckHealth(ctx)
	if err != nil {
		log.Error("Health check failed: %v", err)
		fmt.Printf("TTS service is not healthy: %v\n", err)

		return err
	}

	fmt.Printf("TTS service is healthy (device %s)\n", report.Device)

	return nil
}
