package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/config"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/model"
	"github.com/book-expert/voice-clone-service/internal/store"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// ListenFunc opens the listener the HTTP server is bound to.
type ListenFunc func(network, address string) (net.Listener, error)

// Service owns the process-wide lifecycle: directories, the one model load,
// and the HTTP listener.
type Service struct {
	cfg            *config.Config
	handle         *model.Handle
	log            *logger.Logger
	listen         ListenFunc
	hasAccelerator model.AcceleratorCheck
}

// Option customizes a Service.
type Option func(*Service)

// WithListenFunc replaces net.Listen.
func WithListenFunc(listen ListenFunc) Option {
	return func(s *Service) {
		s.listen = listen
	}
}

// WithAcceleratorCheck replaces the accelerator check used at load time.
func WithAcceleratorCheck(check model.AcceleratorCheck) Option {
	return func(s *Service) {
		s.hasAccelerator = check
	}
}

// NewService creates a service around backend. Nothing is loaded until Run.
func NewService(cfg *config.Config, backend core.Backend, log *logger.Logger, options ...Option) *Service {
	service := &Service{
		cfg:    cfg,
		log:    log,
		listen: net.Listen,
	}

	for _, option := range options {
		option(service)
	}

	service.handle = model.NewHandle(backend, model.Options{
		DevicePreference: cfg.Model.Device,
		HasAccelerator:   service.hasAccelerator,
	}, log)

	return service
}

// Handle returns the model handle owned by the service.
func (s *Service) Handle() *model.Handle {
	return s.handle
}

// Run creates the directories, loads the model, binds the listener and serves
// until ctx is done. A failure before binding is returned without serving.
func (s *Service) Run(ctx context.Context) error {
	transientStore, err := store.New(s.cfg.Paths.UploadDir, s.cfg.Paths.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to prepare transient directories: %w", err)
	}

	s.log.Info("Storing references in %s and outputs in %s", transientStore.ReferenceDir(), transientStore.OutputDir())

	loadErr := s.handle.EnsureLoaded(ctx)
	if loadErr != nil {
		return fmt.Errorf("refusing to serve without a model: %w", loadErr)
	}

	listener, err := s.listen("tcp", s.cfg.Server.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Address(), err)
	}

	handler := NewHandler(transientStore, s.handle, s.handle, s.log)
	httpServer := &http.Server{
		Handler:           NewRouter(handler, s.log),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()

	go transientStore.RunReaper(reaperCtx, s.cfg.Retention.Interval(), s.cfg.Retention.MaxAge(), s.log)

	serveErr := make(chan error, 1)

	go func() {
		serveErr <- httpServer.Serve(listener)
	}()

	s.log.System("Voice clone service listening on %s (device %s)", listener.Addr(), s.handle.Device())

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("Shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	shutdownErr := httpServer.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		return fmt.Errorf("failed to shut down http server: %w", shutdownErr)
	}

	return nil
}
