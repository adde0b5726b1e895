package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/tts"
	"github.com/gorilla/mux"
)

// NewRouter wires the handler into a router with access logging and panic recovery.
func NewRouter(handler *Handler, log *logger.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(withAccessLog(log), withRecover(log))

	router.HandleFunc(tts.APIGenerate, handler.Generate).Methods(http.MethodPost)
	router.HandleFunc(tts.APIHealth, handler.Health).Methods(http.MethodGet)

	return router
}

type statusRecorder struct {
	http.ResponseWriter

	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(data []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}

	written, err := r.ResponseWriter.Write(data)
	r.bytes += written

	return written, err
}

func withAccessLog(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			recorder := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(recorder, r)

			log.Info("%s %s %d %dB %s", r.Method, r.URL.Path, recorder.status, recorder.bytes,
				time.Since(started).Round(time.Millisecond))
		})
	}
}

// withRecover turns a panic inside a handler into the usual JSON 500 response.
func withRecover(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				recovered := recover()
				if recovered == nil {
					return
				}

				if recovered == http.ErrAbortHandler {
					panic(recovered)
				}

				log.Error("Panic while serving %s %s: %v", r.Method, r.URL.Path, recovered)
				writeError(w, fmt.Errorf("internal error: %v", recovered))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
