package main

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"forksentry/coordinator"
	"forksentry/logger"
	"forksentry/metrics"
	"forksentry/model"
)

const (
	maxPushBodySize = 1 << 20
	shutdownTimeout = 30 * time.Second
)

type jobRunner interface {
	Run(ctx context.Context, job model.Job) (coordinator.Result, error)
}

// pushEnvelope is the body of a Pub/Sub push delivery. Data arrives base64
// encoded, which encoding/json decodes into the byte slice.
type pushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		MessageID  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func newMux(runner jobRunner, m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", pushHandler(runner))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("GET /metrics", m.Handler())
	return mux
}

// pushHandler runs one job per delivery. Any 2xx acknowledges the message,
// so only deferrals answer with an error status; failed jobs are not
// redelivered.
func pushHandler(runner jobRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env pushEnvelope
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBodySize)).Decode(&env); err != nil {
			http.Error(w, "malformed push envelope", http.StatusBadRequest)
			return
		}
		log := logger.WithFields(map[string]interface{}{"message": env.Message.MessageID})
		if len(env.Message.Data) == 0 {
			log.Warn("Dropping push message without data")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		var job model.Job
		if err := json.Unmarshal(env.Message.Data, &job); err != nil {
			log.Errorf("Dropping undecodable job: %v", err)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		res, err := runner.Run(r.Context(), job)
		var deferral *coordinator.Deferral
		if errors.As(err, &deferral) {
			seconds := int(math.Ceil(deferral.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		if err != nil {
			log.Warnf("Job for %s acknowledged after failure", job.ForkFullName)
		} else {
			log.Debugf("Job for %s acknowledged as %s", job.ForkFullName, res.Outcome)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// serve blocks until ctx is canceled, then drains in-flight jobs.
func serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Serving push endpoint on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
