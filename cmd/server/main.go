package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pr-review-automation/internal/checkpoint"
	"pr-review-automation/internal/client"
	"pr-review-automation/internal/config"
	"pr-review-automation/internal/hosting"
	"pr-review-automation/internal/httpapi"
	"pr-review-automation/internal/kbclient"
	"pr-review-automation/internal/queue"
	"pr-review-automation/internal/sandbox"
	"pr-review-automation/internal/supervisor"
	"pr-review-automation/internal/worker"
)

func main() {
	cfg := config.LoadConfig()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, logCleanup := setupLogger(cfg)
	defer logCleanup()
	slog.SetDefault(logger)

	llmClient, err := client.NewLLM(cfg)
	if err != nil {
		slog.Error("create llm failed", "error", err)
		os.Exit(1)
	}

	checkpoints, checkpointsCleanup := mustCheckpointStore(cfg)
	defer checkpointsCleanup()

	jobQueue := mustQueue(cfg)

	sandboxProvider := mustSandboxProvider(cfg)
	sandboxCfg := sandbox.DefaultConfig()
	sandboxCfg.TemplateID = cfg.Sandbox.TemplateID
	sandboxCfg.DefaultTimeout = cfg.Sandbox.Timeout
	sandboxCfg.MaxCreateRetries = cfg.Sandbox.MaxRetries
	sandboxCfg.RetryDelaySeconds = cfg.Sandbox.RetryDelaySeconds
	sandboxMgr := sandbox.NewManager(sandboxProvider, sandboxCfg, logger)

	sup := &supervisor.Supervisor{
		Checkpoints: checkpoints,
		Sandbox:     sandboxMgr,
		Queue:       jobQueue,
		Parser:      worker.NewParserWorker(),
		Review:      worker.NewReviewWorker(llmClient, reviewSystemPrompt),
		TestGen:     worker.NewTestGenWorker(llmClient, testGenSystemPrompt, sandboxMgr),
		Formatter:   worker.NewCommentFormatterWorker(llmClient, formatterSystemPrompt),
		Log:         logger,
	}
	if cfg.KB.Enabled && cfg.KB.URL != "" {
		sup.KB = kbclient.New(cfg.KB.URL)
	}

	poster := hosting.NewPoster(cfg, "")
	registerPostReviewHandler(jobQueue, poster)

	go runQueueWorker(jobQueue)

	apiHandler := httpapi.NewHandler(sup, cfg.Server.ConcurrencyLimit).WithDebounce(cfg.Server.DebounceWindow)

	mux := http.NewServeMux()
	apiHandler.Register(mux)

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server start failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("server stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown forced", "error", err)
	}

	sandboxMgr.CleanupAll(context.Background())

	slog.Info("waiting for tasks")
	done := make(chan struct{})
	go func() {
		apiHandler.WaitForCompletion()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("tasks completed")
	case <-time.After(30 * time.Second):
		slog.Warn("task timeout, exiting")
	}

	slog.Info("server stopped")
}

const reviewSystemPrompt = "You are a meticulous senior engineer reviewing a pull request diff. " +
	"Report only issues on changed lines, with a severity, category, and confidence for each."

const testGenSystemPrompt = "You are a senior engineer writing unit tests for the requested targets, " +
	"matching the repository's existing test framework and conventions."

const formatterSystemPrompt = "You format review findings into concise, actionable inline PR comments."

// postReviewJobType is the job the supervisor's posting stage enqueues.
const postReviewJobType = "post_review"

// registerPostReviewHandler wires the queue consumer that actually talks to
// the hosting platform. Posting happens here, off the supervisor's own
// call stack, so a transient hosting-API failure is retried by the queue's
// own backoff instead of failing the whole review.
func registerPostReviewHandler(q queue.Queue, poster *hosting.Poster) {
	q.RegisterHandler(postReviewJobType, hosting.NewQueueHandler(poster))
}

func runQueueWorker(q queue.Queue) {
	ctx := context.Background()
	if err := q.RunWorker(ctx); err != nil {
		slog.Error("queue worker stopped", "error", err)
	}
}

func mustCheckpointStore(cfg *config.Config) (checkpoint.Store, func()) {
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.DSN != "" {
		store, err := checkpoint.NewSQLiteStore(cfg.Storage.DSN)
		if err != nil {
			slog.Error("init checkpoint store failed", "error", err)
			os.Exit(1)
		}
		return store, func() { store.Close() }
	}
	store := checkpoint.NewMemoryStore()
	return store, func() {}
}

func mustQueue(cfg *config.Config) queue.Queue {
	if cfg.Queue.UseRedis && cfg.Queue.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Queue.RedisURL)
		if err != nil {
			slog.Error("parse redis url failed", "error", err)
			os.Exit(1)
		}
		return queue.NewRedisQueue(redis.NewClient(opts))
	}
	return queue.NewMemoryQueue()
}

// mustSandboxProvider returns the sandbox backend. The example pack carries
// no Go client for the remote sandbox service this integrates with, so the
// FakeProvider (already exercised by internal/sandbox's tests) stands in as
// the default binding; sandbox.Provider is the seam a real backend plugs
// into without touching the manager or supervisor.
func mustSandboxProvider(cfg *config.Config) sandbox.Provider {
	return sandbox.NewFakeProvider()
}

func setupLogger(cfg *config.Config) (*slog.Logger, func()) {
	var writers []io.Writer
	var closers []io.Closer
	outputs := strings.Split(cfg.Log.Output, ",")

	for _, output := range outputs {
		output = strings.TrimSpace(output)
		if output == "" {
			continue
		}

		var w io.Writer
		switch output {
		case "stderr":
			w = os.Stderr
		case "stdout":
			w = os.Stdout
		default:
			l := &lumberjack.Logger{Filename: output}
			w = l
			closers = append(closers, l)
		}
		writers = append(writers, w)
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	multiWriter := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: cfg.GetLogLevel()}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(multiWriter, opts)
	} else {
		handler = slog.NewTextHandler(multiWriter, opts)
	}

	cleanup := func() {
		for _, c := range closers {
			c.Close()
		}
	}
	return slog.New(handler), cleanup
}
