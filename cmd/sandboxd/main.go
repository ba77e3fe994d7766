// Command sandboxd is the code execution sidecar. It receives code over
// HTTP, runs it in a subprocess with a hard timeout, and returns stdout,
// stderr, and the exit code. It is designed to run inside the isolated
// container that the sandbox tool manages.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

type config struct {
	addr            string
	workspaceRoot   string
	pythonBin       string
	nodeBin         string
	tsxBin          string
	maxConcurrent   int
	sessionTTL      time.Duration
	cleanupInterval time.Duration
	maxOutputBytes  int
}

func loadConfig() config {
	cfg := config{
		addr:            ":9000",
		workspaceRoot:   "/var/sandbox",
		pythonBin:       "python3",
		nodeBin:         "node",
		tsxBin:          "tsx",
		maxConcurrent:   4,
		sessionTTL:      time.Hour,
		cleanupInterval: 5 * time.Minute,
		maxOutputBytes:  512 * 1024,
	}
	if v := os.Getenv("SANDBOXD_ADDR"); v != "" {
		cfg.addr = v
	}
	if v := os.Getenv("SANDBOXD_WORKSPACE"); v != "" {
		cfg.workspaceRoot = v
	}
	if v := os.Getenv("SANDBOXD_PYTHON_BIN"); v != "" {
		cfg.pythonBin = v
	}
	if v := os.Getenv("SANDBOXD_NODE_BIN"); v != "" {
		cfg.nodeBin = v
	}
	if v := os.Getenv("SANDBOXD_TSX_BIN"); v != "" {
		cfg.tsxBin = v
	}
	if v := os.Getenv("SANDBOXD_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxConcurrent = n
		}
	}
	if v := os.Getenv("SANDBOXD_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.sessionTTL = d
		}
	}
	if v := os.Getenv("SANDBOXD_MAX_OUTPUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxOutputBytes = n
		}
	}
	return cfg
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmsgprefix)
	log.SetPrefix("[sandboxd] ")

	cfg := loadConfig()

	sessions := newSessionManager(cfg.workspaceRoot, cfg.sessionTTL)
	sessions.start(cfg.cleanupInterval)

	run := newRunner(cfg.pythonBin, cfg.nodeBin, cfg.tsxBin, cfg.maxOutputBytes)
	sem := make(chan struct{}, cfg.maxConcurrent)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", func(w http.ResponseWriter, r *http.Request) {
		handleExecute(sem, sessions, run, w, r)
	})
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("DELETE /workspace/{session}", func(w http.ResponseWriter, r *http.Request) {
		handleDeleteWorkspace(sessions, w, r)
	})

	srv := &http.Server{
		Addr:         cfg.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("listening on %s", cfg.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	sessions.close()
	log.Println("stopped")
}
