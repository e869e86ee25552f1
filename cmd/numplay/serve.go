package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/caffeineduck/numplay/executor"
	"github.com/caffeineduck/numplay/playground"
	"github.com/caffeineduck/numplay/runtime"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server hosting playground pages",
	Long: `Start an HTTP server where every page gets its own pair of playgrounds.

Endpoints:
  POST   /pages                                     Create a page, returns {"page_id":"..."}
  DELETE /pages/{id}                                Close a page and its runtimes
  GET    /pages/{id}/playgrounds/{name}             Playground state
  PUT    /pages/{id}/playgrounds/{name}/source      Replace the program {"source":"..."}
  POST   /pages/{id}/playgrounds/{name}/run         Run the program
  POST   /pages/{id}/playgrounds/{name}/reset       Reset the program {"confirm":true}
  GET    /pages/{id}/playgrounds/{name}/output      Follow output (Server-Sent Events)
  GET    /health                                    Health check

Pages idle for longer than --page-ttl are closed.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Address to listen on (default from config: 127.0.0.1:8080)")
	serveCmd.Flags().Duration("page-ttl", 0, "Close pages idle for this long (default from config: 15m)")
	rootCmd.AddCommand(serveCmd)
}

// pageManager owns every live page. Pages mount on creation and unmount on
// close or once idle past the TTL.
type pageManager struct {
	factory runtime.Factory
	opts    []playground.Option
	ttl     time.Duration
	logger  *slog.Logger
	// baseCtx outlives requests; runtimes load under it.
	baseCtx context.Context

	mu    sync.RWMutex
	pages map[string]*playground.Page
}

func newPageManager(ctx context.Context, factory runtime.Factory, ttl time.Duration, logger *slog.Logger, opts ...playground.Option) *pageManager {
	return &pageManager{
		factory: factory,
		opts:    opts,
		ttl:     ttl,
		logger:  logger,
		baseCtx: ctx,
		pages:   make(map[string]*playground.Page),
	}
}

func (pm *pageManager) create() *playground.Page {
	page := playground.NewPage(pm.factory, pm.opts...)
	pm.mu.Lock()
	pm.pages[page.ID] = page
	pm.mu.Unlock()

	page.Mount(pm.baseCtx)
	pm.logger.Info("page created", "page", page.ID)
	return page
}

func (pm *pageManager) get(id string) (*playground.Page, bool) {
	pm.mu.RLock()
	page, ok := pm.pages[id]
	pm.mu.RUnlock()
	if ok {
		page.Touch()
	}
	return page, ok
}

func (pm *pageManager) close(id string) bool {
	pm.mu.Lock()
	page, ok := pm.pages[id]
	delete(pm.pages, id)
	pm.mu.Unlock()
	if ok {
		pm.unmount(page)
	}
	return ok
}

func (pm *pageManager) unmount(page *playground.Page) {
	if err := page.Unmount(context.Background()); err != nil {
		pm.logger.Warn("page unmount failed", "page", page.ID, "error", err)
	}
}

// reap closes pages idle longer than the TTL and reports how many.
func (pm *pageManager) reap(now time.Time) int {
	var expired []*playground.Page
	pm.mu.Lock()
	for id, page := range pm.pages {
		if page.IdleSince(now) > pm.ttl {
			expired = append(expired, page)
			delete(pm.pages, id)
		}
	}
	pm.mu.Unlock()

	for _, page := range expired {
		pm.logger.Info("page expired", "page", page.ID)
		pm.unmount(page)
	}
	return len(expired)
}

func (pm *pageManager) runReaper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			pm.reap(now)
		}
	}
}

func (pm *pageManager) closeAll() {
	pm.mu.Lock()
	pages := pm.pages
	pm.pages = make(map[string]*playground.Page)
	pm.mu.Unlock()

	for _, page := range pages {
		pm.unmount(page)
	}
}

func (pm *pageManager) len() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.pages)
}

type createPageResponse struct {
	PageID      string   `json:"page_id"`
	Playgrounds []string `json:"playgrounds"`
}

type sourceRequest struct {
	Source *string `json:"source"`
}

type runResponse struct {
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Lines      int    `json:"lines"`
	Fault      string `json:"fault,omitempty"`
}

type resetRequest struct {
	Confirm bool `json:"confirm"`
}

type resetResponse struct {
	Outcome string `json:"outcome"`
	Prompt  string `json:"prompt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (pm *pageManager) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /pages", func(w http.ResponseWriter, r *http.Request) {
		page := pm.create()
		writeJSON(w, http.StatusCreated, createPageResponse{PageID: page.ID, Playgrounds: playground.Names()})
	})

	mux.HandleFunc("DELETE /pages/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !pm.close(r.PathValue("id")) {
			writeError(w, http.StatusNotFound, "page not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /pages/{id}/playgrounds/{name}", pm.withView(func(w http.ResponseWriter, r *http.Request, v *playground.View) {
		writeJSON(w, http.StatusOK, v.Snapshot())
	}))

	mux.HandleFunc("PUT /pages/{id}/playgrounds/{name}/source", pm.withView(func(w http.ResponseWriter, r *http.Request, v *playground.View) {
		var req sourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == nil {
			writeError(w, http.StatusBadRequest, "source required")
			return
		}
		v.Edit(*req.Source)
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("POST /pages/{id}/playgrounds/{name}/run", pm.withView(func(w http.ResponseWriter, r *http.Request, v *playground.View) {
		// A run is not cancellable from the client side.
		res, err := v.Run(context.WithoutCancel(r.Context()))
		switch {
		case errors.Is(err, executor.ErrNotReady), errors.Is(err, executor.ErrBusy):
			writeError(w, http.StatusConflict, err.Error())
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := runResponse{
			Status:     v.Status().String(),
			DurationMs: res.Duration.Milliseconds(),
			Lines:      res.Lines,
		}
		if res.Fault != nil {
			resp.Fault = res.Fault.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	}))

	mux.HandleFunc("POST /pages/{id}/playgrounds/{name}/reset", pm.withView(func(w http.ResponseWriter, r *http.Request, v *playground.View) {
		var req resetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		outcome := v.Reset(executor.Answer(req.Confirm))
		writeJSON(w, http.StatusOK, resetResponse{Outcome: outcome.String(), Prompt: v.ResetPrompt()})
	}))

	mux.HandleFunc("GET /pages/{id}/playgrounds/{name}/output", func(w http.ResponseWriter, r *http.Request) {
		page, view, ok := pm.lookup(w, r)
		if !ok {
			return
		}
		// An open stream keeps the page from being reaped.
		release := page.Watch()
		defer release()
		pm.streamOutput(w, r, view)
	})

	return mux
}

// lookup resolves the page and playground named in the path, writing a 404
// when either is missing.
func (pm *pageManager) lookup(w http.ResponseWriter, r *http.Request) (*playground.Page, *playground.View, bool) {
	page, ok := pm.get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "page not found")
		return nil, nil, false
	}
	view, ok := page.View(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "playground not found")
		return nil, nil, false
	}
	return page, view, true
}

func (pm *pageManager) withView(fn func(http.ResponseWriter, *http.Request, *playground.View)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, view, ok := pm.lookup(w, r); ok {
			fn(w, r, view)
		}
	}
}

// streamOutput sends the transcript as Server-Sent Events: a "reset" event
// whenever the output was cleared, then one "line" event per line.
func (pm *pageManager) streamOutput(w http.ResponseWriter, r *http.Request, v *playground.View) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	follower := v.Follow()
	for {
		batch, err := follower.Next(r.Context())
		if err != nil {
			return
		}
		if batch.Reset {
			fmt.Fprint(w, "event: reset\ndata: {}\n\n")
		}
		for _, line := range batch.Lines {
			data, _ := json.Marshal(line)
			fmt.Fprintf(w, "event: line\ndata: %s\n\n", data)
		}
		flusher.Flush()
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") {
		a.cfg.Server.Listen, _ = cmd.Flags().GetString("listen")
	}
	ttl := a.cfg.Server.PageTTL.Std()
	if cmd.Flags().Changed("page-ttl") {
		ttl, _ = cmd.Flags().GetDuration("page-ttl")
		if ttl <= 0 {
			return fmt.Errorf("--page-ttl must be positive, got %v", ttl)
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	pages := newPageManager(ctx, a.factory, ttl, a.logger, a.viewOptions()...)
	defer pages.closeAll()

	srv := &http.Server{
		Addr:              a.cfg.Server.Listen,
		Handler:           pages.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("numplay server listening", "addr", srv.Addr, "backend", a.cfg.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return pages.runReaper(gctx, a.cfg.Server.ReapInterval.Std())
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
