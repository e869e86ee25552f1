package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/numplay/language/star"
	"github.com/caffeineduck/numplay/playground"
	"github.com/caffeineduck/numplay/runtime"
	"github.com/caffeineduck/numplay/runtime/runtimetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	pages *pageManager
}

func setupTestServer(t *testing.T, factory runtime.Factory) *testServer {
	t.Helper()
	pages := newPageManager(context.Background(), factory, time.Minute, slog.New(slog.DiscardHandler))
	srv := httptest.NewServer(pages.handler())
	t.Cleanup(func() {
		srv.Close()
		pages.closeAll()
	})
	return &testServer{Server: srv, pages: pages}
}

func (s *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// createPage makes a page and waits for both playgrounds to finish loading.
func (s *testServer) createPage(t *testing.T) string {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/pages", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created createPageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.PageID)
	assert.Equal(t, []string{"scratch", "workflow"}, created.Playgrounds)

	page, ok := s.pages.get(created.PageID)
	require.True(t, ok)
	for _, v := range page.Views() {
		select {
		case <-v.Loaded():
		case <-time.After(5 * time.Second):
			t.Fatal("playground did not load")
		}
	}
	return created.PageID
}

func (s *testServer) state(t *testing.T, pageID, name string) playground.State {
	t.Helper()
	resp := s.do(t, http.MethodGet, "/pages/"+pageID+"/playgrounds/"+name, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st playground.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func lineTexts(st playground.State) []string {
	out := make([]string, len(st.Output))
	for i, l := range st.Output {
		out[i] = l.Text
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	s := setupTestServer(t, &runtimetest.Factory{})
	resp := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	assert.Equal(t, "ok", body.String())
}

func TestCreatePageMountsPlaygrounds(t *testing.T) {
	factory := &runtimetest.Factory{}
	s := setupTestServer(t, factory)
	id := s.createPage(t)

	assert.Equal(t, 2, factory.Calls())
	st := s.state(t, id, "workflow")
	assert.Equal(t, "ready", st.Status)
	assert.Equal(t, "● Ready", st.StatusLabel)
	assert.True(t, st.RunEnabled)
	assert.Equal(t, []string{"Ready! Click 'Run' to execute sklearn workflow."}, lineTexts(st))
}

func TestEditAndRun(t *testing.T) {
	s := setupTestServer(t, &runtimetest.Factory{})
	id := s.createPage(t)
	base := "/pages/" + id + "/playgrounds/scratch"

	resp := s.do(t, http.MethodPut, base+"/source", `{"source":"print hello\nraise ValueError: bad"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, http.MethodPost, base+"/run", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run runResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, "ready", run.Status)
	assert.Equal(t, "ValueError: bad", run.Fault)
	assert.Equal(t, 2, run.Lines)

	st := s.state(t, id, "scratch")
	assert.Equal(t, []string{"hello", "Traceback: ValueError: bad"}, lineTexts(st))
	assert.True(t, st.Modified)

	other := s.state(t, id, "workflow")
	assert.Len(t, other.Output, 1, "playgrounds share nothing")
}

func TestRunBeforeReadyConflicts(t *testing.T) {
	hold := make(chan struct{})
	s := setupTestServer(t, &runtimetest.Factory{Hold: hold})
	t.Cleanup(func() { close(hold) })

	resp := s.do(t, http.MethodPost, "/pages", "")
	var created createPageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	resp = s.do(t, http.MethodPost, "/pages/"+created.PageID+"/playgrounds/scratch/run", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	st := s.state(t, created.PageID, "scratch")
	assert.Equal(t, "○ Loading...", st.StatusLabel)
	assert.False(t, st.RunEnabled)
	assert.Empty(t, st.Output)
}

func TestResetEndpoint(t *testing.T) {
	s := setupTestServer(t, &runtimetest.Factory{})
	id := s.createPage(t)
	base := "/pages/" + id + "/playgrounds/workflow"
	s.do(t, http.MethodPut, base+"/source", `{"source":"print edited"}`)

	resp := s.do(t, http.MethodPost, base+"/reset", `{"confirm":false}`)
	var reset resetResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reset))
	assert.Equal(t, "declined", reset.Outcome)
	assert.Equal(t, "Reset code to sklearn example?", reset.Prompt)
	assert.Equal(t, "print edited", s.state(t, id, "workflow").Source)

	resp = s.do(t, http.MethodPost, base+"/reset", `{"confirm":true}`)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reset))
	assert.Equal(t, "applied", reset.Outcome)

	st := s.state(t, id, "workflow")
	assert.False(t, st.Modified)
	assert.Empty(t, st.Output)
}

func TestBadRequests(t *testing.T) {
	s := setupTestServer(t, &runtimetest.Factory{})
	id := s.createPage(t)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/pages/nope/playgrounds/scratch", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/pages/"+id+"/playgrounds/pandas", "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, "/pages/"+id+"/playgrounds/scratch/source", `{}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/pages/"+id+"/playgrounds/scratch/reset", `{`).StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, s.do(t, http.MethodGet, "/pages/"+id+"/playgrounds/scratch/run", "").StatusCode)
}

func TestDeletePage(t *testing.T) {
	factory := &runtimetest.Factory{}
	s := setupTestServer(t, factory)
	id := s.createPage(t)
	interp := factory.Last()

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/pages/"+id, "").StatusCode)
	assert.True(t, interp.Closed())
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/pages/"+id, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/pages/"+id+"/playgrounds/scratch", "").StatusCode)
}

func TestReapIdlePages(t *testing.T) {
	factory := &runtimetest.Factory{}
	s := setupTestServer(t, factory)
	s.createPage(t)
	s.createPage(t)
	require.Equal(t, 2, s.pages.len())

	assert.Zero(t, s.pages.reap(time.Now()))
	assert.Equal(t, 2, s.pages.reap(time.Now().Add(2*time.Minute)))
	assert.Zero(t, s.pages.len())
	assert.True(t, factory.Last().Closed())
}

func TestOutputStream(t *testing.T) {
	s := setupTestServer(t, &runtimetest.Factory{})
	id := s.createPage(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/pages/"+id+"/playgrounds/scratch/output", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := bufio.NewScanner(resp.Body)
	next := func() (event, data string) {
		for events.Scan() {
			line := events.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && event != "":
				return event, data
			}
		}
		t.Fatal("stream ended")
		return "", ""
	}

	event, data := next()
	assert.Equal(t, "line", event)
	assert.Contains(t, data, "Ready! Click 'Run' to train the model.")

	s.do(t, http.MethodPut, "/pages/"+id+"/playgrounds/scratch/source", `{"source":"print streamed"}`)
	s.do(t, http.MethodPost, "/pages/"+id+"/playgrounds/scratch/run", "")

	event, _ = next()
	assert.Equal(t, "reset", event)
	event, data = next()
	assert.Equal(t, "line", event)
	assert.JSONEq(t, `{"text":"streamed","stream":0}`, data)
}

func TestOutputStreamKeepsPageAlive(t *testing.T) {
	s := setupTestServer(t, &runtimetest.Factory{})
	id := s.createPage(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/pages/"+id+"/playgrounds/scratch/output", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// The ready line arrives once the handler is following the page.
	events := bufio.NewScanner(resp.Body)
	require.True(t, events.Scan())
	require.Equal(t, "event: line", events.Text())

	assert.Zero(t, s.pages.reap(time.Now().Add(time.Hour)))
	_, ok := s.pages.get(id)
	assert.True(t, ok)

	cancel()
	require.Eventually(t, func() bool {
		return s.pages.reap(time.Now().Add(time.Hour)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, s.pages.len())
}

func TestServeRealPrograms(t *testing.T) {
	s := setupTestServer(t, star.New())
	id := s.createPage(t)

	resp := s.do(t, http.MethodPost, "/pages/"+id+"/playgrounds/scratch/run", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run runResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Empty(t, run.Fault)

	assert.Contains(t, lineTexts(s.state(t, id, "scratch")), "Accuracy: 100.0 %")
}
