package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/vaultport/internal/jobs"
	"github.com/starford/vaultport/internal/pipeline"
	"github.com/starford/vaultport/internal/storage"
	"github.com/starford/vaultport/internal/testutil"
)

type testEnv struct {
	router  http.Handler
	mgr     *jobs.Manager
	vault   *storage.FS
	bundles string
}

// newTestEnv sets up a temp vault, state DB, job manager and router.
// A non-empty token enables token auth.
func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	return newTestEnvSSE(t, token, nil)
}

func newTestEnvSSE(t *testing.T, token string, sse http.Handler) *testEnv {
	t.Helper()
	_, fs := testutil.TestVault(t)
	orch := pipeline.New(pipeline.Deps{FS: fs, State: testutil.TestState(t)}, pipeline.Options{Workers: 2})
	mgr := jobs.NewManager(orch, jobs.Options{SpoolDir: t.TempDir()})
	t.Cleanup(mgr.Close)

	bundles := t.TempDir()
	router := NewRouter(mgr, fs, RouterOptions{
		AuthEnabled: token != "",
		Token:       token,
		SSE:         sse,
		BundleRoot:  bundles,
	})
	return &testEnv{router: router, mgr: mgr, vault: fs, bundles: bundles}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) writeBundle(t *testing.T, name string) {
	t.Helper()
	testutil.WriteBundle(t, e.bundles, name,
		testutil.Note{GUID: "a", Title: "Alpha", Notebook: "Work", Body: "<div>one</div>"},
		testutil.Note{GUID: "b", Title: "Beta", Body: "<div>two</div>"},
	)
}

func (e *testEnv) wait(t *testing.T, id string) jobs.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := e.mgr.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return st
}

func startJSON(path string) *http.Request {
	body, _ := json.Marshal(map[string]string{"path": path})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeJob(t *testing.T, w *httptest.ResponseRecorder) jobs.Status {
	t.Helper()
	var st jobs.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode job: %v (body %s)", err, w.Body.String())
	}
	return st
}

func TestStartAndGetJob(t *testing.T) {
	env := newTestEnv(t, "")
	env.writeBundle(t, "export.enex")

	w := env.do(startJSON("export.enex"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("start status = %d, body = %s", w.Code, w.Body.String())
	}
	started := decodeJob(t, w)
	if started.ID == "" || started.Bundle != "export.enex" {
		t.Fatalf("unexpected job: %+v", started)
	}
	env.wait(t, started.ID)

	w = env.do(httptest.NewRequest(http.MethodGet, "/jobs/"+started.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	got := decodeJob(t, w)
	if got.Stage != pipeline.StageCompleted {
		t.Errorf("stage = %s, want Completed", got.Stage)
	}
	if got.Manifest == nil || got.Manifest.Written != 2 {
		t.Errorf("manifest = %+v, want 2 written", got.Manifest)
	}
	if ok, _ := env.vault.Exists("Work/Alpha.md"); !ok {
		t.Error("Work/Alpha.md not written")
	}
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t, "")
	env.writeBundle(t, "export.enex")

	w := env.do(startJSON("export.enex"))
	env.wait(t, decodeJob(t, w).ID)

	w = env.do(httptest.NewRequest(http.MethodGet, "/jobs", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var resp JobListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 || len(resp.Jobs) != 1 {
		t.Errorf("list = %+v, want one job", resp)
	}
}

func TestStartJob_BadRequests(t *testing.T) {
	env := newTestEnv(t, "")

	cases := []struct {
		name string
		req  *http.Request
	}{
		{"invalid json", httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader("{"))},
		{"missing path", startJSON("")},
		{"wrong extension", startJSON("notes.txt")},
		{"traversal", startJSON("../../etc/export.enex")},
		{"absolute outside root", startJSON("/tmp/elsewhere/export.enex")},
		{"missing file", startJSON("ghost.enex")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(tc.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestStartJob_Busy(t *testing.T) {
	env := newTestEnv(t, "")
	env.writeBundle(t, "export.enex")

	// Hold the vault with a stream that never ends until the test finishes.
	pr, pw := io.Pipe()
	defer pw.Close()
	st, err := env.mgr.Start(pipeline.Source{Reader: pr, Name: "stream"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	w := env.do(startJSON("export.enex"))
	if w.Code != http.StatusConflict {
		t.Errorf("busy start = %d, want 409", w.Code)
	}

	w = env.do(httptest.NewRequest(http.MethodDelete, "/jobs/"+st.ID, nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d, body = %s", w.Code, w.Body.String())
	}
	pw.CloseWithError(io.ErrClosedPipe)
	final := env.wait(t, st.ID)
	if !final.Stage.Terminal() {
		t.Errorf("stage = %s, want terminal", final.Stage)
	}

	w = env.do(httptest.NewRequest(http.MethodDelete, "/jobs/"+st.ID, nil))
	if w.Code != http.StatusConflict {
		t.Errorf("cancel finished = %d, want 409", w.Code)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(httptest.NewRequest(http.MethodGet, "/jobs/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing job = %d, want 404", w.Code)
	}
	w = env.do(httptest.NewRequest(http.MethodDelete, "/jobs/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("cancel missing job = %d, want 404", w.Code)
	}
}

func TestUploadJob(t *testing.T) {
	env := newTestEnv(t, "")
	doc := testutil.ENEX(testutil.Note{GUID: "u", Title: "Uploaded", Body: "<div>hi</div>"})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("note", "ignored")
	part, err := mw.CreateFormFile("file", "upload.enex")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(part, strings.NewReader(doc))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/jobs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := env.do(req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("upload status = %d, body = %s", w.Code, w.Body.String())
	}
	st := decodeJob(t, w)
	if st.Bundle != "upload.enex" {
		t.Errorf("bundle = %q, want upload.enex", st.Bundle)
	}
	final := env.wait(t, st.ID)
	if final.Stage != pipeline.StageCompleted {
		t.Errorf("stage = %s (%s), want Completed", final.Stage, final.Error)
	}
}

func TestUploadJob_MissingFileField(t *testing.T) {
	env := newTestEnv(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("other", "value")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/jobs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := env.do(req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestLastManifest(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(httptest.NewRequest(http.MethodGet, "/manifest", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("manifest before run = %d, want 404", w.Code)
	}

	env.writeBundle(t, "export.enex")
	w = env.do(startJSON("export.enex"))
	st := env.wait(t, decodeJob(t, w).ID)

	w = env.do(httptest.NewRequest(http.MethodGet, "/manifest", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("manifest status = %d", w.Code)
	}
	var m pipeline.Manifest
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if m.JobID != st.ID || m.Written != 2 {
		t.Errorf("manifest = %+v", m)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	env := newTestEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	if w := env.do(req); w.Code != http.StatusOK {
		t.Errorf("authed list = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	env := newTestEnv(t, "secret123")

	if w := env.do(httptest.NewRequest(http.MethodGet, "/jobs", nil)); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	env := newTestEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	if w := env.do(req); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	env := newTestEnv(t, "")

	if w := env.do(httptest.NewRequest(http.MethodGet, "/jobs", nil)); w.Code != http.StatusOK {
		t.Errorf("no auth = %d, want 200", w.Code)
	}
}

// SSE endpoint auth tests.

func blockingSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
}

func TestSSEEvents_AuthProtected(t *testing.T) {
	env := newTestEnvSSE(t, "secret", blockingSSE())

	if w := env.do(httptest.NewRequest(http.MethodGet, "/events", nil)); w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	env := newTestEnvSSE(t, "tok", blockingSSE())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := env.do(req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
}

func TestResolveBundle(t *testing.T) {
	root := t.TempDir()
	got, err := resolveBundle(root, "sub/export.ENEX")
	if err != nil {
		t.Fatalf("resolveBundle: %v", err)
	}
	abs, _ := filepath.Abs(root)
	if got != filepath.Join(abs, "sub", "export.ENEX") {
		t.Errorf("got %q", got)
	}

	if _, err := resolveBundle("", "x.txt"); err == nil {
		t.Error("expected extension error")
	}
	if got, err := resolveBundle("", "dir/../x.enex"); err != nil || got != "x.enex" {
		t.Errorf("no root: got %q, %v", got, err)
	}
}
