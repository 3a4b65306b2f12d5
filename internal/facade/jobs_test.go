package facade

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tango/internal/common/config"
	"tango/internal/common/httpresponse"
	"tango/internal/common/tangoerr"
	"tango/internal/core/pool"
	"tango/internal/core/queue"
	"tango/internal/facade/middleware"
	"tango/internal/vmms"
)

// stubDriver answers GetImages from a fixed list and no-ops everything
// else; the façade tests below only exercise validation and queue/pool
// wiring, never an actual job run.
type stubDriver struct{ images []string }

func (d *stubDriver) InitializeVM(ctx context.Context, image string) (*vmms.VM, error) {
	return &vmms.VM{ID: "vm", Image: image}, nil
}
func (d *stubDriver) WaitVM(ctx context.Context, vm *vmms.VM, maxWait time.Duration) error {
	return nil
}
func (d *stubDriver) CopyIn(ctx context.Context, vm *vmms.VM, files []vmms.InputFile) error {
	return nil
}
func (d *stubDriver) RunJob(ctx context.Context, vm *vmms.VM, limit time.Duration, sink io.Writer) (vmms.RunResult, error) {
	return vmms.RunResult{}, nil
}
func (d *stubDriver) CopyOut(ctx context.Context, vm *vmms.VM, dest string) error { return nil }
func (d *stubDriver) DestroyVM(ctx context.Context, vm *vmms.VM) error           { return nil }
func (d *stubDriver) SafeDestroyVM(ctx context.Context, vm *vmms.VM) error       { return nil }
func (d *stubDriver) GetVMs(ctx context.Context) ([]*vmms.VM, error)             { return nil, nil }
func (d *stubDriver) ExistsVM(ctx context.Context, vm *vmms.VM) (bool, error)    { return true, nil }
func (d *stubDriver) GetImages(ctx context.Context) ([]string, error)           { return d.images, nil }

const testAccessKey = "alice:s3cr3t"

func newTestServer(t *testing.T) (http.Handler, *queue.Queue) {
	t.Helper()
	hash, err := middleware.HashKey(testAccessKey)
	if err != nil {
		t.Fatalf("hash test key: %v", err)
	}
	store := middleware.StaticKeyStore{"alice": hash}

	q := queue.New(10, false)
	driver := &stubDriver{images: []string{"gcc"}}
	p := pool.New(driver, 1)

	srv := NewServer(config.ServerConfig{Addr: ":0"}, Deps{
		Queue:    q,
		Pool:     p,
		Driver:   driver,
		KeyStore: store,
		Job:      config.JobConfig{MaxOutputFileSize: 1 << 20},
		QueueCfg: config.QueueConfig{},
	})
	return srv.Handler, q
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, httpresponse.Envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Access-Key", testAccessKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var env httpresponse.Envelope
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
	}
	return rec, env
}

func TestAddJobRejectsMissingAccessKey(t *testing.T) {
	handler, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != tangoerr.Unauthorized.HTTPStatus() {
		t.Fatalf("expected unauthorized without an access key, got %d", rec.Code)
	}
}

func TestAddJobRejectsEmptyInputFiles(t *testing.T) {
	handler, _ := newTestServer(t)
	rec, env := doRequest(t, handler, http.MethodPost, "/api/v1/jobs", map[string]any{
		"image":      "gcc",
		"inputFiles": []any{},
		"outputFile": map[string]string{"destPath": "out"},
		"timeout":    30,
	})
	if rec.Code == http.StatusOK {
		t.Fatalf("expected rejection for empty input files, got 200: %+v", env)
	}
	if env.Code != tangoerr.EmptyInputFiles {
		t.Fatalf("expected code %d, got %d (%s)", tangoerr.EmptyInputFiles, env.Code, env.Message)
	}
}

func TestAddJobRejectsMissingMakefile(t *testing.T) {
	handler, _ := newTestServer(t)
	_, env := doRequest(t, handler, http.MethodPost, "/api/v1/jobs", map[string]any{
		"image":      "gcc",
		"inputFiles": []map[string]string{{"localFile": "a.c", "destFile": "a.c"}},
		"outputFile": map[string]string{"destPath": "out"},
		"timeout":    30,
	})
	if env.Code != tangoerr.MakefileMissing {
		t.Fatalf("expected code %d, got %d (%s)", tangoerr.MakefileMissing, env.Code, env.Message)
	}
}

func TestAddJobRejectsZeroTimeout(t *testing.T) {
	handler, _ := newTestServer(t)
	_, env := doRequest(t, handler, http.MethodPost, "/api/v1/jobs", map[string]any{
		"image":      "gcc",
		"inputFiles": []map[string]string{{"localFile": "Makefile", "destFile": "Makefile"}},
		"outputFile": map[string]string{"destPath": "out"},
		"timeout":    0,
	})
	if env.Code != tangoerr.InvalidTimeout {
		t.Fatalf("expected Open Question (c) to reject timeout=0 with code %d, got %d (%s)", tangoerr.InvalidTimeout, env.Code, env.Message)
	}
}

func TestAddJobRejectsUnknownImage(t *testing.T) {
	handler, _ := newTestServer(t)
	_, env := doRequest(t, handler, http.MethodPost, "/api/v1/jobs", map[string]any{
		"image":      "not-an-image",
		"inputFiles": []map[string]string{{"localFile": "Makefile", "destFile": "Makefile"}},
		"outputFile": map[string]string{"destPath": "out"},
		"timeout":    30,
	})
	if env.Code != tangoerr.UnknownImage {
		t.Fatalf("expected code %d, got %d (%s)", tangoerr.UnknownImage, env.Code, env.Message)
	}
}

func TestAddJobAcceptsValidSpecAndPollReturnsIt(t *testing.T) {
	handler, q := newTestServer(t)
	rec, env := doRequest(t, handler, http.MethodPost, "/api/v1/jobs", map[string]any{
		"image":      "gcc",
		"inputFiles": []map[string]string{{"localFile": "Makefile", "destFile": "Makefile"}},
		"outputFile": map[string]string{"destPath": "out"},
		"timeout":    30,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, env.Message)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected data map, got %T", env.Data)
	}
	idFloat, ok := data["id"].(float64)
	if !ok || idFloat == 0 {
		t.Fatalf("expected a nonzero job id in response, got %v", data["id"])
	}

	live, _, pending := q.Counts()
	if live != 1 || pending != 1 {
		t.Fatalf("expected the job to land in the live+pending queue, got live=%d pending=%d", live, pending)
	}

	pollRec, pollEnv := doRequest(t, handler, http.MethodGet, "/api/v1/jobs/1", nil)
	if pollRec.Code != http.StatusOK {
		t.Fatalf("expected poll to succeed, got %d: %s", pollRec.Code, pollEnv.Message)
	}
}

func TestAddJobDuplicateFingerprintReturnsSameID(t *testing.T) {
	handler, _ := newTestServer(t)
	body := map[string]any{
		"image":      "gcc",
		"inputFiles": []map[string]string{{"localFile": "Makefile", "destFile": "Makefile"}},
		"outputFile": map[string]string{"destPath": "out"},
		"timeout":    30,
	}
	_, first := doRequest(t, handler, http.MethodPost, "/api/v1/jobs", body)
	_, second := doRequest(t, handler, http.MethodPost, "/api/v1/jobs", body)

	firstID := first.Data.(map[string]any)["id"]
	secondID := second.Data.(map[string]any)["id"]
	if firstID != secondID {
		t.Fatalf("expected duplicate submission to dedupe to the same job id, got %v then %v", firstID, secondID)
	}
}

func TestPollJobUnknownIDReturnsNotFound(t *testing.T) {
	handler, _ := newTestServer(t)
	rec, env := doRequest(t, handler, http.MethodGet, "/api/v1/jobs/999", nil)
	if rec.Code != tangoerr.NotFound.HTTPStatus() {
		t.Fatalf("expected not-found status, got %d (%s)", rec.Code, env.Message)
	}
}

func TestPreallocVMResizesPool(t *testing.T) {
	handler, _ := newTestServer(t)
	rec, env := doRequest(t, handler, http.MethodPost, "/api/v1/pool/gcc", map[string]any{"target": 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, env.Message)
	}

	poolRec, poolEnv := doRequest(t, handler, http.MethodGet, "/api/v1/pool", nil)
	if poolRec.Code != http.StatusOK {
		t.Fatalf("expected pool snapshot to succeed, got %d: %s", poolRec.Code, poolEnv.Message)
	}
}
