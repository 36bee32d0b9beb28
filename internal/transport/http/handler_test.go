package httptransport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"import-worker-service/internal/entity"
	"import-worker-service/internal/ingest"
	"import-worker-service/internal/notify"
	"import-worker-service/internal/repository/memory"
	"import-worker-service/internal/service"
	"import-worker-service/internal/storage"
	httptransport "import-worker-service/internal/transport/http"
)

const sampleFile = "CODE;NAME;CITY;STATE;YEAR\n1;Alpha;Recife;PE;2020\n"

// ---- fakes ----

type brokenStore struct {
	*memory.JobRepository
}

func (s brokenStore) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return nil, errors.New("connection reset")
}

// ---- helpers ----

type env struct {
	jobs   *memory.JobRepository
	queue  *service.LocalQueue
	router http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	jobs := memory.NewJobRepository()
	return newEnvWith(t, jobs, jobs)
}

func newEnvWith(t *testing.T, jobs *memory.JobRepository, store service.JobStore) *env {
	t.Helper()
	files, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	queue := service.NewLocalQueue(16)
	notifier := notify.New(notify.NewLogPublisher(zap.NewNop()), zap.NewNop())

	svc := service.NewImportService(store, files, queue, notifier, zap.NewNop())
	h := httptransport.NewHandler(svc, zap.NewNop())
	return &env{jobs: jobs, queue: queue, router: httptransport.Routes(h, httptransport.RouterConfig{}, zap.NewNop())}
}

func uploadRequest(t *testing.T, owner string, fields map[string]string, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		fw.Write([]byte(content))
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/imports", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if owner != "" {
		req.Header.Set(httptransport.OwnerHeader, owner)
	}
	return req
}

func jsonRequest(owner string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/imports", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httptransport.OwnerHeader, owner)
	return req
}

func getRequest(path, owner string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if owner != "" {
		req.Header.Set(httptransport.OwnerHeader, owner)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

type jobBody struct {
	ID       string `json:"id"`
	Owner    string `json:"owner"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Strategy string `json:"strategy"`
}

// ---- tests ----

func TestHTTP_SubmitImport_202_AndPublished(t *testing.T) {
	e := newEnv(t)

	rr := serve(e.router, uploadRequest(t, "u1",
		map[string]string{"type": ingest.Institutions.Name, "strategy": "dedup"}, "census.csv", sampleFile))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d, body=%s", rr.Code, rr.Body.String())
	}

	var got jobBody
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid json response: %v, body=%s", err, rr.Body.String())
	}
	if got.Status != string(entity.StatusPending) || got.Owner != "u1" || got.Filename != "census.csv" || got.Strategy != "dedup" {
		t.Fatalf("unexpected job: %+v", got)
	}

	// сообщение попало в канал
	if e.queue.Len() != 1 {
		t.Fatalf("expected 1 queued message, got %d", e.queue.Len())
	}

	// GET /imports/{id} видит ту же задачу
	rr2 := serve(e.router, getRequest("/imports/"+got.ID, "u1"))
	if rr2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr2.Code, rr2.Body.String())
	}
}

func TestHTTP_SubmitImport_409_WhenActiveJobExists(t *testing.T) {
	e := newEnv(t)

	first := serve(e.router, uploadRequest(t, "u1", map[string]string{"type": ingest.Institutions.Name}, "a.csv", sampleFile))
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d, body=%s", first.Code, first.Body.String())
	}

	second := serve(e.router, uploadRequest(t, "u1", map[string]string{"type": ingest.Institutions.Name}, "b.csv", sampleFile))
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d, body=%s", second.Code, second.Body.String())
	}
	if e.queue.Len() != 1 {
		t.Fatalf("conflicting submission must not be published, queued=%d", e.queue.Len())
	}

	// другой пользователь не блокируется
	other := serve(e.router, uploadRequest(t, "u2", map[string]string{"type": ingest.Institutions.Name}, "c.csv", sampleFile))
	if other.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for another owner, got %d", other.Code)
	}
}

func TestHTTP_SubmitImport_400(t *testing.T) {
	cases := map[string]*http.Request{
		"no owner":         uploadRequest(t, "", map[string]string{"type": ingest.Institutions.Name}, "a.csv", sampleFile),
		"no file":          uploadRequest(t, "u1", map[string]string{"type": ingest.Institutions.Name}, "", ""),
		"unknown type":     uploadRequest(t, "u1", map[string]string{"type": "nope"}, "a.csv", sampleFile),
		"unknown strategy": uploadRequest(t, "u1", map[string]string{"type": ingest.Institutions.Name, "strategy": "x"}, "a.csv", sampleFile),
		"not multipart":    jsonRequest("u1"),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			rr := serve(e.router, req)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d, body=%s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestHTTP_GetImport_404_And_400(t *testing.T) {
	e := newEnv(t)

	rr := serve(e.router, getRequest("/imports/"+uuid.NewString(), "u1"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = serve(e.router, getRequest("/imports/not-a-uuid", "u1"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHTTP_GetImport_RequiresOwner(t *testing.T) {
	e := newEnv(t)
	job := &entity.Job{OwnerID: "u1", Filename: "a.csv", ImportType: ingest.Institutions.Name, Strategy: "identity"}
	if err := e.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}

	rr := serve(e.router, getRequest("/imports/"+job.ID.String(), ""))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without owner, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), job.ID.String()) {
		t.Fatalf("job leaked without owner: %s", rr.Body.String())
	}
}

func TestHTTP_GetImport_HidesOtherOwners(t *testing.T) {
	e := newEnv(t)
	job := &entity.Job{OwnerID: "u1", Filename: "a.csv", ImportType: ingest.Institutions.Name, Strategy: "identity"}
	if err := e.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}

	if rr := serve(e.router, getRequest("/imports/"+job.ID.String(), "u2")); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another owner, got %d", rr.Code)
	}
}

func TestHTTP_GetImport_500_OnStoreError(t *testing.T) {
	jobs := memory.NewJobRepository()
	e := newEnvWith(t, jobs, brokenStore{jobs})

	rr := serve(e.router, getRequest("/imports/"+uuid.NewString(), "u1"))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "connection reset") {
		t.Fatalf("internal error leaked: %s", rr.Body.String())
	}
}

func TestHTTP_ListImports_FilterAndPaging(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		job := &entity.Job{OwnerID: "u1", Filename: "a.csv", ImportType: ingest.Institutions.Name, Strategy: "identity"}
		if err := e.jobs.Create(ctx, job); err != nil {
			t.Fatalf("create: %v", err)
		}
		reason := "bad file"
		if err := e.jobs.UpdateStatus(ctx, job.ID, entity.StatusFailed, &reason); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}
	pending := &entity.Job{OwnerID: "u1", Filename: "b.csv", ImportType: ingest.Institutions.Name, Strategy: "identity"}
	if err := e.jobs.Create(ctx, pending); err != nil {
		t.Fatalf("create: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/imports?status=FAILED&page=2&size=2", nil)
	req.Header.Set(httptransport.OwnerHeader, "u1")
	rr := serve(e.router, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}

	var got struct {
		Items []jobBody `json:"items"`
		Page  int       `json:"page"`
		Size  int       `json:"size"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got.Page != 2 || got.Size != 2 || len(got.Items) != 1 || got.Items[0].Status != "failed" {
		t.Fatalf("unexpected page: %+v", got)
	}

	bad := httptest.NewRequest(http.MethodGet, "/imports?status=done", nil)
	bad.Header.Set(httptransport.OwnerHeader, "u1")
	if rr := serve(e.router, bad); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rr.Code)
	}

	// без владельца список не отдаём
	if rr := serve(e.router, httptest.NewRequest(http.MethodGet, "/imports", nil)); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without owner, got %d", rr.Code)
	}
}

func TestHTTP_ImportTypes(t *testing.T) {
	e := newEnv(t)
	rr := serve(e.router, httptest.NewRequest(http.MethodGet, "/import-types", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"institutions"`) || !strings.Contains(rr.Body.String(), `"dedup-parallel"`) {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}
