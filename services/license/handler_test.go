package license

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"licensing-controlplane/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, svc *Service) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(svc).Register(r)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "error envelope missing: %v", body)
	code, _ := e["code"].(string)
	return code
}

func TestHandlerValidate(t *testing.T) {
	store := newTestStore(t)
	r := newTestRouter(t, newTestService(t, store, newFakeClock(baseTime.Add(time.Hour))))
	key, l := seedLicense(t, store, TypeMonthly, baseTime, nil)

	w, body := doJSON(t, r, http.MethodPost, "/v1/licenses/validate", gin.H{
		"licenseKey": key,
		"machineId":  "M1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, body["valid"])
	require.Equal(t, "OK", body["reason"])

	info, ok := body["licenseInfo"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, l.ID, info["id"])
	require.Equal(t, "M1", info["machineId"])
	require.NotContains(t, w.Body.String(), l.KeyHash)
	require.NotContains(t, w.Body.String(), l.KeyCiphertext)

	w, body = doJSON(t, r, http.MethodPost, "/v1/licenses/validate", gin.H{
		"licenseKey": key,
		"machineId":  "M2",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "MACHINE_MISMATCH", body["reason"])
}

func TestHandlerValidateRejections(t *testing.T) {
	store := newTestStore(t)
	r := newTestRouter(t, newTestService(t, store, newFakeClock(baseTime.Add(time.Hour))))

	w, body := doJSON(t, r, http.MethodPost, "/v1/licenses/validate", gin.H{"licenseKey": "SHORT-KEY"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "INVALID_KEY_FORMAT", body["reason"])
	require.Equal(t, false, body["retryable"])

	unknown, err := GenerateKey()
	require.NoError(t, err)
	w, body = doJSON(t, r, http.MethodPost, "/v1/licenses/validate", gin.H{"licenseKey": unknown})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "INVALID_LICENSE_KEY", body["reason"])

	w, body = doJSON(t, r, http.MethodPost, "/v1/licenses/validate", gin.H{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "BAD_REQUEST", errorCode(t, body))

	w, body = doJSON(t, r, http.MethodPost, "/v1/licenses/validate", gin.H{"licenseKey": unknown, "type": "consume"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "BAD_REQUEST", errorCode(t, body))
}

func TestHandlerSyncQuota(t *testing.T) {
	store := newTestStore(t)
	r := newTestRouter(t, newTestService(t, store, newFakeClock(baseTime.Add(time.Hour))))
	key, _ := seedLicense(t, store, TypeFree, baseTime, nil)

	req := gin.H{"licenseKey": key, "type": "syncing"}
	w, _ := doJSON(t, r, http.MethodPost, "/v1/licenses/validate", req)
	require.Equal(t, http.StatusOK, w.Code)

	w, body := doJSON(t, r, http.MethodPost, "/v1/licenses/validate", req)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "QUOTA_EXHAUSTED", body["reason"])
	require.Equal(t, true, body["retryable"])
	// fake clock is at base+1h, the window reopens at base+24h
	require.Equal(t, "82800", w.Header().Get("Retry-After"))

	next, err := time.Parse(time.RFC3339, body["nextResetTime"].(string))
	require.NoError(t, err)
	require.True(t, baseTime.Add(24*time.Hour).Equal(next))
}

func TestHandlerIssue(t *testing.T) {
	store := newTestStore(t)
	r := newTestRouter(t, newTestService(t, store, newFakeClock(baseTime)))

	w, body := doJSON(t, r, http.MethodPost, "/v1/licenses", gin.H{"ownerId": "owner-h", "type": "yearly"})
	require.Equal(t, http.StatusCreated, w.Code)
	key, _ := body["licenseKey"].(string)
	_, err := NormalizeKey(key)
	require.NoError(t, err)

	lic := body["license"].(map[string]any)
	require.Equal(t, "yearly", lic["type"])
	require.Equal(t, "owner-h", lic["ownerId"])
	// projected at the service clock, not the wall clock
	require.Equal(t, true, lic["features"].(map[string]any)["syncAllowed"])

	w, body = doJSON(t, r, http.MethodPost, "/v1/licenses", gin.H{"ownerId": "owner-h", "type": "lifetime"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "BAD_REQUEST", errorCode(t, body))
	details := body["error"].(map[string]any)["details"].([]any)
	require.Len(t, details, 1)

	w, _ = doJSON(t, r, http.MethodPost, "/v1/licenses", gin.H{"type": "yearly"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerIssueBatch(t *testing.T) {
	store := newTestStore(t)
	r := newTestRouter(t, newTestService(t, store, newFakeClock(baseTime)))

	w, body := doJSON(t, r, http.MethodPost, "/v1/licenses/batch", gin.H{"licenses": []gin.H{
		{"ownerId": "a", "type": "monthly"},
		{"ownerId": "b", "type": "yearly"},
		{"ownerId": "c", "type": "free trial"},
	}})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, body["licenses"].([]any), 3)

	w, _ = doJSON(t, r, http.MethodPost, "/v1/licenses/batch", gin.H{"licenses": []gin.H{}})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerFreeTrialAndList(t *testing.T) {
	store := newTestStore(t)
	r := newTestRouter(t, newTestService(t, store, newFakeClock(baseTime)))

	w, first := doJSON(t, r, http.MethodPost, "/v1/licenses/free-trial", gin.H{"ownerId": "owner-l"})
	require.Equal(t, http.StatusOK, w.Code)
	w, second := doJSON(t, r, http.MethodPost, "/v1/licenses/free-trial", gin.H{"ownerId": "owner-l"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, first["licenseKey"], second["licenseKey"])

	w, body := doJSON(t, r, http.MethodGet, "/v1/owners/owner-l/licenses", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := body["licenses"].([]any)
	require.Len(t, list, 1)
	require.Equal(t, first["licenseKey"], list[0].(map[string]any)["licenseKey"])
}

func TestHandlerUpgrade(t *testing.T) {
	store := newTestStore(t)
	r := newTestRouter(t, newTestService(t, store, newFakeClock(baseTime)))
	oldKey, l := seedLicense(t, store, TypeMonthly, baseTime, nil)

	w, body := doJSON(t, r, http.MethodPost, "/v1/licenses/"+l.ID+"/upgrade", gin.H{"type": "yearly"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEqual(t, oldKey, body["licenseKey"])

	w, body = doJSON(t, r, http.MethodPost, "/v1/licenses/missing/upgrade", gin.H{"type": "yearly"})
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "NOT_FOUND", errorCode(t, body))

	w, body = doJSON(t, r, http.MethodPost, "/v1/licenses/"+l.ID+"/upgrade", gin.H{"type": "free"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "BAD_REQUEST", errorCode(t, body))
}

func TestHandlerSweep(t *testing.T) {
	store := newTestStore(t)
	r := newTestRouter(t, newTestService(t, store, newFakeClock(baseTime)))
	seedLicense(t, store, TypeFree, baseTime.Add(-12*24*time.Hour), nil)

	w, body := doJSON(t, r, http.MethodPost, "/v1/licenses/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, body["downgraded"])
	require.EqualValues(t, 0, body["reset"])

	// no task queue wired in this process
	w, body = doJSON(t, r, http.MethodPost, "/v1/licenses/sweep?async=true", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "SERVICE_UNAVAILABLE", errorCode(t, body))
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type()}, nil
}

func TestHandlerSweepAsync(t *testing.T) {
	store := newTestStore(t)
	enq := &fakeEnqueuer{}
	svc := New(store, testCodec(t), Options{Node: newTestNode(t), Now: newFakeClock(baseTime).Now, Enqueuer: enq})
	r := newTestRouter(t, svc)

	w, body := doJSON(t, r, http.MethodPost, "/v1/licenses/sweep?async=true", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, "task-1", body["taskId"])
	require.Len(t, enq.tasks, 1)
	require.Equal(t, "license:aging:sweep", enq.tasks[0].Type())
}

func TestHandlerListPaginates(t *testing.T) {
	store := newTestStore(t)
	r := newTestRouter(t, newTestService(t, store, newFakeClock(baseTime)))

	var ids []string
	for i := 0; i < 3; i++ {
		_, l := seedLicense(t, store, TypeMonthly, baseTime.Add(time.Duration(i)*time.Hour), nil)
		ids = append(ids, l.ID)
	}

	w, body := doJSON(t, r, http.MethodGet, "/v1/owners/owner-1/licenses?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := body["licenses"].([]any)
	require.Len(t, page, 2)
	require.Equal(t, ids[2], page[0].(map[string]any)["id"])
	require.Equal(t, ids[1], page[1].(map[string]any)["id"])
	require.Equal(t, true, page[0].(map[string]any)["features"].(map[string]any)["syncAllowed"])

	info := body["pageInfo"].(map[string]any)
	require.Equal(t, true, info["has_more"])
	cursor := info["next_cursor"].(string)
	require.NotEmpty(t, cursor)

	w, body = doJSON(t, r, http.MethodGet, "/v1/owners/owner-1/licenses?limit=2&cursor="+cursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = body["licenses"].([]any)
	require.Len(t, page, 1)
	require.Equal(t, ids[0], page[0].(map[string]any)["id"])
	require.Equal(t, false, body["pageInfo"].(map[string]any)["has_more"])

	w, _ = doJSON(t, r, http.MethodGet, "/v1/owners/owner-1/licenses?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, r, http.MethodGet, "/v1/owners/owner-1/licenses?cursor=%25%25", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
