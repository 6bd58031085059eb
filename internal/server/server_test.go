package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"quotaline/internal/config"
	"quotaline/internal/db"
	"quotaline/internal/engine"
	"quotaline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers == nil {
		req.Header.Set("X-Actor-Id", "tester")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

// seedAllocation builds project > stage > pool(quota) > user > allocation(target)
// through the API and returns the allocation and pool ids.
func seedAllocation(t *testing.T, srv *testServer, quota, target int64) (allocationID, poolID, userID, projectID int64) {
	t.Helper()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"code": "ACME-01", "name": "Acme"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var pr struct {
		Project struct {
			ID int64 `json:"id"`
		} `json:"project"`
	}
	if err := json.Unmarshal(data, &pr); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	projectID = pr.Project.ID

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/projects/%d/stages", srv.URL, projectID), map[string]any{"name": "capture", "seq": 1}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create stage: %d %s", res.StatusCode, string(data))
	}
	var sr struct {
		Stage struct {
			ID int64 `json:"id"`
		} `json:"stage"`
	}
	_ = json.Unmarshal(data, &sr)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/pools", map[string]any{"stage_id": sr.Stage.ID, "name": "batch-a", "total_quota": quota}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create pool: %d %s", res.StatusCode, string(data))
	}
	var plr struct {
		Pool struct {
			ID int64 `json:"id"`
		} `json:"pool"`
	}
	_ = json.Unmarshal(data, &plr)
	poolID = plr.Pool.ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/users", map[string]any{"name": "worker-1"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create user: %d %s", res.StatusCode, string(data))
	}
	var ur struct {
		User struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	_ = json.Unmarshal(data, &ur)
	userID = ur.User.ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/allocations", map[string]any{"pool_id": poolID, "user_id": userID, "target_quota": target}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create allocation: %d %s", res.StatusCode, string(data))
	}
	var ar struct {
		ID int64 `json:"id"`
	}
	_ = json.Unmarshal(data, &ar)
	return ar.ID, poolID, userID, projectID
}

func TestReportLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	allocationID, _, _, _ := seedAllocation(t, srv, 100, 50)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/reports", map[string]any{
		"allocation_id":    allocationID,
		"log_date":         "2024-03-01",
		"valid_qty":        30,
		"excluded_qty":     5,
		"exclusion_reason": "duplicate",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit report: %d %s", res.StatusCode, string(data))
	}
	var rr ReportResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if rr.Allocation.CurrentValid != 30 || rr.Pool.AggValid != 30 {
		t.Fatalf("counters did not cascade: %+v", rr)
	}
	if rr.Progress.Percent != 67 {
		t.Fatalf("progress percent = %d, want 67", rr.Progress.Percent)
	}

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/reports/%d/revert", srv.URL, rr.Log.ID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revert: %d %s", res.StatusCode, string(data))
	}
	var rev ReportResponse
	_ = json.Unmarshal(data, &rev)
	if rev.Allocation.CurrentValid != 0 || rev.Pool.AggValid != 0 {
		t.Fatalf("revert did not restore counters: %+v", rev)
	}

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/reports/%d/revert", srv.URL, rr.Log.ID), nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("double revert: expected 422, got %d %s", res.StatusCode, string(data))
	}
}

func TestSubmitReportRejectsBadReason(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	allocationID, _, _, _ := seedAllocation(t, srv, 100, 50)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/reports", map[string]any{
		"allocation_id": allocationID,
		"log_date":      "2024-03-01",
		"excluded_qty":  3,
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing reason, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestDuplicateAllocationConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, poolID, userID, _ := seedAllocation(t, srv, 100, 50)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/allocations", map[string]any{
		"pool_id": poolID, "user_id": userID, "target_quota": 10,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}
}

func TestAdjustQuotaAndMatrix(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	allocationID, poolID, userID, projectID := seedAllocation(t, srv, 100, 50)

	_, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reports", map[string]any{
		"allocation_id": allocationID, "log_date": "2024-03-01", "valid_qty": 30,
	}, nil)

	res, data := doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/pools/%d/quota", srv.URL, poolID), map[string]any{
		"new_quota": 150, "reason": "client added a batch",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("adjust quota: %d %s", res.StatusCode, string(data))
	}
	var adj AdjustQuotaResponse
	if err := json.Unmarshal(data, &adj); err != nil {
		t.Fatalf("unmarshal adjust: %v", err)
	}
	if adj.Adjustment.PreviousQuota != 100 || adj.Adjustment.NewQuota != 150 {
		t.Fatalf("audit row = %+v", adj.Adjustment)
	}

	// a reason is mandatory
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/pools/%d/quota", srv.URL, poolID), map[string]any{
		"new_quota": 200,
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing reason, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/projects/%d/matrix", srv.URL, projectID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("matrix: %d %s", res.StatusCode, string(data))
	}
	var matrix struct {
		Stages []struct {
			Pools []struct {
				Pool struct {
					TotalQuota int64 `json:"total_quota"`
				} `json:"pool"`
				Progress struct {
					Percent int64 `json:"percent"`
				} `json:"progress"`
			} `json:"pools"`
		} `json:"stages"`
	}
	if err := json.Unmarshal(data, &matrix); err != nil {
		t.Fatalf("unmarshal matrix: %v", err)
	}
	if len(matrix.Stages) != 1 || len(matrix.Stages[0].Pools) != 1 {
		t.Fatalf("matrix shape: %s", string(data))
	}
	if matrix.Stages[0].Pools[0].Pool.TotalQuota != 150 {
		t.Fatalf("matrix shows stale quota: %s", string(data))
	}
	if matrix.Stages[0].Pools[0].Progress.Percent != 20 {
		t.Fatalf("matrix percent = %d, want 20", matrix.Stages[0].Pools[0].Progress.Percent)
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/users/%d/allocations", srv.URL, userID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("my allocations: %d %s", res.StatusCode, string(data))
	}
	var mine myAllocationsBody
	if err := json.Unmarshal(data, &mine); err != nil {
		t.Fatalf("unmarshal my allocations: %v", err)
	}
	if len(mine.Allocations) != 1 || mine.Allocations[0].PoolName != "batch-a" {
		t.Fatalf("my allocations: %s", string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// health is open
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}

	// everything else is not
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}
}

func TestJWTAndAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, _, userID, _ := seedAllocation(t, srv, 100, 50)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "worker-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt auth: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/users/%d/api-keys", srv.URL, userID), map[string]any{"name": "ci"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d %s", res.StatusCode, string(data))
	}
	var keyRes APIKeyResponse
	if err := json.Unmarshal(data, &keyRes); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if keyRes.Key == "" {
		t.Fatalf("raw key not returned: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Api-Key": keyRes.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/api-keys/"+keyRes.ID, nil, nil)
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("delete api key: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Api-Key": keyRes.Key,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key still works: %d %s", res.StatusCode, string(data))
	}
}
