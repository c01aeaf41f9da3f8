package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "metrics:\n  enabled: true\n  path: /metrics\nsnapshot:\n  enabled: false\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	srv, err := New(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.jobs.Stop()
	})
	return srv, ts
}

func call(t *testing.T, ts *httptest.Server, service, method string, args map[string]any) (*structpb.Struct, error) {
	t.Helper()

	msg, err := structpb.NewStruct(args)
	if err != nil {
		t.Fatalf("NewStruct failed: %v", err)
	}
	client := connect.NewClient[structpb.Struct, structpb.Struct](ts.Client(), ts.URL+"/"+service+"/"+method)
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func mustCall(t *testing.T, ts *httptest.Server, service, method string, args map[string]any) map[string]any {
	t.Helper()
	out, err := call(t, ts, service, method, args)
	if err != nil {
		t.Fatalf("%s/%s failed: %v", service, method, err)
	}
	return out.AsMap()
}

// waitForJob polls QueryAsyncJobResult until the job leaves PENDING.
func waitForJob(t *testing.T, ts *httptest.Server, jobID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job := mustCall(t, ts, jobServiceName, "QueryAsyncJobResult", map[string]any{"job_id": jobID})
		if job["status"] != string(domain.JobStatusPending) {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", jobID)
	return nil
}

// seedInventory creates an account, a cluster with one host and an offering.
func seedInventory(t *testing.T, ts *httptest.Server) (clusterID, hostID, offeringID string) {
	t.Helper()

	mustCall(t, ts, accountServiceName, "CreateDomain", map[string]any{"id": "root", "name": "ROOT"})
	mustCall(t, ts, accountServiceName, "CreateAccount", map[string]any{
		"id": "acct-1", "name": "tenant", "domain_id": "root",
	})

	cluster := mustCall(t, ts, hostServiceName, "AddCluster", map[string]any{"name": "cluster-a"})
	clusterID = cluster["id"].(string)

	host := mustCall(t, ts, hostServiceName, "AddHost", map[string]any{
		"id":         "host-1",
		"name":       "host-1",
		"cluster_id": clusterID,
		"cpu_cores":  16,
		"memory_mib": 32768,
	})
	hostID = host["id"].(string)

	offering := mustCall(t, ts, hostServiceName, "CreateServiceOffering", map[string]any{
		"name": "small", "cpu": 2, "memory_mib": 2048,
	})
	offeringID = offering["id"].(string)
	return clusterID, hostID, offeringID
}

// =============================================================================
// HTTP Endpoint Tests
// =============================================================================

func TestHealthEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	for _, path := range []string{"/health", "/ready", "/live", "/api/v1/info"} {
		resp, err := ts.Client().Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "quantix_") {
		t.Error("expected quantix metrics in exposition")
	}
}

func TestAuditExportEndpoint(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.audit.LogAction(context.Background(), "acct-1", domain.AuditVMCreate, "vm", "vm-1", nil)
	srv.audit.LogAction(context.Background(), "acct-2", domain.AuditVMStop, "vm", "vm-2", nil)

	resp, err := ts.Client().Get(ts.URL + "/api/v1/audit/export?format=csv&account_id=acct-1")
	if err != nil {
		t.Fatalf("GET audit export failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "VM.CREATE") || strings.Contains(string(body), "VM.STOP") {
		t.Errorf("expected only acct-1 entries, got %q", body)
	}

	resp, err = ts.Client().Get(ts.URL + "/api/v1/audit/export?format=xml")
	if err != nil {
		t.Fatalf("GET audit export failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unsupported format, got %d", resp.StatusCode)
	}
}

// =============================================================================
// RPC Tests
// =============================================================================

func TestCreateVM_RunsAsJob(t *testing.T) {
	_, ts := newTestServer(t)
	clusterID, hostID, offeringID := seedInventory(t, ts)

	accepted := mustCall(t, ts, vmServiceName, "CreateVM", map[string]any{
		"name":          "web-1",
		"account_id":    "acct-1",
		"cluster_id":    clusterID,
		"offering_id":   offeringID,
		"root_disk_gib": 10,
	})
	jobID, _ := accepted["job_id"].(string)
	if jobID == "" {
		t.Fatalf("expected job_id, got %v", accepted)
	}

	job := waitForJob(t, ts, jobID)
	if job["status"] != string(domain.JobStatusSucceeded) {
		t.Fatalf("expected job to succeed, got %v (%v)", job["status"], job["error"])
	}
	result, ok := job["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected VM result, got %T", job["result"])
	}
	if result["state"] != string(domain.VMStateRunning) {
		t.Errorf("expected Running, got %v", result["state"])
	}
	if result["host_id"] != hostID {
		t.Errorf("expected host %s, got %v", hostID, result["host_id"])
	}

	list := mustCall(t, ts, vmServiceName, "ListVMs", map[string]any{"account_id": "acct-1"})
	if total, _ := list["total"].(float64); total != 1 {
		t.Errorf("expected 1 VM, got %v", list["total"])
	}

	usage := mustCall(t, ts, accountServiceName, "GetResourceUsage", map[string]any{"owner_id": "acct-1"})
	entries, _ := usage["usage"].([]any)
	var vmUsage, cpuUsage float64
	for _, e := range entries {
		entry := e.(map[string]any)
		switch entry["type"] {
		case string(domain.ResourceUserVM):
			vmUsage = entry["usage"].(float64)
		case string(domain.ResourceCPU):
			cpuUsage = entry["usage"].(float64)
		}
	}
	if vmUsage != 1 {
		t.Errorf("expected user_vm usage 1, got %v", vmUsage)
	}
	if cpuUsage != 2 {
		t.Errorf("expected cpu usage 2, got %v", cpuUsage)
	}
}

func TestStopVM_ThroughJob(t *testing.T) {
	_, ts := newTestServer(t)
	clusterID, _, offeringID := seedInventory(t, ts)

	accepted := mustCall(t, ts, vmServiceName, "CreateVM", map[string]any{
		"name": "db-1", "account_id": "acct-1", "cluster_id": clusterID, "offering_id": offeringID,
	})
	created := waitForJob(t, ts, accepted["job_id"].(string))
	vmID := created["result"].(map[string]any)["id"].(string)

	stopped := mustCall(t, ts, vmServiceName, "StopVM", map[string]any{"id": vmID})
	job := waitForJob(t, ts, stopped["job_id"].(string))
	if job["status"] != string(domain.JobStatusSucceeded) {
		t.Fatalf("expected stop to succeed, got %v (%v)", job["status"], job["error"])
	}

	vm := mustCall(t, ts, vmServiceName, "GetVM", map[string]any{"id": vmID})
	if vm["state"] != string(domain.VMStateStopped) {
		t.Errorf("expected Stopped, got %v", vm["state"])
	}
}

func TestRPC_ErrorCodes(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name    string
		service string
		method  string
		args    map[string]any
		code    connect.Code
	}{
		{"unknown VM", vmServiceName, "GetVM", map[string]any{"id": "missing"}, connect.CodeNotFound},
		{"VM op on unknown VM", vmServiceName, "StartVM", map[string]any{"id": "missing"}, connect.CodeNotFound},
		{"missing id", vmServiceName, "GetVM", map[string]any{}, connect.CodeInvalidArgument},
		{"unknown job", jobServiceName, "QueryAsyncJobResult", map[string]any{"job_id": "missing"}, connect.CodeNotFound},
		{"account without domain", accountServiceName, "CreateAccount", map[string]any{"id": "a"}, connect.CodeInvalidArgument},
		{"no maintenance report", hostServiceName, "GetMaintenanceProgress", map[string]any{"id": "h"}, connect.CodeNotFound},
		{"bad drs mode", hostServiceName, "AddCluster", map[string]any{"name": "c", "drs_mode": "sometimes"}, connect.CodeInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call(t, ts, tt.service, tt.method, tt.args)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := connect.CodeOf(err); got != tt.code {
				t.Errorf("expected %v, got %v (%v)", tt.code, got, err)
			}
		})
	}
}

func TestPrepareHostForMaintenance_EmptyHost(t *testing.T) {
	_, ts := newTestServer(t)
	_, hostID, _ := seedInventory(t, ts)

	accepted := mustCall(t, ts, hostServiceName, "PrepareHostForMaintenance", map[string]any{"id": hostID})
	job := waitForJob(t, ts, accepted["job_id"].(string))
	if job["status"] != string(domain.JobStatusSucceeded) {
		t.Fatalf("expected drain to succeed, got %v (%v)", job["status"], job["error"])
	}

	host := mustCall(t, ts, hostServiceName, "GetHost", map[string]any{"id": hostID})
	if host["state"] != string(domain.HostStateMaintenance) {
		t.Errorf("expected Maintenance, got %v", host["state"])
	}

	mustCall(t, ts, hostServiceName, "CancelHostMaintenance", map[string]any{"id": hostID})
	host = mustCall(t, ts, hostServiceName, "GetHost", map[string]any{"id": hostID})
	if host["state"] != string(domain.HostStateUp) {
		t.Errorf("expected Up after cancel, got %v", host["state"])
	}
}

func TestUpdateResourceLimit(t *testing.T) {
	_, ts := newTestServer(t)
	seedInventory(t, ts)

	mustCall(t, ts, accountServiceName, "UpdateResourceLimit", map[string]any{
		"owner_id": "acct-1", "resource_type": "cpu", "max": 4,
	})

	usage := mustCall(t, ts, accountServiceName, "GetResourceUsage", map[string]any{"owner_id": "acct-1"})
	for _, e := range usage["usage"].([]any) {
		entry := e.(map[string]any)
		if entry["type"] == string(domain.ResourceCPU) && entry["limit"].(float64) != 4 {
			t.Errorf("expected cpu limit 4, got %v", entry["limit"])
		}
	}

	_, err := call(t, ts, accountServiceName, "UpdateResourceLimit", map[string]any{
		"owner_id": "acct-1", "resource_type": "bogus", "max": 1,
	})
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("expected InvalidArgument for unknown resource type, got %v", err)
	}
}

// =============================================================================
// Error Mapping Tests
// =============================================================================

func TestToConnectError(t *testing.T) {
	tests := []struct {
		err  error
		want connect.Code
	}{
		{domain.ErrNotFound, connect.CodeNotFound},
		{&domain.LimitExceededError{ResourceType: domain.ResourceCPU}, connect.CodeResourceExhausted},
		{&domain.NoSuitableHostError{ClusterID: "c"}, connect.CodeResourceExhausted},
		{&domain.IncompatibleTargetError{VMID: "v", HostID: "h"}, connect.CodeFailedPrecondition},
		{domain.ErrNotCancellable, connect.CodeFailedPrecondition},
		{domain.ErrUnavailable, connect.CodeUnavailable},
		{context.Canceled, connect.CodeCanceled},
		{io.ErrUnexpectedEOF, connect.CodeInternal},
	}
	for _, tt := range tests {
		if got := toConnectError(tt.err).Code(); got != tt.want {
			t.Errorf("toConnectError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
