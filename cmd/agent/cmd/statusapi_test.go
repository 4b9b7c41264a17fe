package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/softcane/skyway-agent/internal/cloudapi"
	"github.com/softcane/skyway-agent/internal/config"
	"github.com/softcane/skyway-agent/internal/ledger"
	"github.com/softcane/skyway-agent/internal/registry"
	"github.com/softcane/skyway-agent/internal/storage"
	"github.com/softcane/skyway-agent/internal/supervisor"
)

var created = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// seed writes one budget and two node records into db.
func seed(t *testing.T, db *storage.DB) (*registry.Registry, *ledger.Ledger) {
	t.Helper()
	ctx := context.Background()

	store := ledger.NewBadgerStore(db)
	if err := store.PutBudget(ctx, ledger.Budget{
		Account:   "acct",
		Allocated: decimal.NewFromInt(100),
		RateCap:   decimal.NewFromInt(1),
	}); err != nil {
		t.Fatalf("PutBudget failed: %v", err)
	}

	reg := registry.New(db, nil)
	for _, rec := range []registry.NodeRecord{
		{Name: "cloud-1", ProviderID: "i-1", NodeClass: "small", Account: "acct", State: registry.StateReady, HostAddress: "10.0.0.1", CreatedAt: created},
		{Name: "cloud-2", NodeClass: "small", Account: "acct", State: registry.StateRequested, CreatedAt: created},
	} {
		if err := reg.Put(ctx, rec, registry.PutOptions{}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	prices := cloudapi.NewPriceBook(nil, []cloudapi.NodeClass{{Name: "small"}},
		map[string]decimal.Decimal{"small": decimal.RequireFromString("0.25")})
	l, err := ledger.New(ledger.Config{Store: store, Records: reg, Prices: prices})
	if err != nil {
		t.Fatalf("ledger.New failed: %v", err)
	}
	return reg, l
}

func TestStatusAPI_ServesNodesAndBudget(t *testing.T) {
	db, err := storage.Open(storage.Options{InMemory: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()
	reg, l := seed(t, db)

	mux := http.NewServeMux()
	mountStatusAPI(mux, reg, l, "acct")
	server := httptest.NewServer(mux)
	defer server.Close()

	src := &httpSource{base: server.URL, client: server.Client()}
	nodes, err := src.Nodes(context.Background())
	if err != nil {
		t.Fatalf("Nodes failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
	if nodes[0].Name != "cloud-1" || nodes[0].State != "ready" || nodes[0].Address != "10.0.0.1" {
		t.Fatalf("unexpected first node: %+v", nodes[0])
	}

	b, err := src.Budget(context.Background())
	if err != nil {
		t.Fatalf("Budget failed: %v", err)
	}
	if b.Allocated != "100.00" || b.Level != ledger.LevelNormal {
		t.Fatalf("unexpected budget: %+v", b)
	}
	if b.CommittedRate != "0.5000" || b.AvailableRate != "0.5000" {
		t.Fatalf("unexpected rates: committed=%s available=%s", b.CommittedRate, b.AvailableRate)
	}
}

func TestStatusAPI_UnknownAccount(t *testing.T) {
	db, err := storage.Open(storage.Options{InMemory: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()
	reg, l := seed(t, db)

	mux := http.NewServeMux()
	mountStatusAPI(mux, reg, l, "nobody")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/budget", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestOpenStatusSource_OfflineReadsDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.Open(storage.Options{Path: filepath.Join(dir, "db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	seed(t, db)
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	cfg := &config.Config{
		Service:     config.ServiceConfig{Account: "acct", RunDescriptorPath: filepath.Join(dir, "svc.run.yaml")},
		NodeClasses: []config.NodeClassConfig{{Name: "small"}},
		Storage:     config.StorageConfig{Path: filepath.Join(dir, "db")},
	}
	src, err := openStatusSource(cfg, "")
	if err != nil {
		t.Fatalf("openStatusSource failed: %v", err)
	}
	defer src.Close()
	if _, ok := src.(*dbSource); !ok {
		t.Fatalf("expected database source, got %T", src)
	}

	nodes, err := src.Nodes(context.Background())
	if err != nil || len(nodes) != 2 {
		t.Fatalf("unexpected nodes: %v %v", nodes, err)
	}

	// No configured price and no provider: rates are left empty.
	b, err := src.Budget(context.Background())
	if err != nil {
		t.Fatalf("Budget failed: %v", err)
	}
	if b.Balance != "100.00" || b.CommittedRate != "" {
		t.Fatalf("unexpected offline budget: %+v", b)
	}
}

func TestOpenStatusSource_RunningServiceUsesHTTP(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svc.run.yaml")
	store := supervisor.NewDescriptorStore(path)
	if err := store.Write(supervisor.Descriptor{PID: os.Getpid(), Status: supervisor.StatusRunning}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	cfg := &config.Config{
		Service: config.ServiceConfig{RunDescriptorPath: path},
		Metrics: config.MetricsConfig{Addr: ":9100"},
	}
	src, err := openStatusSource(cfg, "")
	if err != nil {
		t.Fatalf("openStatusSource failed: %v", err)
	}
	hs, ok := src.(*httpSource)
	if !ok {
		t.Fatalf("expected http source, got %T", src)
	}
	if hs.base != "http://localhost:9100" {
		t.Fatalf("unexpected base url: %s", hs.base)
	}
}

func TestLocalAddr(t *testing.T) {
	cases := map[string]string{
		":8080":         "http://localhost:8080",
		"0.0.0.0:8080":  "http://localhost:8080",
		"10.1.2.3:9000": "http://10.1.2.3:9000",
		"metrics.local": "http://metrics.local",
	}
	for in, want := range cases {
		if got := localAddr(in); got != want {
			t.Errorf("localAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFindReadyNode(t *testing.T) {
	nodes := []nodeView{
		{Name: "cloud-1", State: "idle"},
		{Name: "cloud-2", State: "requested"},
	}
	if n, err := findReadyNode(nodes, "cloud-1"); err != nil || n.Name != "cloud-1" {
		t.Fatalf("expected cloud-1, got %+v %v", n, err)
	}
	if _, err := findReadyNode(nodes, "cloud-2"); err == nil || !strings.Contains(err.Error(), "not ready") {
		t.Fatalf("expected not ready error, got %v", err)
	}
	if _, err := findReadyNode(nodes, "cloud-9"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOutputNodeTable(t *testing.T) {
	var buf bytes.Buffer
	err := outputNodeTable(&buf, []nodeView{
		{Name: "cloud-1", Class: "small", State: "ready", ProviderID: "i-1", CreatedAt: created},
	})
	if err != nil {
		t.Fatalf("outputNodeTable failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"NODE", "cloud-1", "i-1", "2026-03-01 10:00:00", "Total: 1 nodes"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	// Missing address renders as a dash.
	if !strings.Contains(out, " - ") {
		t.Errorf("expected dash for empty address:\n%s", out)
	}
}

func TestPrintStatus(t *testing.T) {
	store := supervisor.NewDescriptorStore(filepath.Join(t.TempDir(), "svc.run.yaml"))

	var buf bytes.Buffer
	if err := printStatus(&buf, store); err != nil {
		t.Fatalf("printStatus failed: %v", err)
	}
	if !strings.Contains(buf.String(), "never started") {
		t.Fatalf("unexpected output: %s", buf.String())
	}

	if err := store.Write(supervisor.Descriptor{PID: 0, Status: supervisor.StatusStopped}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	buf.Reset()
	if err := printStatus(&buf, store); err != nil {
		t.Fatalf("printStatus failed: %v", err)
	}
	if !strings.Contains(buf.String(), "stopped") {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}
