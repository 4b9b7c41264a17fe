package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/softcane/skyway-agent/internal/cloudapi"
	"github.com/softcane/skyway-agent/internal/config"
	"github.com/softcane/skyway-agent/internal/ledger"
	"github.com/softcane/skyway-agent/internal/registry"
	"github.com/softcane/skyway-agent/internal/storage"
	"github.com/softcane/skyway-agent/internal/supervisor"
)

// nodeView is one node as shown by the nodes command.
type nodeView struct {
	Name        string    `json:"name"`
	ProviderID  string    `json:"provider_id,omitempty"`
	Class       string    `json:"node_class"`
	User        string    `json:"user,omitempty"`
	State       string    `json:"state"`
	Address     string    `json:"host_address,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	BilledUntil time.Time `json:"billed_until,omitempty"`
}

// budgetView is the account budget as shown by the budget command.
// Rates are empty when a class price cannot be resolved.
type budgetView struct {
	Account       string `json:"account"`
	Allocated     string `json:"allocated"`
	Spent         string `json:"spent"`
	Balance       string `json:"balance"`
	Percent       string `json:"percent"`
	Level         string `json:"level"`
	CommittedRate string `json:"committed_rate,omitempty"`
	AvailableRate string `json:"available_rate,omitempty"`
}

type recordLister interface {
	List(ctx context.Context, states ...registry.State) ([]registry.NodeRecord, error)
}

type budgetReader interface {
	Status(ctx context.Context, account string) (ledger.Status, error)
	CommittedRate(ctx context.Context, account string) (decimal.Decimal, error)
	AvailableRate(ctx context.Context, account string) (decimal.Decimal, error)
}

func listNodes(ctx context.Context, records recordLister) ([]nodeView, error) {
	recs, err := records.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]nodeView, 0, len(recs))
	for _, r := range recs {
		out = append(out, nodeView{
			Name:        r.Name,
			ProviderID:  r.ProviderID,
			Class:       r.NodeClass,
			User:        r.User,
			State:       string(r.State),
			Address:     r.HostAddress,
			CreatedAt:   r.CreatedAt,
			BilledUntil: r.BilledUntil,
		})
	}
	return out, nil
}

func readBudget(ctx context.Context, l budgetReader, account string) (budgetView, error) {
	st, err := l.Status(ctx, account)
	if err != nil {
		return budgetView{}, err
	}
	v := budgetView{
		Account:   st.Account,
		Allocated: st.Allocated.StringFixed(2),
		Spent:     st.Spent.StringFixed(2),
		Balance:   st.Balance.StringFixed(2),
		Percent:   st.Percent.StringFixed(1),
		Level:     st.Level,
	}
	if committed, err := l.CommittedRate(ctx, account); err == nil {
		v.CommittedRate = committed.StringFixed(4)
	}
	if avail, err := l.AvailableRate(ctx, account); err == nil {
		v.AvailableRate = avail.StringFixed(4)
	}
	return v, nil
}

// mountStatusAPI serves the registry and budget as JSON next to /metrics.
func mountStatusAPI(mux *http.ServeMux, records recordLister, l budgetReader, account string) {
	mux.HandleFunc("GET /nodes", func(w http.ResponseWriter, r *http.Request) {
		nodes, err := listNodes(r.Context(), records)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, nodes)
	})
	mux.HandleFunc("GET /budget", func(w http.ResponseWriter, r *http.Request) {
		b, err := readBudget(r.Context(), l, account)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, b)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write status response", "error", err)
	}
}

// statusSource reads nodes and budget either from a running service or
// straight from the database when nothing holds it open.
type statusSource interface {
	Nodes(ctx context.Context) ([]nodeView, error)
	Budget(ctx context.Context) (budgetView, error)
	Close()
}

type httpSource struct {
	base   string
	client *http.Client
}

func (s *httpSource) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", s.base+path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", s.base+path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *httpSource) Nodes(ctx context.Context) ([]nodeView, error) {
	var out []nodeView
	if err := s.get(ctx, "/nodes", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *httpSource) Budget(ctx context.Context) (budgetView, error) {
	var out budgetView
	if err := s.get(ctx, "/budget", &out); err != nil {
		return budgetView{}, err
	}
	return out, nil
}

func (s *httpSource) Close() {}

type dbSource struct {
	db      *storage.DB
	reg     *registry.Registry
	ledger  *ledger.Ledger
	account string
}

func (s *dbSource) Nodes(ctx context.Context) ([]nodeView, error) {
	return listNodes(ctx, s.reg)
}

func (s *dbSource) Budget(ctx context.Context) (budgetView, error) {
	return readBudget(ctx, s.ledger, s.account)
}

func (s *dbSource) Close() {
	if err := s.db.Close(); err != nil {
		slog.Error("failed to close database", "error", err)
	}
}

// openStatusSource asks the running service when there is one, otherwise
// opens the database read-only. Offline rates only use configured prices.
func openStatusSource(cfg *config.Config, addr string) (statusSource, error) {
	d, err := supervisor.NewDescriptorStore(cfg.Service.RunDescriptorPath).Status()
	if err == nil && d.PID != 0 && d.Status != supervisor.StatusStopped && d.Status != supervisor.StatusFailed {
		if addr == "" {
			addr = localAddr(cfg.Metrics.Addr)
		}
		return &httpSource{base: addr, client: &http.Client{Timeout: 10 * time.Second}}, nil
	}

	db, err := storage.Open(storage.Options{Path: cfg.Storage.Path, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	reg := registry.New(db, slog.Default())
	classes, overrides := cloudapi.ClassesFromConfig(cfg.NodeClasses)
	l, err := ledger.New(ledger.Config{
		Store:   ledger.NewBadgerStore(db),
		Records: reg,
		Prices:  cloudapi.NewPriceBook(nil, classes, overrides),
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &dbSource{db: db, reg: reg, ledger: l, account: cfg.Service.Account}, nil
}

// localAddr turns a listen address like ":8080" into a URL on localhost.
func localAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
