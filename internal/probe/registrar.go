package probe

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	sprig "github.com/go-task/slim-sprig/v3"

	"github.com/softcane/skyway-agent/internal/execx"
)

// Node is what the registration hook knows about a ready node.
type Node struct {
	Name       string
	ProviderID string
	Address    string
	Class      string
	User       string
}

// Registrar runs post-provision setup for a node. Implementations must be
// idempotent: the reconciler retries a failed registration.
type Registrar interface {
	Register(ctx context.Context, node Node) error
}

// NopRegistrar does nothing.
type NopRegistrar struct{}

// Register implements Registrar.
func (NopRegistrar) Register(context.Context, Node) error { return nil }

// CommandRegistrar renders each command as a template over Node and runs it
// with sh -c. Templates get the slim-sprig function map, e.g.
//
//	/opt/system/post.sh {{ .User | squote }} {{ .Name | squote }}
type CommandRegistrar struct {
	run     execx.Runner
	tmpls   []*template.Template
	timeout time.Duration
	logger  *slog.Logger
}

// NewCommandRegistrar parses the command templates.
func NewCommandRegistrar(run execx.Runner, commands []string, timeout time.Duration, logger *slog.Logger) (*CommandRegistrar, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &CommandRegistrar{run: run, timeout: timeout, logger: logger}
	for i, c := range commands {
		t, err := template.New(fmt.Sprintf("registration-%d", i)).
			Funcs(sprig.TxtFuncMap()).
			Option("missingkey=error").
			Parse(c)
		if err != nil {
			return nil, fmt.Errorf("failed to parse registration command %d: %w", i, err)
		}
		r.tmpls = append(r.tmpls, t)
	}
	return r, nil
}

// Register implements Registrar. Commands run in order; the first failure stops the hook.
func (r *CommandRegistrar) Register(ctx context.Context, node Node) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	for _, t := range r.tmpls {
		var buf bytes.Buffer
		if err := t.Execute(&buf, node); err != nil {
			return fmt.Errorf("failed to render %s: %w", t.Name(), err)
		}
		line := buf.String()
		r.logger.Info("running registration command", "node", node.Name, "command", line)
		if _, err := r.run.Run(ctx, "sh", "-c", line); err != nil {
			return fmt.Errorf("registration for %s failed: %w", node.Name, err)
		}
	}
	return nil
}

// Compile-time interface checks
var (
	_ Registrar = NopRegistrar{}
	_ Registrar = (*CommandRegistrar)(nil)
)
