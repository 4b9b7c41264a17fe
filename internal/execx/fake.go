package execx

import (
	"context"
	"strings"
	"sync"
)

// Response is a scripted command result.
type Response struct {
	Output string
	Err    error
}

// FakeRunner records commands and answers them from a script keyed by
// command-line prefix. The longest matching prefix wins.
type FakeRunner struct {
	mu        sync.Mutex
	responses map[string]Response
	calls     []string
}

// NewFakeRunner creates an empty FakeRunner. Unscripted commands succeed with no output.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{responses: make(map[string]Response)}
}

// On scripts the response for commands starting with prefix.
func (f *FakeRunner) On(prefix string, resp Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[prefix] = resp
}

// Run implements Runner.
func (f *FakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, line)

	best := ""
	var resp Response
	for prefix, r := range f.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) >= len(best) {
			best, resp = prefix, r
		}
	}
	return []byte(resp.Output), resp.Err
}

// Calls returns every command line run so far, arguments joined by spaces.
func (f *FakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Compile-time interface check
var _ Runner = (*FakeRunner)(nil)
