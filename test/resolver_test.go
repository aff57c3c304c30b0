package test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/mech-lang/go-mech/pkg/mech/core"
	"github.com/mech-lang/go-mech/pkg/mech/definition"
	"github.com/mech-lang/go-mech/pkg/mech/types"
)

// resolverFixture builds a Program directly, without a run loop, so
// tests can drive DownloadDependencies synchronously.
type resolverFixture struct {
	Program *core.Program
	Client  chan types.ClientMessage
	Calls   *int32
	Dir     string
}

func newResolverFixture(t *testing.T, registry string) *resolverFixture {
	dir := t.TempDir()
	if registry != "" {
		if err := os.WriteFile(filepath.Join(dir, "registry.mec"), []byte(registry), 0o644); err != nil {
			t.Fatalf("failed seeding registry. %v", err)
		}
	}
	calls := new(int32)
	config := types.Configuration{
		Name:        "resolver",
		Capacity:    16,
		MachinesDir: dir,
		RegistryURL: "http://127.0.0.1:1/registry.mec",
		Logger:      definition.NewDefaultLogger("resolver"),
		NewCore:     func() types.Core { return NewFakeCore() },
		NewCompiler: func() types.Compiler { return NewFakeCompiler(calls) },
	}.Validated()

	inbound := make(chan types.RunLoopMessage, 16)
	return &resolverFixture{
		Program: core.NewProgram(config, inbound, inbound),
		Client:  make(chan types.ClientMessage, 256),
		Calls:   calls,
		Dir:     dir,
	}
}

func (f *resolverFixture) diagnostics() []string {
	var texts []string
	for {
		select {
		case message := <-f.Client:
			if s, ok := message.(types.ClientString); ok {
				texts = append(texts, s.Text)
			}
		default:
			return texts
		}
	}
}

func TestResolver_RegistryBootstrap(t *testing.T) {
	fixture := newResolverFixture(t, DefaultRegistry)

	if _, err := fixture.Program.DownloadDependencies(fixture.Client); err != nil {
		t.Fatalf("failed resolving. %v", err)
	}

	entry, ok := fixture.Program.MachineRepository["math"]
	if !ok {
		t.Fatal("registry index is missing the math package")
	}
	if entry.Version != "0.1.0" {
		t.Fatalf("expected version 0.1.0, found %s", entry.Version)
	}
	if !strings.Contains(entry.URL, "libmech_math.so") {
		t.Fatalf("unexpected url %s", entry.URL)
	}

	found := false
	for _, text := range fixture.diagnostics() {
		if strings.Contains(text, "Machine registry") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a registry loading diagnostic")
	}
}

func TestResolver_UnresolvableFunctionIsDiagnostic(t *testing.T) {
	fixture := newResolverFixture(t, DefaultRegistry)

	if _, err := fixture.Program.CompileProgram("#x = nosuch/fn(arg: 1)"); err != nil {
		t.Fatalf("failed compiling. %v", err)
	}
	resolved, err := fixture.Program.DownloadDependencies(fixture.Client)
	if err != nil {
		t.Fatalf("resolution should not fail hard. %v", err)
	}
	if len(resolved) != 0 {
		t.Fatalf("nothing should resolve, found %v", resolved)
	}

	found := false
	for _, text := range fixture.diagnostics() {
		if strings.Contains(text, "nosuch/fn") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a diagnostic naming nosuch/fn")
	}
}

// Back-to-back resolution with nothing new parses the registry once
// and opens no libraries.
func TestResolver_Idempotent(t *testing.T) {
	fixture := newResolverFixture(t, DefaultRegistry)

	if _, err := fixture.Program.CompileProgram("#x = nosuch/fn(arg: 1)"); err != nil {
		t.Fatalf("failed compiling. %v", err)
	}
	if _, err := fixture.Program.DownloadDependencies(fixture.Client); err != nil {
		t.Fatalf("failed resolving. %v", err)
	}

	compiles := atomic.LoadInt32(fixture.Calls)
	entries, err := os.ReadDir(fixture.Dir)
	if err != nil {
		t.Fatalf("failed listing machines dir. %v", err)
	}

	if _, err := fixture.Program.DownloadDependencies(fixture.Client); err != nil {
		t.Fatalf("failed resolving again. %v", err)
	}

	if got := atomic.LoadInt32(fixture.Calls); got != compiles {
		t.Fatalf("second resolution recompiled the registry: %d -> %d", compiles, got)
	}
	after, err := os.ReadDir(fixture.Dir)
	if err != nil {
		t.Fatalf("failed listing machines dir. %v", err)
	}
	if len(after) != len(entries) {
		t.Fatalf("second resolution touched the filesystem: %d -> %d entries", len(entries), len(after))
	}
	if len(fixture.Program.Libraries) != 0 {
		t.Fatalf("no library should have opened, found %d", len(fixture.Program.Libraries))
	}
}

// A registered package downloads once and is cached on disk; the
// second resolution reuses the file instead of the network.
func TestResolver_ArtifactDownloadAndCache(t *testing.T) {
	requests := new(int32)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(requests, 1)
		w.Write([]byte("not actually a shared library"))
	}))
	defer server.Close()

	registry := `#mech/registry = [|name version url| "math" "0.1.0" "` + server.URL + `/libmech_math.so"]`
	fixture := newResolverFixture(t, registry)

	if _, err := fixture.Program.CompileProgram("#x = math/sin(angle: 0)"); err != nil {
		t.Fatalf("failed compiling. %v", err)
	}
	if _, err := fixture.Program.DownloadDependencies(fixture.Client); err != nil {
		t.Fatalf("failed resolving. %v", err)
	}

	if got := atomic.LoadInt32(requests); got != 1 {
		t.Fatalf("expected one artifact download, found %d", got)
	}
	artifact := filepath.Join(fixture.Dir, "libmech_math.so")
	if _, err := os.Stat(artifact); err != nil {
		t.Fatalf("artifact was not cached. %v", err)
	}

	// The bytes are not a loadable plugin, so the open fails and is
	// reported, not fatal.
	found := false
	for _, text := range fixture.diagnostics() {
		if strings.Contains(text, "Can't load library") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a load failure diagnostic")
	}

	if _, err := fixture.Program.DownloadDependencies(fixture.Client); err != nil {
		t.Fatalf("failed resolving again. %v", err)
	}
	if got := atomic.LoadInt32(requests); got != 1 {
		t.Fatalf("cached artifact should not re-download, found %d requests", got)
	}
}
