package mnemos

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mnemosdb/mnemos/src/auth"
	"github.com/mnemosdb/mnemos/src/embed"
	"github.com/mnemosdb/mnemos/src/query"
	"github.com/mnemosdb/mnemos/src/script"
	"github.com/mnemosdb/mnemos/src/vector"
)

func openTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.EmbedDims = 32
	cfg.Embedder = embed.NewDummyEmbedder(32)
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := eng.Close(context.Background()); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return eng
}

func TestOpenExecuteRoundTrip(t *testing.T) {
	eng := openTestEngine(t, nil)

	out, err := eng.Execute(context.Background(), `
create_namespace("notes", 32)
put("notes", "greeting", "hello")
return get("notes", "greeting")
`, "embedded")
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello" {
		t.Errorf("got %q", out)
	}
}

func TestExecuteJSON(t *testing.T) {
	eng := openTestEngine(t, nil)

	var got struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	err := eng.ExecuteJSON(context.Background(),
		`return {name = "mnemos", count = 3}`, "embedded", &got)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "mnemos" || got.Count != 3 {
		t.Errorf("got %+v", got)
	}
}

func TestTypedNamespaceHelpers(t *testing.T) {
	eng := openTestEngine(t, nil)
	ctx := context.Background()

	if err := eng.CreateNamespace(ctx, "facts", 0, vector.Cosine, vector.F32); err != nil {
		t.Fatal(err)
	}
	specs := eng.Namespaces()
	if len(specs) != 1 || specs[0].Name != "facts" {
		t.Fatalf("namespaces = %+v", specs)
	}
	// dims 0 falls back to the engine default
	if specs[0].Dimensions != 32 {
		t.Errorf("dims = %d", specs[0].Dimensions)
	}
	if err := eng.DeleteNamespace(ctx, "facts"); err != nil {
		t.Fatal(err)
	}
	if len(eng.Namespaces()) != 0 {
		t.Error("namespace survived delete")
	}
}

func TestTypedMemoryLayer(t *testing.T) {
	eng := openTestEngine(t, nil)
	ctx := context.Background()

	if err := eng.CreateNamespace(ctx, "mem", 32, vector.Cosine, vector.F32); err != nil {
		t.Fatal(err)
	}
	id, err := eng.Memories().Store(ctx, "mem", "the sky is blue", []string{"fact"}, 0.9)
	if err != nil {
		t.Fatal(err)
	}
	got, err := eng.Memories().Recall(ctx, "mem", "sky color", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 || got[0].ID != id {
		t.Fatalf("recall = %+v", got)
	}
}

func TestAuthGateThroughFacade(t *testing.T) {
	eng := openTestEngine(t, func(cfg *Config) {
		cfg.PersistAuth = true
	})
	ctx := context.Background()

	if err := eng.Grant(ctx, "reader", auth.Select); err != nil {
		t.Fatal(err)
	}
	if err := eng.CreateNamespace(ctx, "notes", 32, vector.Cosine, vector.F32); err != nil {
		t.Fatal(err)
	}

	_, err := eng.Execute(ctx, `put("notes", "k", "v")`, "reader")
	var rte *script.RuntimeError
	if !errors.As(err, &rte) || rte.Kind != script.Unauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	if _, err := eng.Execute(ctx, `return get("notes", "k")`, "reader"); err != nil {
		t.Fatalf("granted read failed: %v", err)
	}
}

func TestValidateThroughFacade(t *testing.T) {
	eng := openTestEngine(t, nil)

	res := eng.Validate(`os.exit(1)`)
	if res.Valid {
		t.Fatal("forbidden call validated")
	}
	if res.Errors[0].Kind != script.ForbiddenFunction {
		t.Errorf("kind = %s", res.Errors[0].Kind)
	}
}

func TestOpenRejectsUnknownDrivers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = "sqlite"
	if _, err := Open(context.Background(), cfg); err == nil ||
		!strings.Contains(err.Error(), "unknown storage driver") {
		t.Errorf("got %v", err)
	}

	cfg = DefaultConfig()
	cfg.VectorDriver = "pgvector"
	if _, err := Open(context.Background(), cfg); err == nil ||
		!strings.Contains(err.Error(), "postgres storage driver") {
		t.Errorf("got %v", err)
	}
}

func TestInvalidScriptSurfacesFindings(t *testing.T) {
	eng := openTestEngine(t, nil)

	_, err := eng.Execute(context.Background(), `return nobody`, "embedded")
	var inv *query.InvalidError
	if !errors.As(err, &inv) {
		t.Fatalf("got %v", err)
	}
}
