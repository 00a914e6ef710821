package script

import (
	"context"
	"fmt"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/mnemosdb/mnemos/src/agent"
	"github.com/mnemosdb/mnemos/src/auth"
	"github.com/mnemosdb/mnemos/src/embed"
	"github.com/mnemosdb/mnemos/src/namespace"
	"github.com/mnemosdb/mnemos/src/storage"
	"github.com/mnemosdb/mnemos/src/vector"
)

const testDims = 32

type testEnv struct {
	bridge   *Bridge
	registry *namespace.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	engine := storage.NewMemoryEngine()
	registry, err := namespace.NewRegistry(context.Background(), engine,
		func(_ context.Context, spec namespace.Spec) (vector.Index, error) {
			return vector.NewMemoryIndex(spec.Dimensions, spec.Metric), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	embedder := embed.NewDummyEmbedder(testDims)
	bridge := NewBridge(Collaborators{
		Registry:      registry,
		Engine:        engine,
		Embedder:      embedder,
		Memory:        agent.NewMemoryBank(registry, embedder),
		Conversations: agent.NewConversations(registry, embedder, testDims),
		ToolState:     agent.NewToolState(registry, testDims),
		DefaultDims:   testDims,
	})
	return &testEnv{bridge: bridge, registry: registry}
}

// run executes source on a fresh sandboxed state and returns the script's
// first return value.
func (e *testEnv) run(t *testing.T, source string) (lua.LValue, error) {
	t.Helper()
	return e.runGuarded(t, source, AllowAll)
}

func (e *testEnv) runGuarded(t *testing.T, source string, guard Guard) (lua.LValue, error) {
	t.Helper()
	L := NewSandbox()
	defer L.Close()
	e.bridge.Bind(L, context.Background(), guard)
	if err := L.DoString(source); err != nil {
		return lua.LNil, err
	}
	if L.GetTop() == 0 {
		return lua.LNil, nil
	}
	return L.Get(-1), nil
}

// faultKind unwraps the typed fault a bridge primitive raised.
func faultKind(t *testing.T, err error) RuntimeKind {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	rte, ok := AsRuntime(err)
	if !ok {
		t.Fatalf("untyped error: %v", err)
	}
	return rte.Kind
}

func (e *testEnv) mustCreate(t *testing.T, name string) {
	t.Helper()
	if _, err := e.registry.Create(context.Background(), name, testDims, vector.Cosine, vector.F32); err != nil {
		t.Fatal(err)
	}
}

func TestBridgePutGetDelete(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "notes")

	v, err := env.run(t, `
put("notes", "k1", "hello")
return get("notes", "k1")
`)
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "hello" {
		t.Errorf("got %q", v.String())
	}

	v, err = env.run(t, `
delete("notes", "k1")
return get("notes", "k1")
`)
	if err != nil {
		t.Fatal(err)
	}
	if v != lua.LNil {
		t.Errorf("deleted key should read nil, got %v", v)
	}
}

func TestBridgeGetAbsentIsNil(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "notes")

	v, err := env.run(t, `return get("notes", "never")`)
	if err != nil {
		t.Fatal(err)
	}
	if v != lua.LNil {
		t.Errorf("absent key = %v, want nil", v)
	}
}

func TestBridgeNamespaceNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, `return get("nowhere", "k")`)
	if kind := faultKind(t, err); kind != NamespaceNotFound {
		t.Errorf("kind = %s, want namespace_not_found", kind)
	}
}

func TestBridgeKeysAndScan(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "notes")

	v, err := env.run(t, `
put("notes", "user:a", "1")
put("notes", "user:b", "2")
put("notes", "sys:x", "3")
local ks = keys("notes", "user:")
return #ks .. ":" .. ks[1] .. ":" .. ks[2]
`)
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "2:user:a:user:b" {
		t.Errorf("keys result = %q", v.String())
	}

	v, err = env.run(t, `
local rows = scan("notes", "user:", 1)
return #rows .. ":" .. rows[1].key .. "=" .. rows[1].value
`)
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "1:user:a=1" {
		t.Errorf("scan result = %q", v.String())
	}
}

func TestBridgeBatchOps(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "notes")

	v, err := env.run(t, `
batch_put("notes", {a = "1", b = "2"})
local got = batch_get("notes", {"a", "b", "missing"})
return (got.a or "?") .. (got.b or "?") .. (got.missing or "?")
`)
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "12?" {
		t.Errorf("batch result = %q", v.String())
	}
}

func TestBridgeJSONRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "notes")

	v, err := env.run(t, `
put_json("notes", "doc", {name = "ada", score = 3})
local doc = get_json("notes", "doc")
return doc.name .. ":" .. doc.score
`)
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "ada:3" {
		t.Errorf("json roundtrip = %q", v.String())
	}

	v, err = env.run(t, `return get_json("notes", "absent")`)
	if err != nil {
		t.Fatal(err)
	}
	if v != lua.LNil {
		t.Errorf("absent json key = %v", v)
	}
}

func TestBridgeJSONEncodeDecode(t *testing.T) {
	env := newTestEnv(t)

	v, err := env.run(t, `
local text = json.encode({1, 2, 3})
local back = json.decode(text)
return back[2]
`)
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "2" {
		t.Errorf("decode result = %q", v.String())
	}

	_, err = env.run(t, `return json.decode("{broken")`)
	if kind := faultKind(t, err); kind != DeserializationError {
		t.Errorf("bad json raised %s, want deserialization_error", kind)
	}
}

func TestBridgeSemanticSearchSelfSimilarity(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "docs")

	v, err := env.run(t, `
store_with_embedding("docs", "x", "hello")
store_with_embedding("docs", "y", "completely different words entirely")
local hits = semantic_search("docs", "hello", 1)
return hits[1].id .. ":" .. hits[1].content
`)
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "x:hello" {
		t.Errorf("self-similar hit = %q", v.String())
	}
}

func TestBridgeVectorDimensionMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "docs")

	_, err := env.run(t, `store_vector("docs", "v1", {1, 2, 3})`)
	if kind := faultKind(t, err); kind != VectorDimensionMismatch {
		t.Fatalf("kind = %s, want vector_dimension_mismatch", kind)
	}

	// Nothing may be stored on mismatch.
	ns, err := env.registry.Get("docs")
	if err != nil {
		t.Fatal(err)
	}
	n, err := ns.Index.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("partial vector stored: count = %d", n)
	}
}

func TestBridgeVectorSearch(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "docs")

	script := fmt.Sprintf(`
local a = {}
local b = {}
for i = 1, %d do a[i] = 0 b[i] = 0 end
a[1] = 1
b[2] = 1
store_vector("docs", "a", a)
store_vector("docs", "b", b)
local hits = vector_search("docs", a, 2)
return hits[1].id
`, testDims)
	v, err := env.run(t, script)
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "a" {
		t.Errorf("nearest = %q, want a", v.String())
	}
}

func TestBridgeNamespaceLifecycle(t *testing.T) {
	env := newTestEnv(t)

	v, err := env.run(t, `
create_namespace("temp", 8, "cosine", "f32")
local there = namespace_exists("temp")
delete_namespace("temp")
local gone = namespace_exists("temp")
return tostring(there) .. ":" .. tostring(gone)
`)
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "true:false" {
		t.Errorf("lifecycle = %q", v.String())
	}

	// Reads after deletion report the namespace, not the key, as missing.
	_, err = env.run(t, `
create_namespace("temp2", 8)
delete_namespace("temp2")
return get("temp2", "any")
`)
	if kind := faultKind(t, err); kind != NamespaceNotFound {
		t.Errorf("kind = %s, want namespace_not_found", kind)
	}
}

func TestBridgeGuardDenies(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "notes")

	deny := func(p *Primitive) error {
		for _, perm := range p.Permissions {
			if perm == auth.Delete {
				return fmt.Errorf("%w: no delete", auth.ErrUnauthorized)
			}
		}
		return nil
	}

	if _, err := env.runGuarded(t, `put("notes", "k", "v") return get("notes", "k")`, deny); err != nil {
		t.Fatalf("allowed primitive blocked: %v", err)
	}
	_, err := env.runGuarded(t, `delete("notes", "k")`, deny)
	if kind := faultKind(t, err); kind != Unauthorized {
		t.Errorf("kind = %s, want unauthorized", kind)
	}
}

func TestBridgeListTransforms(t *testing.T) {
	env := newTestEnv(t)

	v, err := env.run(t, `
local doubled = map({1, 2, 3}, function(x) return x * 2 end)
local evens = filter(doubled, function(x) return x > 2 end)
local sum = reduce(evens, function(acc, x) return acc + x end, 0)
return sum
`)
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "10" {
		t.Errorf("sum = %q, want 10", v.String())
	}
}

func TestBridgeConversationPrimitives(t *testing.T) {
	env := newTestEnv(t)

	v, err := env.run(t, `
local s1 = add_message("c1", "user", "hi")
local s2 = add_message("c1", "assistant", "hey")
local msgs = get_messages("c1", 10)
return #msgs .. ":" .. msgs[1].role .. ":" .. msgs[2].role .. ":" .. tostring(s2 > s1)
`)
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "2:user:assistant:true" {
		t.Errorf("conversation result = %q", v.String())
	}
}

func TestBridgeMemoryPrimitives(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "mem")

	v, err := env.run(t, `
local mid = memory_store("mem", "the user prefers jazz", {"music"}, 0.9)
local got = memory_recall("mem", "the user prefers jazz", 1)
memory_forget("mem", mid)
local after = memory_recall("mem", "the user prefers jazz", 1)
return got[1].content .. ":" .. #after
`)
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "the user prefers jazz:0" {
		t.Errorf("memory result = %q", v.String())
	}
}

func TestBridgeToolState(t *testing.T) {
	env := newTestEnv(t)

	v, err := env.run(t, `
tool_state_set("search", "cursor", "42")
local got = tool_state_get("search", "cursor")
tool_state_delete("search", "cursor")
local after = tool_state_get("search", "cursor")
return got .. ":" .. tostring(after)
`)
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "42:nil" {
		t.Errorf("tool state result = %q", v.String())
	}
}

func TestBridgePackages(t *testing.T) {
	env := newTestEnv(t)

	v, err := env.run(t, `
install_package("inspect")
install_package("penlight")
local pkgs = list_packages()
return #pkgs .. ":" .. pkgs[1]
`)
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "2:inspect" {
		t.Errorf("packages = %q", v.String())
	}
}

func TestBridgeUtilities(t *testing.T) {
	env := newTestEnv(t)

	v, err := env.run(t, `
local a = id()
local b = id()
return tostring(a ~= b and #a > 0 and now() > 0)
`)
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "true" {
		t.Errorf("utilities = %q", v.String())
	}
}

func TestSandboxBlocksHostAccess(t *testing.T) {
	env := newTestEnv(t)

	for _, src := range []string{
		`return type(dofile)`,
		`return type(loadfile)`,
		`return type(load)`,
		`return type(loadstring)`,
	} {
		v, err := env.run(t, src)
		if err != nil {
			t.Fatal(err)
		}
		if v.String() != "nil" {
			t.Errorf("%q resolves to %q, want nil", src, v.String())
		}
	}

	// os and io are never opened at all.
	for _, src := range []string{`return os`, `return io`} {
		v, err := env.run(t, src)
		if err != nil {
			t.Fatal(err)
		}
		if v != lua.LNil {
			t.Errorf("%q = %v, want nil", src, v)
		}
	}
}

func TestSandboxStartsWithEmptyStack(t *testing.T) {
	L := NewSandbox()
	defer L.Close()

	// Library opens must not leave module tables behind; a script with no
	// return statement is indistinguishable from them otherwise.
	if top := L.GetTop(); top != 0 {
		t.Fatalf("fresh sandbox has %d values on the stack", top)
	}
}

func TestScriptWithoutReturnYieldsNothing(t *testing.T) {
	env := newTestEnv(t)

	v, err := env.run(t, `local x = 1 + 1`)
	if err != nil {
		t.Fatal(err)
	}
	if v != lua.LNil {
		t.Errorf("script without return produced %v", v)
	}
}

func TestBridgeFaultReadableInPcall(t *testing.T) {
	env := newTestEnv(t)

	v, err := env.run(t, `
local ok, fault = pcall(get, "nowhere", "k")
return tostring(ok) .. "|" .. tostring(fault)
`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(v.String(), "false|") ||
		!strings.Contains(v.String(), string(NamespaceNotFound)) {
		t.Errorf("pcall surface = %q", v.String())
	}
}

func TestBridgeDeleteAbsentKeyIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "notes")

	if _, err := env.run(t, `delete("notes", "never-written")`); err != nil {
		t.Errorf("deleting an absent key failed: %v", err)
	}
}
