package script

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/mnemosdb/mnemos/src/agent"
	"github.com/mnemosdb/mnemos/src/auth"
	"github.com/mnemosdb/mnemos/src/embed"
	"github.com/mnemosdb/mnemos/src/namespace"
	"github.com/mnemosdb/mnemos/src/storage"
	"github.com/mnemosdb/mnemos/src/vector"
)

// Guard is the per-execution permission check the scheduler injects. The
// bridge itself holds no authorization state.
type Guard func(p *Primitive) error

// AllowAll is the guard used for trusted embedded callers and tests.
func AllowAll(*Primitive) error { return nil }

const packagesPartition = "_packages"

// Collaborators are the long-lived dependencies the bridge closes over.
type Collaborators struct {
	Registry      *namespace.Registry
	Engine        storage.Engine
	Embedder      embed.Embedder
	Memory        *agent.MemoryBank
	Conversations *agent.Conversations
	ToolState     *agent.ToolState
	// DefaultDims is used when create_namespace is called without explicit
	// dimensions.
	DefaultDims int
}

// Bridge exposes the primitive catalog into interpreter instances.
type Bridge struct {
	c Collaborators
}

func NewBridge(c Collaborators) *Bridge {
	if c.DefaultDims <= 0 {
		c.DefaultDims = 768
	}
	return &Bridge{c: c}
}

// Bind registers every catalog primitive as a global of L, closing over the
// execution context and the caller's guard.
func (b *Bridge) Bind(L *lua.LState, ctx context.Context, guard Guard) {
	if guard == nil {
		guard = AllowAll
	}
	for name, fn := range b.handlers(ctx) {
		prim, _ := Lookup(name)
		L.SetGlobal(name, L.NewFunction(b.guarded(prim, guard, fn)))
	}

	jsonTbl := L.NewTable()
	L.SetField(jsonTbl, "encode", L.NewFunction(func(L *lua.LState) int {
		text, err := EncodeLuaJSON(L.CheckAny(1))
		if err != nil {
			return raise(L, DeserializationError, err)
		}
		L.Push(lua.LString(text))
		return 1
	}))
	L.SetField(jsonTbl, "decode", L.NewFunction(func(L *lua.LState) int {
		v, err := decodeJSON(L, L.CheckString(1))
		if err != nil {
			return raise(L, DeserializationError, err)
		}
		L.Push(v)
		return 1
	}))
	L.SetGlobal("json", jsonTbl)
}

// guarded wraps a primitive handler with the caller's permission check.
func (b *Bridge) guarded(prim *Primitive, guard Guard, fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		if prim != nil {
			if err := guard(prim); err != nil {
				return raise(L, Unauthorized, err)
			}
		}
		return fn(L)
	}
}

// raise throws a typed fault into the interpreter as userdata. The
// scheduler recovers it with AsRuntime; scripts can pcall and tostring it
// but cannot fabricate one.
func raise(L *lua.LState, kind RuntimeKind, err error) int {
	ud := L.NewUserData()
	ud.Value = &RuntimeError{Kind: kind, Message: err.Error()}
	L.SetMetatable(ud, faultMetatable(L))
	L.Error(ud, 1)
	return 0
}

// faultMetatable gives faults a readable tostring inside pcall handlers.
func faultMetatable(L *lua.LState) *lua.LTable {
	if mt, ok := L.GetTypeMetatable(faultTypeName).(*lua.LTable); ok {
		return mt
	}
	mt := L.NewTypeMetatable(faultTypeName)
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		if rte, ok := ud.Value.(*RuntimeError); ok {
			L.Push(lua.LString(rte.Error()))
		} else {
			L.Push(lua.LString("fault"))
		}
		return 1
	}))
	return mt
}

// classify picks the runtime kind for an error coming out of a collaborator.
func classify(err error) RuntimeKind {
	switch {
	case errors.Is(err, vector.ErrDimensionMismatch):
		return VectorDimensionMismatch
	case errors.Is(err, namespace.ErrNotFound):
		return NamespaceNotFound
	case errors.Is(err, storage.ErrKeyNotFound),
		errors.Is(err, storage.ErrPartitionNotFound),
		errors.Is(err, agent.ErrMemoryNotFound):
		return KeyNotFound
	case errors.Is(err, auth.ErrUnauthorized):
		return Unauthorized
	case errors.Is(err, agent.ErrEmbedding):
		return EmbeddingFailure
	}
	return ScriptError
}

func raiseClassified(L *lua.LState, err error) int {
	return raise(L, classify(err), err)
}

func (b *Bridge) space(L *lua.LState, name string) *namespace.Namespace {
	ns, err := b.c.Registry.Get(name)
	if err != nil {
		raise(L, NamespaceNotFound, err)
	}
	return ns
}

func (b *Bridge) handlers(ctx context.Context) map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"put": func(L *lua.LState) int {
			ns := b.space(L, L.CheckString(1))
			key := L.CheckString(2)
			value, err := lvalueToBytes(L.CheckAny(3))
			if err != nil {
				return raise(L, DeserializationError, err)
			}
			if err := ns.Store.Put(ctx, []byte(key), value); err != nil {
				return raiseClassified(L, err)
			}
			return 0
		},
		"get": func(L *lua.LState) int {
			ns := b.space(L, L.CheckString(1))
			value, err := ns.Store.Get(ctx, []byte(L.CheckString(2)))
			if errors.Is(err, storage.ErrKeyNotFound) {
				L.Push(lua.LNil)
				return 1
			}
			if err != nil {
				return raiseClassified(L, err)
			}
			L.Push(lua.LString(value))
			return 1
		},
		"delete": func(L *lua.LState) int {
			ns := b.space(L, L.CheckString(1))
			if err := ns.Store.Delete(ctx, []byte(L.CheckString(2))); err != nil {
				return raiseClassified(L, err)
			}
			return 0
		},
		"keys": func(L *lua.LState) int {
			ns := b.space(L, L.CheckString(1))
			prefix := L.OptString(2, "")
			entries, err := ns.Store.Scan(ctx, []byte(prefix), 0)
			if err != nil {
				return raiseClassified(L, err)
			}
			out := L.NewTable()
			for i, entry := range entries {
				out.RawSetInt(i+1, lua.LString(entry.Key))
			}
			L.Push(out)
			return 1
		},
		"scan": func(L *lua.LState) int {
			ns := b.space(L, L.CheckString(1))
			prefix := L.CheckString(2)
			limit := L.OptInt(3, 0)
			entries, err := ns.Store.Scan(ctx, []byte(prefix), limit)
			if err != nil {
				return raiseClassified(L, err)
			}
			out := L.NewTable()
			for i, entry := range entries {
				row := L.NewTable()
				row.RawSetString("key", lua.LString(entry.Key))
				row.RawSetString("value", lua.LString(entry.Value))
				out.RawSetInt(i+1, row)
			}
			L.Push(out)
			return 1
		},
		"batch_put": func(L *lua.LState) int {
			ns := b.space(L, L.CheckString(1))
			items := L.CheckTable(2)
			var entries []storage.Entry
			var convErr error
			items.ForEach(func(k, v lua.LValue) {
				if convErr != nil {
					return
				}
				value, err := lvalueToBytes(v)
				if err != nil {
					convErr = err
					return
				}
				entries = append(entries, storage.Entry{Key: []byte(k.String()), Value: value})
			})
			if convErr != nil {
				return raise(L, DeserializationError, convErr)
			}
			if err := ns.Store.BatchPut(ctx, entries); err != nil {
				return raiseClassified(L, err)
			}
			return 0
		},
		"batch_get": func(L *lua.LState) int {
			ns := b.space(L, L.CheckString(1))
			keys := L.CheckTable(2)
			out := L.NewTable()
			n := keys.Len()
			for i := 1; i <= n; i++ {
				key := keys.RawGetInt(i).String()
				value, err := ns.Store.Get(ctx, []byte(key))
				if errors.Is(err, storage.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return raiseClassified(L, err)
				}
				out.RawSetString(key, lua.LString(value))
			}
			L.Push(out)
			return 1
		},
		"put_json": func(L *lua.LState) int {
			ns := b.space(L, L.CheckString(1))
			key := L.CheckString(2)
			text, err := EncodeLuaJSON(L.CheckAny(3))
			if err != nil {
				return raise(L, DeserializationError, err)
			}
			if err := ns.Store.Put(ctx, []byte(key), []byte(text)); err != nil {
				return raiseClassified(L, err)
			}
			return 0
		},
		"get_json": func(L *lua.LState) int {
			ns := b.space(L, L.CheckString(1))
			raw, err := ns.Store.Get(ctx, []byte(L.CheckString(2)))
			if errors.Is(err, storage.ErrKeyNotFound) {
				L.Push(lua.LNil)
				return 1
			}
			if err != nil {
				return raiseClassified(L, err)
			}
			v, err := decodeJSON(L, string(raw))
			if err != nil {
				return raise(L, DeserializationError, err)
			}
			L.Push(v)
			return 1
		},
		"embed": func(L *lua.LState) int {
			vec, err := b.c.Embedder.Embed(ctx, L.CheckString(1))
			if err != nil {
				return raise(L, EmbeddingFailure, err)
			}
			L.Push(goToLua(L, vec))
			return 1
		},
		"embed_batch": func(L *lua.LState) int {
			texts := L.CheckTable(1)
			inputs := make([]string, texts.Len())
			for i := 1; i <= texts.Len(); i++ {
				inputs[i-1] = texts.RawGetInt(i).String()
			}
			vecs, err := embed.EmbedAll(ctx, b.c.Embedder, inputs)
			if err != nil {
				return raise(L, EmbeddingFailure, err)
			}
			out := L.NewTable()
			for i, vec := range vecs {
				out.RawSetInt(i+1, goToLua(L, vec))
			}
			L.Push(out)
			return 1
		},
		"store_vector": func(L *lua.LState) int {
			ns := b.space(L, L.CheckString(1))
			id := L.CheckString(2)
			vec, err := luaToVector(L.CheckTable(3))
			if err != nil {
				return raise(L, DeserializationError, err)
			}
			if err := ns.Index.Add(ctx, id, vec); err != nil {
				return raiseClassified(L, err)
			}
			return 0
		},
		"vector_search": func(L *lua.LState) int {
			ns := b.space(L, L.CheckString(1))
			vec, err := luaToVector(L.CheckTable(2))
			if err != nil {
				return raise(L, DeserializationError, err)
			}
			k := L.CheckInt(3)
			hits, err := ns.Index.Search(ctx, vec, k)
			if err != nil {
				if errors.Is(err, vector.ErrDimensionMismatch) {
					return raise(L, VectorDimensionMismatch, err)
				}
				return raise(L, VectorSearchFailure, err)
			}
			L.Push(resultsToLua(L, hits, nil))
			return 1
		},
		"store_with_embedding": func(L *lua.LState) int {
			ns := b.space(L, L.CheckString(1))
			id := L.CheckString(2)
			text := L.CheckString(3)
			vec, err := b.c.Embedder.Embed(ctx, text)
			if err != nil {
				return raise(L, EmbeddingFailure, err)
			}
			if err := ns.Index.Add(ctx, id, vec); err != nil {
				return raiseClassified(L, err)
			}
			if err := ns.Store.Put(ctx, []byte("content:"+id), []byte(text)); err != nil {
				return raiseClassified(L, err)
			}
			return 0
		},
		"semantic_search": func(L *lua.LState) int {
			ns := b.space(L, L.CheckString(1))
			query := L.CheckString(2)
			k := L.CheckInt(3)
			vec, err := b.c.Embedder.Embed(ctx, query)
			if err != nil {
				return raise(L, EmbeddingFailure, err)
			}
			hits, err := ns.Index.Search(ctx, vec, k)
			if err != nil {
				if errors.Is(err, vector.ErrDimensionMismatch) {
					return raise(L, VectorDimensionMismatch, err)
				}
				return raise(L, VectorSearchFailure, err)
			}
			contents := make(map[string]string, len(hits))
			for _, hit := range hits {
				raw, err := ns.Store.Get(ctx, []byte("content:"+hit.ID))
				if err == nil {
					contents[hit.ID] = string(raw)
				}
			}
			L.Push(resultsToLua(L, hits, contents))
			return 1
		},
		"create_namespace": func(L *lua.LState) int {
			name := L.CheckString(1)
			dims := L.OptInt(2, b.c.DefaultDims)
			metric, err := vector.ParseMetric(L.OptString(3, "cosine"))
			if err != nil {
				return raiseClassified(L, err)
			}
			scalar, err := vector.ParseScalar(L.OptString(4, "f32"))
			if err != nil {
				return raiseClassified(L, err)
			}
			if _, err := b.c.Registry.Create(ctx, name, dims, metric, scalar); err != nil {
				return raiseClassified(L, err)
			}
			return 0
		},
		"delete_namespace": func(L *lua.LState) int {
			if err := b.c.Registry.Delete(ctx, L.CheckString(1)); err != nil {
				return raiseClassified(L, err)
			}
			return 0
		},
		"namespace_exists": func(L *lua.LState) int {
			L.Push(lua.LBool(b.c.Registry.Exists(L.CheckString(1))))
			return 1
		},
		"list_namespaces": func(L *lua.LState) int {
			out := L.NewTable()
			for i, spec := range b.c.Registry.List() {
				out.RawSetInt(i+1, lua.LString(spec.Name))
			}
			L.Push(out)
			return 1
		},
		"memory_store": func(L *lua.LState) int {
			ns := L.CheckString(1)
			content := L.CheckString(2)
			var tags []string
			if tbl, ok := L.Get(3).(*lua.LTable); ok {
				for i := 1; i <= tbl.Len(); i++ {
					tags = append(tags, tbl.RawGetInt(i).String())
				}
			}
			importance := float64(L.OptNumber(4, 0.5))
			id, err := b.c.Memory.Store(ctx, ns, content, tags, importance)
			if err != nil {
				return raiseClassified(L, err)
			}
			L.Push(lua.LString(id))
			return 1
		},
		"memory_recall": func(L *lua.LState) int {
			memories, err := b.c.Memory.Recall(ctx, L.CheckString(1), L.CheckString(2), L.CheckInt(3))
			if err != nil {
				return raiseClassified(L, err)
			}
			L.Push(memoriesToLua(L, memories))
			return 1
		},
		"memory_recall_tags": func(L *lua.LState) int {
			ns := L.CheckString(1)
			tbl := L.CheckTable(2)
			tags := make([]string, tbl.Len())
			for i := 1; i <= tbl.Len(); i++ {
				tags[i-1] = tbl.RawGetInt(i).String()
			}
			memories, err := b.c.Memory.RecallByTags(ctx, ns, tags, L.CheckInt(3))
			if err != nil {
				return raiseClassified(L, err)
			}
			L.Push(memoriesToLua(L, memories))
			return 1
		},
		"memory_forget": func(L *lua.LState) int {
			if err := b.c.Memory.Forget(ctx, L.CheckString(1), L.CheckString(2)); err != nil {
				return raiseClassified(L, err)
			}
			return 0
		},
		"add_message": func(L *lua.LState) int {
			seq, err := b.c.Conversations.Append(ctx, L.CheckString(1), L.CheckString(2), L.CheckString(3))
			if err != nil {
				return raiseClassified(L, err)
			}
			L.Push(lua.LNumber(seq))
			return 1
		},
		"get_messages": func(L *lua.LState) int {
			msgs, err := b.c.Conversations.Messages(ctx, L.CheckString(1), L.CheckInt(2))
			if err != nil {
				return raiseClassified(L, err)
			}
			L.Push(messagesToLua(L, msgs))
			return 1
		},
		"search_messages": func(L *lua.LState) int {
			msgs, err := b.c.Conversations.Search(ctx, L.CheckString(1), L.CheckString(2), L.CheckInt(3))
			if err != nil {
				return raiseClassified(L, err)
			}
			L.Push(messagesToLua(L, msgs))
			return 1
		},
		"tool_state_set": func(L *lua.LState) int {
			if err := b.c.ToolState.Set(ctx, L.CheckString(1), L.CheckString(2), L.CheckString(3)); err != nil {
				return raiseClassified(L, err)
			}
			return 0
		},
		"tool_state_get": func(L *lua.LState) int {
			v, err := b.c.ToolState.Get(ctx, L.CheckString(1), L.CheckString(2))
			if errors.Is(err, storage.ErrKeyNotFound) || errors.Is(err, namespace.ErrNotFound) {
				L.Push(lua.LNil)
				return 1
			}
			if err != nil {
				return raiseClassified(L, err)
			}
			L.Push(lua.LString(v))
			return 1
		},
		"tool_state_delete": func(L *lua.LState) int {
			if err := b.c.ToolState.Delete(ctx, L.CheckString(1), L.CheckString(2)); err != nil {
				return raiseClassified(L, err)
			}
			return 0
		},
		"install_package": func(L *lua.LState) int {
			part, err := b.c.Engine.Partition(packagesPartition)
			if err != nil {
				return raiseClassified(L, err)
			}
			name := L.CheckString(1)
			stamp := time.Now().UTC().Format(time.RFC3339)
			if err := part.Put(ctx, []byte(name), []byte(stamp)); err != nil {
				return raiseClassified(L, err)
			}
			return 0
		},
		"list_packages": func(L *lua.LState) int {
			part, err := b.c.Engine.Partition(packagesPartition)
			if err != nil {
				return raiseClassified(L, err)
			}
			entries, err := part.Scan(ctx, nil, 0)
			if err != nil {
				return raiseClassified(L, err)
			}
			out := L.NewTable()
			for i, entry := range entries {
				out.RawSetInt(i+1, lua.LString(entry.Key))
			}
			L.Push(out)
			return 1
		},
		"id": func(L *lua.LState) int {
			L.Push(lua.LString(uuid.NewString()))
			return 1
		},
		"now": func(L *lua.LState) int {
			L.Push(lua.LNumber(time.Now().Unix()))
			return 1
		},
		"map": func(L *lua.LState) int {
			list := L.CheckTable(1)
			fn := L.CheckFunction(2)
			out := L.NewTable()
			for i := 1; i <= list.Len(); i++ {
				L.Push(fn)
				L.Push(list.RawGetInt(i))
				L.Call(1, 1)
				out.RawSetInt(i, L.Get(-1))
				L.Pop(1)
			}
			L.Push(out)
			return 1
		},
		"filter": func(L *lua.LState) int {
			list := L.CheckTable(1)
			fn := L.CheckFunction(2)
			out := L.NewTable()
			n := 0
			for i := 1; i <= list.Len(); i++ {
				item := list.RawGetInt(i)
				L.Push(fn)
				L.Push(item)
				L.Call(1, 1)
				keep := lua.LVAsBool(L.Get(-1))
				L.Pop(1)
				if keep {
					n++
					out.RawSetInt(n, item)
				}
			}
			L.Push(out)
			return 1
		},
		"reduce": func(L *lua.LState) int {
			list := L.CheckTable(1)
			fn := L.CheckFunction(2)
			acc := L.CheckAny(3)
			for i := 1; i <= list.Len(); i++ {
				L.Push(fn)
				L.Push(acc)
				L.Push(list.RawGetInt(i))
				L.Call(2, 1)
				acc = L.Get(-1)
				L.Pop(1)
			}
			L.Push(acc)
			return 1
		},
		"sleep": func(L *lua.LState) int {
			ms := L.CheckInt(1)
			if ms < 0 {
				ms = 0
			}
			if ms > 1000 {
				ms = 1000
			}
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return raise(L, TimeoutExceeded, ctx.Err())
			}
			return 0
		},
		"save": func(L *lua.LState) int {
			if err := b.c.Engine.Flush(); err != nil {
				return raiseClassified(L, err)
			}
			for _, spec := range b.c.Registry.List() {
				ns, err := b.c.Registry.Get(spec.Name)
				if err != nil {
					continue
				}
				if err := ns.Index.Persist(ctx); err != nil {
					return raiseClassified(L, err)
				}
			}
			return 0
		},
		"log": func(L *lua.LState) int {
			log.Info().Str("source", "script").Msg(L.CheckString(1))
			return 0
		},
	}
}

func resultsToLua(L *lua.LState, hits []vector.Result, contents map[string]string) *lua.LTable {
	out := L.NewTable()
	for i, hit := range hits {
		row := L.NewTable()
		row.RawSetString("id", lua.LString(hit.ID))
		row.RawSetString("distance", lua.LNumber(hit.Distance))
		if contents != nil {
			if text, ok := contents[hit.ID]; ok {
				row.RawSetString("content", lua.LString(text))
			}
		}
		out.RawSetInt(i+1, row)
	}
	return out
}

func memoriesToLua(L *lua.LState, memories []agent.Memory) *lua.LTable {
	out := L.NewTable()
	for i, mem := range memories {
		row := L.NewTable()
		row.RawSetString("id", lua.LString(mem.ID))
		row.RawSetString("content", lua.LString(mem.Content))
		row.RawSetString("importance", lua.LNumber(mem.Importance))
		row.RawSetString("created_at", lua.LNumber(mem.CreatedAt))
		row.RawSetString("distance", lua.LNumber(mem.Distance))
		tags := L.NewTable()
		for j, tag := range mem.Tags {
			tags.RawSetInt(j+1, lua.LString(tag))
		}
		row.RawSetString("tags", tags)
		out.RawSetInt(i+1, row)
	}
	return out
}

func messagesToLua(L *lua.LState, msgs []agent.Message) *lua.LTable {
	out := L.NewTable()
	for i, msg := range msgs {
		row := L.NewTable()
		row.RawSetString("sequence", lua.LNumber(msg.Sequence))
		row.RawSetString("role", lua.LString(msg.Role))
		row.RawSetString("content", lua.LString(msg.Content))
		row.RawSetString("timestamp", lua.LNumber(msg.Timestamp))
		row.RawSetString("distance", lua.LNumber(msg.Distance))
		out.RawSetInt(i+1, row)
	}
	return out
}
