package script

import "github.com/mnemosdb/mnemos/src/auth"

// Primitive describes one host function exposed into script scope. The same
// table drives bridge registration, the validator's known-global set, the
// scheduler's permission pre-scan and the documentation returned to callers.
type Primitive struct {
	Name        string
	Signature   string
	Description string
	Returns     string
	Example     string
	// Permissions the caller must hold, all of them. Empty means the
	// primitive is open to every caller. An insert requirement is also
	// satisfied by the update grant: put of an existing key is an update.
	Permissions []auth.Permission
	// Embeds marks primitives that call the embedding collaborator and must
	// go through the embedding limiter.
	Embeds bool
}

// Catalog is the closed set of primitives. Scripts resolve no other host
// symbol.
var Catalog = []Primitive{
	{
		Name:        "put",
		Signature:   "put(namespace, key, value)",
		Description: "Store a value under a key. Overwrites silently.",
		Returns:     "nothing",
		Example:     `put("notes", "k1", "hello")`,
		Permissions: []auth.Permission{auth.Insert},
	},
	{
		Name:        "get",
		Signature:   "get(namespace, key)",
		Description: "Read the value stored under a key.",
		Returns:     "string, or nil when absent",
		Example:     `local v = get("notes", "k1")`,
		Permissions: []auth.Permission{auth.Select},
	},
	{
		Name:        "delete",
		Signature:   "delete(namespace, key)",
		Description: "Remove a key. Deleting an absent key is a no-op.",
		Returns:     "nothing",
		Permissions: []auth.Permission{auth.Delete},
	},
	{
		Name:        "keys",
		Signature:   "keys(namespace, prefix?)",
		Description: "List keys, optionally restricted to a prefix.",
		Returns:     "array of strings in ascending order",
		Example:     `local ks = keys("notes", "user:")`,
		Permissions: []auth.Permission{auth.Select},
	},
	{
		Name:        "scan",
		Signature:   "scan(namespace, prefix, limit?)",
		Description: "List key/value pairs under a prefix.",
		Returns:     "array of {key, value} tables",
		Permissions: []auth.Permission{auth.Select},
	},
	{
		Name:        "batch_put",
		Signature:   "batch_put(namespace, items)",
		Description: "Store every key/value pair from a table in one call.",
		Returns:     "nothing",
		Example:     `batch_put("notes", {a = "1", b = "2"})`,
		Permissions: []auth.Permission{auth.Insert},
	},
	{
		Name:        "batch_get",
		Signature:   "batch_get(namespace, keys)",
		Description: "Read several keys at once. Absent keys are omitted.",
		Returns:     "table of key -> value",
		Permissions: []auth.Permission{auth.Select},
	},
	{
		Name:        "put_json",
		Signature:   "put_json(namespace, key, value)",
		Description: "JSON-encode a table and store it under a key.",
		Returns:     "nothing",
		Permissions: []auth.Permission{auth.Insert},
	},
	{
		Name:        "get_json",
		Signature:   "get_json(namespace, key)",
		Description: "Read a key and decode its JSON value.",
		Returns:     "table, or nil when absent",
		Permissions: []auth.Permission{auth.Select},
	},
	{
		Name:        "embed",
		Signature:   "embed(text)",
		Description: "Generate an embedding vector for a text.",
		Returns:     "array of numbers",
		Example:     `local v = embed("a sentence")`,
		Permissions: []auth.Permission{auth.GenerateEmbedding},
		Embeds:      true,
	},
	{
		Name:        "embed_batch",
		Signature:   "embed_batch(texts)",
		Description: "Generate embeddings for several texts in one call.",
		Returns:     "array of vectors, one per input",
		Permissions: []auth.Permission{auth.GenerateEmbedding},
		Embeds:      true,
	},
	{
		Name:        "store_vector",
		Signature:   "store_vector(namespace, id, vector)",
		Description: "Store a vector under an id. Dimensions must match the namespace.",
		Returns:     "nothing",
		Permissions: []auth.Permission{auth.Insert},
	},
	{
		Name:        "vector_search",
		Signature:   "vector_search(namespace, vector, k)",
		Description: "Find the k nearest stored vectors.",
		Returns:     "array of {id, distance}, ascending by distance",
		Permissions: []auth.Permission{auth.SimilaritySearch},
	},
	{
		Name:        "store_with_embedding",
		Signature:   "store_with_embedding(namespace, id, text)",
		Description: "Embed a text and store both the vector and the text.",
		Returns:     "nothing",
		Example:     `store_with_embedding("notes", "n1", "remember this")`,
		Permissions: []auth.Permission{auth.Insert, auth.GenerateEmbedding},
		Embeds:      true,
	},
	{
		Name:        "semantic_search",
		Signature:   "semantic_search(namespace, query, k)",
		Description: "Embed a query and return the k most similar stored texts.",
		Returns:     "array of {id, content, distance}, ascending by distance",
		Example:     `local hits = semantic_search("notes", "that thing", 3)`,
		Permissions: []auth.Permission{auth.SimilaritySearch, auth.GenerateEmbedding},
		Embeds:      true,
	},
	{
		Name:        "create_namespace",
		Signature:   "create_namespace(name, dimensions?, metric?, scalar?)",
		Description: "Create a namespace. Vector parameters are fixed for its lifetime.",
		Returns:     "nothing",
		Example:     `create_namespace("notes", 384, "cosine", "f32")`,
		Permissions: []auth.Permission{auth.CreateNamespace},
	},
	{
		Name:        "delete_namespace",
		Signature:   "delete_namespace(name)",
		Description: "Delete a namespace with its keys and vectors.",
		Returns:     "nothing",
		Permissions: []auth.Permission{auth.DeleteNamespace},
	},
	{
		Name:        "namespace_exists",
		Signature:   "namespace_exists(name)",
		Description: "Check whether a namespace exists.",
		Returns:     "boolean",
	},
	{
		Name:        "list_namespaces",
		Signature:   "list_namespaces()",
		Description: "List all namespace names.",
		Returns:     "array of strings",
	},
	{
		Name:        "memory_store",
		Signature:   "memory_store(namespace, content, tags?, importance?)",
		Description: "Remember a text with optional tags and importance. Embeds the content.",
		Returns:     "generated memory id",
		Example:     `local mid = memory_store("mem", "likes jazz", {"music"}, 0.8)`,
		Permissions: []auth.Permission{auth.Insert, auth.GenerateEmbedding},
		Embeds:      true,
	},
	{
		Name:        "memory_recall",
		Signature:   "memory_recall(namespace, query, k)",
		Description: "Recall the k memories most similar to a query.",
		Returns:     "array of {id, content, tags, importance, created_at, distance}",
		Permissions: []auth.Permission{auth.Select, auth.SimilaritySearch, auth.GenerateEmbedding},
		Embeds:      true,
	},
	{
		Name:        "memory_recall_tags",
		Signature:   "memory_recall_tags(namespace, tags, k)",
		Description: "Recall up to k memories carrying all the given tags.",
		Returns:     "array of memory tables",
		Permissions: []auth.Permission{auth.Select},
	},
	{
		Name:        "memory_forget",
		Signature:   "memory_forget(namespace, id)",
		Description: "Delete a memory by id.",
		Returns:     "nothing",
		Permissions: []auth.Permission{auth.Delete},
	},
	{
		Name:        "add_message",
		Signature:   "add_message(conversation, role, content)",
		Description: "Append a message to a conversation.",
		Returns:     "assigned sequence number",
		Example:     `add_message("conv1", "user", "hi")`,
		Permissions: []auth.Permission{auth.Insert},
	},
	{
		Name:        "get_messages",
		Signature:   "get_messages(conversation, limit)",
		Description: "Read the first messages of a conversation in order.",
		Returns:     "array of {sequence, role, content, timestamp}",
		Permissions: []auth.Permission{auth.Select},
	},
	{
		Name:        "search_messages",
		Signature:   "search_messages(conversation, query, k)",
		Description: "Find the k messages most similar to a query.",
		Returns:     "array of message tables with distance",
		Permissions: []auth.Permission{auth.Select, auth.SimilaritySearch, auth.GenerateEmbedding},
		Embeds:      true,
	},
	{
		Name:        "tool_state_set",
		Signature:   "tool_state_set(tool, key, value)",
		Description: "Store per-tool scratch state.",
		Returns:     "nothing",
		Permissions: []auth.Permission{auth.Insert},
	},
	{
		Name:        "tool_state_get",
		Signature:   "tool_state_get(tool, key)",
		Description: "Read per-tool scratch state.",
		Returns:     "string, or nil when absent",
		Permissions: []auth.Permission{auth.Select},
	},
	{
		Name:        "tool_state_delete",
		Signature:   "tool_state_delete(tool, key)",
		Description: "Remove per-tool scratch state.",
		Returns:     "nothing",
		Permissions: []auth.Permission{auth.Delete},
	},
	{
		Name:        "install_package",
		Signature:   "install_package(name)",
		Description: "Record a package as installed. No code is downloaded or loaded.",
		Returns:     "nothing",
		Permissions: []auth.Permission{auth.InstallPackage},
	},
	{
		Name:        "list_packages",
		Signature:   "list_packages()",
		Description: "List recorded packages.",
		Returns:     "array of strings",
		Permissions: []auth.Permission{auth.ListPackages},
	},
	{
		Name:        "id",
		Signature:   "id()",
		Description: "Generate a unique identifier.",
		Returns:     "uuid string",
	},
	{
		Name:        "now",
		Signature:   "now()",
		Description: "Current time as unix seconds.",
		Returns:     "number",
	},
	{
		Name:        "json.encode",
		Signature:   "json.encode(value)",
		Description: "Encode a value as a JSON string.",
		Returns:     "string",
	},
	{
		Name:        "json.decode",
		Signature:   "json.decode(text)",
		Description: "Decode a JSON string.",
		Returns:     "decoded value",
	},
	{
		Name:        "map",
		Signature:   "map(list, fn)",
		Description: "Apply fn to every element of a list.",
		Returns:     "new list",
		Example:     `local doubled = map({1,2,3}, function(x) return x * 2 end)`,
	},
	{
		Name:        "filter",
		Signature:   "filter(list, fn)",
		Description: "Keep the elements for which fn returns true.",
		Returns:     "new list",
	},
	{
		Name:        "reduce",
		Signature:   "reduce(list, fn, init)",
		Description: "Fold a list into a single value.",
		Returns:     "accumulated value",
		Example:     `local sum = reduce({1,2,3}, function(acc, x) return acc + x end, 0)`,
	},
	{
		Name:        "sleep",
		Signature:   "sleep(ms)",
		Description: "Pause the script. Capped at one second per call.",
		Returns:     "nothing",
	},
	{
		Name:        "save",
		Signature:   "save()",
		Description: "Flush persistent storage and vector indexes.",
		Returns:     "nothing",
	},
	{
		Name:        "log",
		Signature:   "log(message)",
		Description: "Write a message to the host log.",
		Returns:     "nothing",
	},
}

// catalogByName is built once; lookups during validation and pre-scan go
// through it.
var catalogByName = func() map[string]*Primitive {
	m := make(map[string]*Primitive, len(Catalog))
	for i := range Catalog {
		m[Catalog[i].Name] = &Catalog[i]
	}
	return m
}()

// Lookup returns the catalog entry for a primitive name.
func Lookup(name string) (*Primitive, bool) {
	p, ok := catalogByName[name]
	return p, ok
}

// AvailableFunctions renders the catalog as caller documentation.
func AvailableFunctions() []FunctionInfo {
	infos := make([]FunctionInfo, len(Catalog))
	for i, p := range Catalog {
		infos[i] = FunctionInfo{
			Name:        p.Name,
			Signature:   p.Signature,
			Description: p.Description,
			Returns:     p.Returns,
			Example:     p.Example,
		}
	}
	return infos
}
