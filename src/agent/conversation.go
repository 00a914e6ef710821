package agent

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mnemosdb/mnemos/src/embed"
	"github.com/mnemosdb/mnemos/src/namespace"
	"github.com/mnemosdb/mnemos/src/storage"
	"github.com/mnemosdb/mnemos/src/vector"
)

// ConversationNamespace holds every conversation, keyed by conversation id
// prefixes. It is created lazily on the first append.
const ConversationNamespace = "conversations"

// ErrInvalidRole rejects roles outside user/assistant/system/tool:<name>.
var ErrInvalidRole = errors.New("agent: invalid role")

// Conversations appends and reads ordered message logs. Sequence numbers
// come from a per-conversation counter key and are strictly increasing.
type Conversations struct {
	mu       sync.Mutex
	registry *namespace.Registry
	embedder embed.Embedder
	dims     int
}

func NewConversations(registry *namespace.Registry, embedder embed.Embedder, dims int) *Conversations {
	return &Conversations{registry: registry, embedder: embedder, dims: dims}
}

func (c *Conversations) space(ctx context.Context) (*namespace.Namespace, error) {
	if ns, err := c.registry.Get(ConversationNamespace); err == nil {
		return ns, nil
	}
	ns, err := c.registry.Create(ctx, ConversationNamespace, c.dims, vector.Cosine, vector.F32)
	if err != nil {
		if errors.Is(err, namespace.ErrExists) {
			return c.registry.Get(ConversationNamespace)
		}
		return nil, err
	}
	return ns, nil
}

func validRole(role string) bool {
	switch role {
	case "user", "assistant", "system":
		return true
	}
	return strings.HasPrefix(role, "tool:") && len(role) > len("tool:")
}

func seqKey(conv string) []byte        { return []byte("conv:" + conv + ":seq") }
func msgKey(conv string, seq uint64) []byte {
	return []byte(fmt.Sprintf("conv:%s:msg:%016x", conv, seq))
}
func msgScanPrefix(conv string) []byte { return []byte("conv:" + conv + ":msg:") }

// Append adds a message and returns its sequence number. The counter read
// and write are guarded by a single lock, so two appends to the same
// conversation can never share a sequence number.
func (c *Conversations) Append(ctx context.Context, conv, role, content string) (uint64, error) {
	if !validRole(role) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	space, err := c.space(ctx)
	if err != nil {
		return 0, err
	}

	var seq uint64 = 1
	raw, err := space.Store.Get(ctx, seqKey(conv))
	switch {
	case err == nil:
		seq = binary.BigEndian.Uint64(raw) + 1
	case errors.Is(err, storage.ErrKeyNotFound):
	default:
		return 0, err
	}

	msg := Message{
		Sequence:  seq,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().Unix(),
	}
	doc, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	if err := space.Store.Put(ctx, msgKey(conv, seq), doc); err != nil {
		return 0, err
	}
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], seq)
	if err := space.Store.Put(ctx, seqKey(conv), counter[:]); err != nil {
		return 0, err
	}

	vec, err := c.embedder.Embed(ctx, content)
	if err == nil {
		// Search over messages is best-effort; the log entry is already
		// durable even when embedding fails.
		_ = space.Index.Add(ctx, string(msgKey(conv, seq)), vec)
	}
	return seq, nil
}

// Messages returns up to limit messages of a conversation in sequence
// order. limit <= 0 returns all of them.
func (c *Conversations) Messages(ctx context.Context, conv string, limit int) ([]Message, error) {
	space, err := c.space(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := space.Store.Scan(ctx, msgScanPrefix(conv), limit)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(entries))
	for _, entry := range entries {
		var msg Message
		if err := json.Unmarshal(entry.Value, &msg); err != nil {
			return nil, fmt.Errorf("corrupt message %q: %w", entry.Key, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Search embeds the query and returns the k most similar messages of one
// conversation.
func (c *Conversations) Search(ctx context.Context, conv, query string, k int) ([]Message, error) {
	space, err := c.space(ctx)
	if err != nil {
		return nil, err
	}
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}

	// The index spans every conversation; overfetch, then keep this one's.
	fetch := k * 8
	if fetch < 32 {
		fetch = 32
	}
	hits, err := space.Index.Search(ctx, vec, fetch)
	if err != nil {
		return nil, err
	}

	prefix := string(msgScanPrefix(conv))
	msgs := make([]Message, 0, k)
	for _, hit := range hits {
		if !strings.HasPrefix(hit.ID, prefix) {
			continue
		}
		raw, err := space.Store.Get(ctx, []byte(hit.ID))
		if err != nil {
			if errors.Is(err, storage.ErrKeyNotFound) {
				continue
			}
			return nil, err
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("corrupt message %q: %w", hit.ID, err)
		}
		msg.Distance = hit.Distance
		msgs = append(msgs, msg)
		if len(msgs) == k {
			break
		}
	}
	return msgs, nil
}
