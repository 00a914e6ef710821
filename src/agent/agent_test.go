package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/mnemosdb/mnemos/src/embed"
	"github.com/mnemosdb/mnemos/src/namespace"
	"github.com/mnemosdb/mnemos/src/storage"
	"github.com/mnemosdb/mnemos/src/vector"
)

const testDims = 64

func newTestRegistry(t *testing.T) *namespace.Registry {
	t.Helper()
	r, err := namespace.NewRegistry(context.Background(), storage.NewMemoryEngine(),
		func(_ context.Context, spec namespace.Spec) (vector.Index, error) {
			return vector.NewMemoryIndex(spec.Dimensions, spec.Metric), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func newTestBank(t *testing.T) (*MemoryBank, *namespace.Registry) {
	t.Helper()
	r := newTestRegistry(t)
	if _, err := r.Create(context.Background(), "mem", testDims, vector.Cosine, vector.F32); err != nil {
		t.Fatal(err)
	}
	return NewMemoryBank(r, embed.NewDummyEmbedder(testDims)), r
}

func TestMemoryStoreAndRecall(t *testing.T) {
	ctx := context.Background()
	bank, _ := newTestBank(t)

	id, err := bank.Store(ctx, "mem", "the user prefers jazz music", []string{"music"}, 0.8)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bank.Store(ctx, "mem", "the weather was rainy today", nil, 0.2); err != nil {
		t.Fatal(err)
	}

	got, err := bank.Recall(ctx, "mem", "the user prefers jazz music", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 memory, got %d", len(got))
	}
	if got[0].ID != id {
		t.Errorf("recalled %q, want %q", got[0].ID, id)
	}
	if got[0].Content != "the user prefers jazz music" {
		t.Errorf("content = %q", got[0].Content)
	}
	if got[0].Importance != 0.8 {
		t.Errorf("importance = %v", got[0].Importance)
	}
}

func TestMemoryImportanceRange(t *testing.T) {
	ctx := context.Background()
	bank, _ := newTestBank(t)

	for _, imp := range []float64{-0.1, 1.1} {
		if _, err := bank.Store(ctx, "mem", "x", nil, imp); err == nil {
			t.Errorf("importance %v should be rejected", imp)
		}
	}
}

func TestMemoryRecallByTags(t *testing.T) {
	ctx := context.Background()
	bank, _ := newTestBank(t)

	if _, err := bank.Store(ctx, "mem", "jazz note", []string{"music", "pref"}, 0.5); err != nil {
		t.Fatal(err)
	}
	if _, err := bank.Store(ctx, "mem", "rock note", []string{"music"}, 0.5); err != nil {
		t.Fatal(err)
	}

	both, err := bank.RecallByTags(ctx, "mem", []string{"music"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(both) != 2 {
		t.Errorf("tag music: %d memories, want 2", len(both))
	}

	one, err := bank.RecallByTags(ctx, "mem", []string{"music", "pref"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(one) != 1 || one[0].Content != "jazz note" {
		t.Errorf("tag intersection: %+v", one)
	}
}

func TestMemoryForget(t *testing.T) {
	ctx := context.Background()
	bank, _ := newTestBank(t)

	id, err := bank.Store(ctx, "mem", "forget me", []string{"tmp"}, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	if err := bank.Forget(ctx, "mem", id); err != nil {
		t.Fatal(err)
	}
	got, err := bank.Recall(ctx, "mem", "forget me", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("forgotten memory still recalled: %+v", got)
	}
	tagged, err := bank.RecallByTags(ctx, "mem", []string{"tmp"}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(tagged) != 0 {
		t.Errorf("tag index survived forget: %+v", tagged)
	}
	if err := bank.Forget(ctx, "mem", id); !errors.Is(err, ErrMemoryNotFound) {
		t.Errorf("second forget: expected ErrMemoryNotFound, got %v", err)
	}
}

func TestConversationSequencing(t *testing.T) {
	ctx := context.Background()
	convs := NewConversations(newTestRegistry(t), embed.NewDummyEmbedder(testDims), testDims)

	s1, err := convs.Append(ctx, "c1", "user", "hi")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := convs.Append(ctx, "c1", "assistant", "hey")
	if err != nil {
		t.Fatal(err)
	}
	if s2 <= s1 {
		t.Errorf("sequences not increasing: %d then %d", s1, s2)
	}

	msgs, err := convs.Messages(ctx, "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("order wrong: %+v", msgs)
	}
	if msgs[0].Sequence >= msgs[1].Sequence {
		t.Errorf("sequence order wrong: %+v", msgs)
	}
}

func TestConversationIsolation(t *testing.T) {
	ctx := context.Background()
	convs := NewConversations(newTestRegistry(t), embed.NewDummyEmbedder(testDims), testDims)

	if _, err := convs.Append(ctx, "a", "user", "in a"); err != nil {
		t.Fatal(err)
	}
	if _, err := convs.Append(ctx, "b", "user", "in b"); err != nil {
		t.Fatal(err)
	}
	msgs, err := convs.Messages(ctx, "a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "in a" {
		t.Errorf("conversation a leaked: %+v", msgs)
	}
}

func TestConversationInvalidRole(t *testing.T) {
	ctx := context.Background()
	convs := NewConversations(newTestRegistry(t), embed.NewDummyEmbedder(testDims), testDims)

	if _, err := convs.Append(ctx, "c", "narrator", "x"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}
	if _, err := convs.Append(ctx, "c", "tool:search", "x"); err != nil {
		t.Errorf("tool role should be valid: %v", err)
	}
}

func TestConversationSearch(t *testing.T) {
	ctx := context.Background()
	convs := NewConversations(newTestRegistry(t), embed.NewDummyEmbedder(testDims), testDims)

	if _, err := convs.Append(ctx, "c", "user", "we discussed the quarterly budget"); err != nil {
		t.Fatal(err)
	}
	if _, err := convs.Append(ctx, "c", "user", "cats are great pets"); err != nil {
		t.Fatal(err)
	}
	if _, err := convs.Append(ctx, "other", "user", "we discussed the quarterly budget"); err != nil {
		t.Fatal(err)
	}

	hits, err := convs.Search(ctx, "c", "we discussed the quarterly budget", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].Content != "we discussed the quarterly budget" {
		t.Errorf("hit content = %q", hits[0].Content)
	}
}

func TestToolState(t *testing.T) {
	ctx := context.Background()
	ts := NewToolState(newTestRegistry(t), testDims)

	if err := ts.Set(ctx, "search", "cursor", "42"); err != nil {
		t.Fatal(err)
	}
	v, err := ts.Get(ctx, "search", "cursor")
	if err != nil {
		t.Fatal(err)
	}
	if v != "42" {
		t.Errorf("value = %q", v)
	}

	// Tools do not see each other's keys.
	if _, err := ts.Get(ctx, "other", "cursor"); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}

	if err := ts.Delete(ctx, "search", "cursor"); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Get(ctx, "search", "cursor"); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("deleted key should be absent, got %v", err)
	}
}
