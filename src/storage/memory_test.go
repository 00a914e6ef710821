package storage

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryPartitionPutGetDelete(t *testing.T) {
	eng := NewMemoryEngine()
	part, err := eng.Partition("test")
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	ctx := context.Background()

	if err := part.Put(ctx, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := part.Get(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("Get = %q, want v1", got)
	}

	// Overwrite on repeated put.
	if err := part.Put(ctx, []byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, _ = part.Get(ctx, []byte("k"))
	if string(got) != "v2" {
		t.Fatalf("Get after overwrite = %q, want v2", got)
	}

	if err := part.Delete(ctx, []byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := part.Get(ctx, []byte("k")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Get after delete = %v, want ErrKeyNotFound", err)
	}
}

func TestMemoryPartitionScan(t *testing.T) {
	eng := NewMemoryEngine()
	part, _ := eng.Partition("test")
	ctx := context.Background()

	pairs := map[string]string{
		"msg:001": "a",
		"msg:002": "b",
		"msg:010": "c",
		"meta:1":  "d",
	}
	for k, v := range pairs {
		if err := part.Put(ctx, []byte(k), []byte(v)); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	entries, err := part.Scan(ctx, []byte("msg:"), 0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Scan len = %d, want 3", len(entries))
	}
	// Ascending key order.
	for i := 1; i < len(entries); i++ {
		if string(entries[i-1].Key) >= string(entries[i].Key) {
			t.Fatalf("scan not sorted: %q >= %q", entries[i-1].Key, entries[i].Key)
		}
	}

	limited, err := part.Scan(ctx, []byte("msg:"), 2)
	if err != nil {
		t.Fatalf("Scan limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("Scan limited len = %d, want 2", len(limited))
	}
}

func TestMemoryEngineDropPartition(t *testing.T) {
	eng := NewMemoryEngine()
	part, _ := eng.Partition("gone")
	ctx := context.Background()
	_ = part.Put(ctx, []byte("k"), []byte("v"))

	if err := eng.DropPartition("gone"); err != nil {
		t.Fatalf("DropPartition: %v", err)
	}
	if err := eng.DropPartition("gone"); !errors.Is(err, ErrPartitionNotFound) {
		t.Fatalf("second DropPartition = %v, want ErrPartitionNotFound", err)
	}
	// Held handles observe the drop.
	if _, err := part.Get(ctx, []byte("k")); !errors.Is(err, ErrPartitionNotFound) {
		t.Fatalf("Get on dropped partition = %v, want ErrPartitionNotFound", err)
	}
}

func TestMemoryPartitionBatchPut(t *testing.T) {
	eng := NewMemoryEngine()
	part, _ := eng.Partition("batch")
	ctx := context.Background()

	entries := []Entry{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}
	if err := part.BatchPut(ctx, entries); err != nil {
		t.Fatalf("BatchPut: %v", err)
	}
	for _, ent := range entries {
		got, err := part.Get(ctx, ent.Key)
		if err != nil {
			t.Fatalf("Get %s: %v", ent.Key, err)
		}
		if string(got) != string(ent.Value) {
			t.Fatalf("Get %s = %q, want %q", ent.Key, got, ent.Value)
		}
	}
}

func TestPrefixEnd(t *testing.T) {
	cases := []struct {
		in   []byte
		want []byte
	}{
		{[]byte("abc"), []byte("abd")},
		{[]byte{0x01, 0xff}, []byte{0x02}},
		{[]byte{0xff, 0xff}, nil},
	}
	for _, tc := range cases {
		got := prefixEnd(tc.in)
		if string(got) != string(tc.want) {
			t.Errorf("prefixEnd(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
