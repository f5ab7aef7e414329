package store

import (
	"context"
	"testing"
	"time"
)

func TestMemKV_SetGet(t *testing.T) {
	kv := NewMemKV()
	ctx := context.Background()

	if err := kv.Set(ctx, "k1", "v1", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := kv.Get(ctx, "k1")
	if err != nil || !ok || v != "v1" {
		t.Fatalf("get = (%q, %v, %v), want (v1, true, nil)", v, ok, err)
	}
}

func TestMemKV_ExpiresAfterTTL(t *testing.T) {
	kv := NewMemKV()
	ctx := context.Background()

	if err := kv.Set(ctx, "k1", "v1", 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	_, ok, err := kv.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected key to have expired")
	}
}

func TestMemKV_SetOperations(t *testing.T) {
	kv := NewMemKV()
	ctx := context.Background()

	if err := kv.SAdd(ctx, "active_buckets", "a"); err != nil {
		t.Fatal(err)
	}
	if err := kv.SAdd(ctx, "active_buckets", "b"); err != nil {
		t.Fatal(err)
	}

	members, err := kv.SMembers(ctx, "active_buckets")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	if err := kv.SRem(ctx, "active_buckets", "a"); err != nil {
		t.Fatal(err)
	}
	members, _ = kv.SMembers(ctx, "active_buckets")
	if len(members) != 1 || members[0] != "b" {
		t.Fatalf("expected [b], got %v", members)
	}
}

func TestMemKV_Delete(t *testing.T) {
	kv := NewMemKV()
	ctx := context.Background()
	_ = kv.Set(ctx, "k1", "v1", 0)
	_ = kv.Delete(ctx, "k1")
	_, ok, _ := kv.Get(ctx, "k1")
	if ok {
		t.Fatal("expected key to be deleted")
	}
}
