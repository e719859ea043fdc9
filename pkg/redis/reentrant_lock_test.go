package redis

import (
	"context"
	"testing"
	"time"
)

func TestReentrantLockNested(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	const depth = 3

	owner := OwnerToken("worker-1")
	l := NewReentrantLock(rdb, "order:42", owner)
	for i := 0; i < depth; i++ {
		ok, err := l.TryLock(ctx, 10*time.Second)
		if err != nil || !ok {
			t.Fatalf("TryLock #%d: ok=%v err=%v", i, ok, err)
		}
	}
	if got := mr.HGet(LockKey("order:42"), owner); got != "3" {
		t.Fatalf("hold count=%q want 3", got)
	}

	for i := 0; i < depth-1; i++ {
		if err := l.Unlock(ctx); err != nil {
			t.Fatalf("Unlock #%d: %v", i, err)
		}
		if !mr.Exists(LockKey("order:42")) {
			t.Fatalf("released after %d of %d unlocks", i+1, depth)
		}
	}

	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("final Unlock: %v", err)
	}
	if mr.Exists(LockKey("order:42")) {
		t.Fatal("lock still present after balanced unlocks")
	}
}

func TestReentrantLockOtherOwner(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)

	a := NewReentrantLock(rdb, "order:9", OwnerToken("a"))
	b := NewReentrantLock(rdb, "order:9", OwnerToken("b"))

	if ok, _ := a.TryLock(ctx, 10*time.Second); !ok {
		t.Fatal("a TryLock failed")
	}
	if ok, err := b.TryLock(ctx, 10*time.Second); err != nil || ok {
		t.Fatalf("b TryLock: ok=%v err=%v", ok, err)
	}

	left, err := b.release(ctx)
	if err != nil {
		t.Fatalf("b release: %v", err)
	}
	if left != -1 {
		t.Fatalf("non-owner release returned %d want -1", left)
	}
	if mr.HGet(LockKey("order:9"), a.Owner()) != "1" {
		t.Fatal("non-owner release touched a's hold")
	}
}

func TestReentrantLockLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)

	a := NewReentrantLock(rdb, "order:5", OwnerToken("a"))
	if ok, _ := a.TryLock(ctx, time.Second); !ok {
		t.Fatal("a TryLock failed")
	}
	mr.FastForward(2 * time.Second)

	b := NewReentrantLock(rdb, "order:5", OwnerToken("b"))
	if ok, _ := b.TryLock(ctx, 10*time.Second); !ok {
		t.Fatal("b should acquire after a's lease expired")
	}
	if err := a.Unlock(ctx); err != nil {
		t.Fatalf("a Unlock: %v", err)
	}
	if mr.HGet(LockKey("order:5"), b.Owner()) != "1" {
		t.Fatal("expired owner's unlock removed b's lock")
	}
}

func TestReentrantLockUnlockWithoutLockKeepsLease(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)

	owner := OwnerToken("worker-1")
	a := NewReentrantLock(rdb, "order:11", owner)
	for i := 0; i < 2; i++ {
		if ok, err := a.TryLock(ctx, 10*time.Second); err != nil || !ok {
			t.Fatalf("TryLock #%d: ok=%v err=%v", i, ok, err)
		}
	}

	// 同 owner 的另一个句柄没加过锁，Unlock 不能动 a 的计数和租期
	stray := NewReentrantLock(rdb, "order:11", owner)
	if err := stray.Unlock(ctx); err != nil {
		t.Fatalf("stray Unlock: %v", err)
	}
	if got := mr.HGet(LockKey("order:11"), owner); got != "2" {
		t.Fatalf("hold count=%q want 2", got)
	}
	if ttl := mr.TTL(LockKey("order:11")); ttl != 10*time.Second {
		t.Fatalf("ttl=%v want 10s", ttl)
	}
}
