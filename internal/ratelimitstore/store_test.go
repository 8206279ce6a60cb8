package ratelimitstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return newFromClient(client)
}

func TestAdmitFreshBucketNeedsBoth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Admit(ctx, "ident-1", "GET:/users/@me", "1700000000", false, "tok-a", 5)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if res.Outcome != OutcomeNeedBoth {
		t.Fatalf("Outcome = %v, want need_both", res.Outcome)
	}
}

func TestAdmitSecondCallerSeesLockHeld(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Admit(ctx, "ident-1", "GET:/users/@me", "1700000000", false, "tok-a", 5); err != nil {
		t.Fatalf("Admit (first): %v", err)
	}
	res, err := s.Admit(ctx, "ident-1", "GET:/users/@me", "1700000000", false, "tok-b", 5)
	if err != nil {
		t.Fatalf("Admit (second): %v", err)
	}
	if res.Outcome != OutcomeNeedBoth {
		t.Fatalf("Outcome = %v, want need_both (lock already held)", res.Outcome)
	}
}

func TestAdmitAfterDiscoveryIsAdmitted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Admit(ctx, "ident-1", "GET:/users/@me", "1700000000", false, "tok-a", 5)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !res.HoldsGlobalLock || !res.HoldsRouteLock {
		t.Fatalf("expected discovery worker to hold both locks, got %+v", res)
	}

	if ok, err := s.UnlockGlobal(ctx, "ident-1", res.LockToken, 50, 0); err != nil || !ok {
		t.Fatalf("UnlockGlobal: ok=%v err=%v", ok, err)
	}
	if ok, err := s.UnlockRoute(ctx, "ident-1", "GET:/users/@me", res.LockToken, 50, 1700010000000, 10000, 86_400_000); err != nil || !ok {
		t.Fatalf("UnlockRoute: ok=%v err=%v", ok, err)
	}

	res2, err := s.Admit(ctx, "ident-1", "GET:/users/@me", "1700000000", false, "tok-c", 5)
	if err != nil {
		t.Fatalf("Admit (after discovery): %v", err)
	}
	if res2.Outcome != OutcomeAdmit {
		t.Fatalf("Outcome = %v, want admit", res2.Outcome)
	}
}

func TestAdmitRejectsOverGlobalLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// The discovering call already counts against this time-slice, so a
	// limit of 2 leaves room for exactly one more request.
	res, _ := s.Admit(ctx, "ident-1", "GET:/a", "1700000000", false, "tok-a", 5)
	s.UnlockGlobal(ctx, "ident-1", res.LockToken, 2, 0)
	s.UnlockRoute(ctx, "ident-1", "GET:/a", res.LockToken, 10, 1700010000000, 10000, 86_400_000)

	first, err := s.Admit(ctx, "ident-1", "GET:/a", "1700000000", false, "tok-b", 5)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if first.Outcome != OutcomeAdmit {
		t.Fatalf("first call Outcome = %v, want admit", first.Outcome)
	}

	second, err := s.Admit(ctx, "ident-1", "GET:/b", "1700000000", false, "tok-c", 5)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if second.Outcome != OutcomeRejectedGlobal {
		t.Fatalf("second call Outcome = %v, want rejected_global", second.Outcome)
	}
}

func TestAdmitRejectsOverRouteLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, _ := s.Admit(ctx, "ident-1", "GET:/a", "1700000000", true, "tok-a", 5)
	s.UnlockRoute(ctx, "ident-1", "GET:/a", res.LockToken, 1, 1700010000000, 10_000, 86_400_000)

	first, err := s.Admit(ctx, "ident-1", "GET:/a", "1700000000", true, "tok-b", 5)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if first.Outcome != OutcomeAdmit {
		t.Fatalf("first Outcome = %v, want admit", first.Outcome)
	}

	second, err := s.Admit(ctx, "ident-1", "GET:/a", "1700000000", true, "tok-c", 5)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if second.Outcome != OutcomeRejectedRoute {
		t.Fatalf("second Outcome = %v, want rejected_route, got %+v", second.Outcome, second)
	}
	if second.Limit != 1 {
		t.Fatalf("Limit = %d, want 1", second.Limit)
	}
}

func TestUnlockRouteLocklessRefreshDoesNotShortenWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, _ := s.Admit(ctx, "ident-1", "GET:/a", "1700000000", true, "tok-a", 5)
	if ok, err := s.UnlockRoute(ctx, "ident-1", "GET:/a", res.LockToken, 5, 1700010000000, 60_000, 86_400_000); err != nil || !ok {
		t.Fatalf("UnlockRoute (discovery): ok=%v err=%v", ok, err)
	}

	k := keyLayout{identity: "ident-1", routeID: "GET:/a"}
	before, err := s.client.(*redis.Client).TTL(ctx, k.routeResetAfter()).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}

	ok, err := s.UnlockRoute(ctx, "ident-1", "GET:/a", "", 5, 1700010001000, 1_000, 86_400_000)
	if err != nil {
		t.Fatalf("UnlockRoute (lockless): %v", err)
	}
	if !ok {
		t.Fatal("expected lockless refresh to succeed")
	}

	after, err := s.client.(*redis.Client).TTL(ctx, k.routeResetAfter()).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if after < before {
		t.Fatalf("reset_after TTL shortened by lockless refresh: before=%v after=%v", before, after)
	}

	limit, err := s.client.(*redis.Client).Get(ctx, k.routeLimit()).Result()
	if err != nil {
		t.Fatalf("Get route limit: %v", err)
	}
	if limit != "5" {
		t.Fatalf("route limit = %q, want 5", limit)
	}
}

func TestUnlockGlobalRejectsStaleToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, _ := s.Admit(ctx, "ident-1", "GET:/a", "1700000000", false, "tok-a", 5)
	ok, err := s.UnlockGlobal(ctx, "ident-1", "wrong-token", 50, 0)
	if err != nil {
		t.Fatalf("UnlockGlobal: %v", err)
	}
	if ok {
		t.Fatal("expected stale-token unlock to be a silent no-op")
	}
	_ = res
}

func TestExpireCountsDoesNotError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.ExpireCounts(ctx, "ident-1", "GET:/a", "1700000000", 1700000001000, 1700010000000); err != nil {
		t.Fatalf("ExpireCounts: %v", err)
	}
}
