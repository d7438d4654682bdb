package l2redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newMini(t *testing.T) *Tier {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tier, err := New(ctx, mr.Addr(), "cell:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = tier.Close() })
	return tier
}

func TestPutGet_RoundTrips(t *testing.T) {
	tier := newMini(t)
	points := map[string][]byte{
		"G_000_000|1.0000000|2.0000000": []byte("v1"),
		"G_000_000|1.1000000|2.1000000": []byte("v2"),
	}
	tier.Put("G_000_000", points, time.Minute)

	got, ok := tier.Get("G_000_000")
	if !ok {
		t.Fatalf("expected cell resident")
	}
	if len(got) != len(points) {
		t.Fatalf("Get returned %d points, want %d", len(got), len(points))
	}
	for k, v := range points {
		if string(got[k]) != string(v) {
			t.Errorf("point %q = %q, want %q", k, got[k], v)
		}
	}
}

func TestGet_MissOnAbsentCell(t *testing.T) {
	tier := newMini(t)
	if _, ok := tier.Get("G_999_999"); ok {
		t.Fatalf("expected miss for never-written cell")
	}
}

func TestEvict(t *testing.T) {
	tier := newMini(t)
	tier.Put("G_000_000", map[string][]byte{"k": []byte("v")}, time.Minute)
	tier.Evict("G_000_000")
	if _, ok := tier.Get("G_000_000"); ok {
		t.Fatalf("expected miss after Evict")
	}
}

func TestPut_ZeroTTLNeverExpires(t *testing.T) {
	tier := newMini(t)
	tier.Put("G_000_000", map[string][]byte{"k": []byte("v")}, 0)
	if _, ok := tier.Get("G_000_000"); !ok {
		t.Fatalf("expected cell resident with no-expiry TTL")
	}
}
