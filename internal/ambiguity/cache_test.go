package ambiguity

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCache_SeenAfterRemember(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	key := Key("task1", "marker-old", "marker-new")

	seen, err := c.Seen(ctx, key)
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Fatalf("expected key to be unseen before Remember")
	}

	if err := c.Remember(ctx, key, time.Minute); err != nil {
		t.Fatalf("remember: %v", err)
	}

	seen, err = c.Seen(ctx, key)
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if !seen {
		t.Fatalf("expected key to be seen after Remember")
	}
}

func TestMemoryCache_ExpiresAfterTTL(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	key := Key("task1", "marker-old", "marker-new")

	if err := c.Remember(ctx, key, -time.Second); err != nil {
		t.Fatalf("remember: %v", err)
	}

	seen, err := c.Seen(ctx, key)
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Fatalf("expected an already-expired entry to read as unseen")
	}
}

func TestKey_DistinguishesMarkerPairs(t *testing.T) {
	a := Key("task1", "m1", "m2")
	b := Key("task1", "m1", "m3")
	if a == b {
		t.Fatalf("expected distinct marker pairs to produce distinct keys")
	}
}
