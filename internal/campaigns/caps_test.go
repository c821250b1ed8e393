package campaigns

import (
	"context"
	"testing"
	"time"
)

func TestNewCapsDefaults(t *testing.T) {
	c := NewCaps(nil, 0, 0, nil)
	if c.limit != 10 {
		t.Fatalf("limit = %d, want 10", c.limit)
	}
	if c.ttl != 2*time.Hour {
		t.Fatalf("ttl = %v, want 2h", c.ttl)
	}
}

func TestAcquireAllowsWhenUnconfigured(t *testing.T) {
	ctx := context.Background()

	ok, err := NewCaps(nil, 5, time.Hour, nil).Acquire(ctx, "camp-1")
	if !ok || err != nil {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}

	var nilCaps *Caps
	ok, err = nilCaps.Acquire(ctx, "camp-1")
	if !ok || err != nil {
		t.Fatalf("nil receiver Acquire = %v, %v", ok, err)
	}
	nilCaps.Release(ctx, "camp-1")
}

func TestAcquireAllowsEmptyCampaign(t *testing.T) {
	ok, err := NewCaps(nil, 5, time.Hour, nil).Acquire(context.Background(), "")
	if !ok || err != nil {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}
}

func TestCapKey(t *testing.T) {
	if got := capKey("camp-1"); got != "campaign:concurrent-calls:camp-1" {
		t.Fatalf("capKey = %q", got)
	}
}
