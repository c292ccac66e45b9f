package resultset

import (
	"errors"
	"testing"
	"time"

	"github.com/initio/assistant/internal/models"
)

func TestPutAndResolve(t *testing.T) {
	c := New()
	setID := c.Put("u1", []Item{{KindGoal, 10}, {KindGoal, 20}, {KindGoal, 30}})

	item, err := c.Resolve("u1", setID, 2)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if item.Kind != KindGoal || item.ID != 20 {
		t.Errorf("expected goal 20, got %+v", item)
	}
}

func TestResolveOrdinalOutOfRange(t *testing.T) {
	c := New()
	setID := c.Put("u1", []Item{{KindEvent, 1}})
	for _, ordinal := range []int{0, 2, -1} {
		if _, err := c.Resolve("u1", setID, ordinal); !errors.Is(err, models.ErrUnknownEntity) {
			t.Errorf("ordinal %d: expected ErrUnknownEntity, got %v", ordinal, err)
		}
	}
}

func TestResolveUnknownSetAndUser(t *testing.T) {
	c := New()
	if _, err := c.Resolve("ghost", "whatever", 1); !errors.Is(err, models.ErrUnknownEntity) {
		t.Errorf("expected ErrUnknownEntity for unknown user, got %v", err)
	}
	c.Put("u1", []Item{{KindGoal, 1}})
	if _, err := c.Resolve("u1", "bogus", 1); !errors.Is(err, models.ErrUnknownEntity) {
		t.Errorf("expected ErrUnknownEntity for unknown set, got %v", err)
	}
}

func TestResolveExpired(t *testing.T) {
	c := New(WithTTL(time.Hour))
	base := time.Now()
	c.now = func() time.Time { return base }
	setID := c.Put("u1", []Item{{KindStep, 5}})

	c.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := c.Resolve("u1", setID, 1); !errors.Is(err, models.ErrUnknownEntity) {
		t.Errorf("expected ErrUnknownEntity for expired set, got %v", err)
	}
	if _, ok := c.Latest("u1"); ok {
		t.Error("expected Latest to skip expired set")
	}
}

func TestResolveRefreshesInactivityWindow(t *testing.T) {
	c := New(WithTTL(time.Hour))
	base := time.Now()
	c.now = func() time.Time { return base }
	setID := c.Put("u1", []Item{{KindEvent, 7}})

	c.now = func() time.Time { return base.Add(50 * time.Minute) }
	if _, err := c.Resolve("u1", setID, 1); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// 100 minutes after creation but only 50 after last use: still alive.
	c.now = func() time.Time { return base.Add(100 * time.Minute) }
	if _, err := c.Resolve("u1", setID, 1); err != nil {
		t.Errorf("expected refreshed set to stay alive, got %v", err)
	}
	if _, ok := c.Latest("u1"); !ok {
		t.Error("expected Latest to see refreshed set")
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	c := New(WithCapacity(2))
	first := c.Put("u1", []Item{{KindGoal, 1}})
	c.Put("u1", []Item{{KindGoal, 2}})
	c.Put("u1", []Item{{KindGoal, 3}})

	if _, err := c.Resolve("u1", first, 1); !errors.Is(err, models.ErrUnknownEntity) {
		t.Errorf("expected oldest set evicted, got %v", err)
	}
}

func TestLatestTracksMostRecent(t *testing.T) {
	c := New()
	if _, ok := c.Latest("u1"); ok {
		t.Error("expected no latest for fresh user")
	}
	c.Put("u1", []Item{{KindGoal, 1}})
	second := c.Put("u1", []Item{{KindEvent, 2}})
	got, ok := c.Latest("u1")
	if !ok || got != second {
		t.Errorf("expected latest %s, got %s (%v)", second, got, ok)
	}
}

func TestSetsIsolatedPerUser(t *testing.T) {
	c := New()
	setID := c.Put("u1", []Item{{KindGoal, 1}})
	if _, err := c.Resolve("u2", setID, 1); !errors.Is(err, models.ErrUnknownEntity) {
		t.Errorf("expected cross-user resolve to fail, got %v", err)
	}
}

func TestSetIDsUnique(t *testing.T) {
	c := New()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := c.Put("u1", []Item{{KindGoal, int64(i)}})
		if seen[id] {
			t.Fatalf("duplicate set id %s", id)
		}
		seen[id] = true
	}
}
