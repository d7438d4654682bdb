package invalidate

import (
	"testing"

	"github.com/IBM/sarama"
)

func TestEvent_ValidateRejectsMissingCellOrBadOp(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
		want bool
	}{
		{"ok", Event{CellID: "G_000_000", Op: OpWrite}, true},
		{"missing cell", Event{Op: OpWrite}, false},
		{"bad op", Event{CellID: "G_000_000", Op: "bogus"}, false},
	}
	for _, c := range cases {
		err := c.ev.Validate()
		if (err == nil) != c.want {
			t.Errorf("%s: Validate() err=%v, want ok=%v", c.name, err, c.want)
		}
	}
}

func TestCellVersions_SuppressesStaleAndDuplicate(t *testing.T) {
	d := newCellVersions(16)

	if !d.admit("G_000_000", 1) {
		t.Fatalf("first-seen version should apply")
	}
	if d.admit("G_000_000", 1) {
		t.Fatalf("duplicate version should not re-apply")
	}
	if d.admit("G_000_000", 0) {
		t.Fatalf("older version should not apply")
	}
	if !d.admit("G_000_000", 2) {
		t.Fatalf("newer version should apply")
	}
}

func TestCellVersions_TracksKeysIndependently(t *testing.T) {
	d := newCellVersions(16)
	if !d.admit("A", 5) {
		t.Fatalf("A@5 should apply")
	}
	if !d.admit("B", 1) {
		t.Fatalf("B@1 should apply independently of A's version")
	}
}

type fakeInvalidator struct {
	evicted []string
}

func (f *fakeInvalidator) EvictGridFromCache(cellID string) {
	f.evicted = append(f.evicted, cellID)
}

func TestConsumer_ApplyMessageAppliesOnceSkipsDuplicate(t *testing.T) {
	target := &fakeInvalidator{}
	c := NewConsumer(Config{Enabled: true}, target, nil, nil)

	msg := []byte(`{"cell_id":"G_001_002","op":"write","version":1,"ts":"2026-01-01T00:00:00Z"}`)
	if err := c.applyMessage(&sarama.ConsumerMessage{Value: msg}); err != nil {
		t.Fatalf("applyMessage: %v", err)
	}
	if err := c.applyMessage(&sarama.ConsumerMessage{Value: msg}); err != nil {
		t.Fatalf("applyMessage (duplicate): %v", err)
	}
	if len(target.evicted) != 1 || target.evicted[0] != "G_001_002" {
		t.Fatalf("evicted = %v, want exactly one eviction of G_001_002", target.evicted)
	}
}
