package trunk

import (
	"reflect"
	"testing"
)

func TestApplyIdentifierIdempotent(t *testing.T) {
	s := NewSystemState(851012500)

	if changed, _ := s.ApplyIdentifier(ChannelIdentifierUpdate{ChannelID: 3, Frequency: 852487500}); changed {
		t.Fatal("first application of a new mapping reported as a change")
	}
	before := s.Snapshot()

	// Reapplying the identical mapping must leave the state untouched.
	if changed, _ := s.ApplyIdentifier(ChannelIdentifierUpdate{ChannelID: 3, Frequency: 852487500}); changed {
		t.Fatal("identical mapping reported as a change")
	}
	if after := s.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed on idempotent update:\nbefore %+v\nafter  %+v", before, after)
	}

	changed, prev := s.ApplyIdentifier(ChannelIdentifierUpdate{ChannelID: 3, Frequency: 853000000})
	if !changed || prev != 852487500 {
		t.Fatalf("remap: changed=%v prev=%d", changed, prev)
	}
	if freq, _ := s.Lookup(3); freq != 853000000 {
		t.Fatalf("lookup after remap = %d", freq)
	}
}

func TestLookupUnknownChannel(t *testing.T) {
	s := NewSystemState(851012500)
	if _, ok := s.Lookup(42); ok {
		t.Fatal("lookup of unmapped channel succeeded")
	}
}
