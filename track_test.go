package vireo

import "testing"

func TestTrackUnresolved(t *testing.T) {
	var nilTrack *Track
	if !nilTrack.Unresolved() {
		t.Error("nil track should be unresolved")
	}
	empty := &Track{}
	if !empty.Unresolved() {
		t.Error("track with empty Encoded should be unresolved")
	}
	resolved := &Track{Encoded: "QAAA..."}
	if resolved.Unresolved() {
		t.Error("track with Encoded set should not be unresolved")
	}
}

func TestTrackQualifier(t *testing.T) {
	var nilTrack *Track
	if q := nilTrack.Qualifier(); q != "" {
		t.Errorf("nil track qualifier = %q, want empty", q)
	}
	tr := &Track{Info: TrackInfo{SourceName: "youtube", Identifier: "abc123"}}
	if q := tr.Qualifier(); q != "youtube:abc123" {
		t.Errorf("qualifier = %q, want youtube:abc123", q)
	}
}

func TestTrackClone(t *testing.T) {
	var nilTrack *Track
	if nilTrack.Clone() != nil {
		t.Error("cloning nil should return nil")
	}
	tr := &Track{Encoded: "x", Info: TrackInfo{Title: "song"}}
	cp := tr.Clone()
	if cp == tr {
		t.Error("clone should not return the same pointer")
	}
	cp.Info.Title = "changed"
	if tr.Info.Title != "song" {
		t.Error("mutating clone should not affect original")
	}
}
