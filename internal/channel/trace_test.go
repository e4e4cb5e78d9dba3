package channel

import "testing"

func TestTraceLogOverwritesOldest(t *testing.T) {
	tr := newTraceLog(3)
	if got := tr.snapshot(); len(got) != 0 {
		t.Fatalf("snapshot = %v", got)
	}

	tr.add("out", "dm:send")
	tr.add("in", "ack")
	tr.add("in", "dm:message:new")
	tr.add("in", "dm:typing") // evicts dm:send

	got := tr.snapshot()
	if len(got) != 3 {
		t.Fatalf("entries = %d", len(got))
	}
	if got[0].Event != "ack" || got[1].Event != "dm:message:new" || got[2].Event != "dm:typing" {
		t.Fatalf("snapshot = %+v", got)
	}
	if got[0].Dir != "in" || got[0].TS == 0 {
		t.Fatalf("entry = %+v", got[0])
	}
}
