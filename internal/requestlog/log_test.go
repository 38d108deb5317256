package requestlog

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gotest.tools/assert"
)

func TestStartThenCompleteSetsDuration(t *testing.T) {
	l := New(10)
	id := l.Start(StartParams{Type: TypeTool, Method: "gh__search", UpstreamID: "u1", UpstreamName: "github"})

	entry, ok := l.Get(id)
	assert.Assert(t, ok)
	assert.Equal(t, entry.Status, StatusPending)
	assert.Assert(t, entry.DurationMs == nil)

	l.Complete(id, map[string]any{"ok": true}, false)
	entry, ok = l.Get(id)
	assert.Assert(t, ok)
	assert.Equal(t, entry.Status, StatusSuccess)
	assert.Assert(t, entry.DurationMs != nil)
}

func TestFailSetsErrorMessage(t *testing.T) {
	l := New(10)
	id := l.Start(StartParams{Type: TypeResource, Method: "gh__read", UpstreamID: "u1"})
	l.Fail(id, "boom")

	entry, ok := l.Get(id)
	assert.Assert(t, ok)
	assert.Equal(t, entry.Status, StatusError)
	assert.Equal(t, entry.ErrorMessage, "boom")
}

func TestCapacityEvictsOldest(t *testing.T) {
	l := New(2)
	first := l.Start(StartParams{Method: "a"})
	l.Start(StartParams{Method: "b"})
	l.Start(StartParams{Method: "c"})

	_, ok := l.Get(first)
	assert.Assert(t, !ok)
	assert.Equal(t, l.Stats().Total, 2)
}

// TestCompletedEntryMatchesExpectedShape diffs a completed entry against its
// expected shape with go-cmp rather than field-by-field assert.Equal calls,
// ignoring the fields that legitimately vary by wall-clock time (Timestamp,
// DurationMs, the unexported startedAt).
func TestCompletedEntryMatchesExpectedShape(t *testing.T) {
	l := New(10)
	id := l.Start(StartParams{
		Type:       TypeTool,
		Method:     "gh__search",
		UpstreamID: "u1",
		Arguments:  map[string]any{"q": "bug"},
	})
	l.Complete(id, map[string]any{"ok": true}, false)

	got, ok := l.Get(id)
	assert.Assert(t, ok)

	want := Entry{
		ID:              id,
		Type:            TypeTool,
		Method:          "gh__search",
		UpstreamID:      "u1",
		Arguments:       map[string]any{"q": "bug"},
		ResponseContent: map[string]any{"ok": true},
		Status:          StatusSuccess,
	}
	opts := cmp.Options{
		cmpopts.IgnoreUnexported(Entry{}),
		cmpopts.IgnoreFields(Entry{}, "Timestamp", "DurationMs"),
	}
	if diff := cmp.Diff(want, got, opts...); diff != "" {
		t.Fatalf("completed entry mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotNewestFirst(t *testing.T) {
	l := New(10)
	l.Start(StartParams{Method: "first"})
	l.Start(StartParams{Method: "second"})

	snap := l.Snapshot(Filter{})
	assert.Equal(t, len(snap), 2)
	assert.Equal(t, snap[0].Method, "second")
	assert.Equal(t, snap[1].Method, "first")
}

func TestSnapshotFiltersByStatusAndQuery(t *testing.T) {
	l := New(10)
	okID := l.Start(StartParams{Type: TypeTool, Method: "gh__search", UpstreamID: "u1"})
	l.Complete(okID, nil, false)
	failID := l.Start(StartParams{Type: TypeTool, Method: "gh__broken", UpstreamID: "u2"})
	l.Fail(failID, "rate limited")

	errs := l.Snapshot(Filter{Status: StatusError})
	assert.Equal(t, len(errs), 1)
	assert.Equal(t, errs[0].ID, failID)

	byQuery := l.Snapshot(Filter{Query: "rate"})
	assert.Equal(t, len(byQuery), 1)
	assert.Equal(t, byQuery[0].ID, failID)

	byUpstream := l.Snapshot(Filter{UpstreamID: "u1"})
	assert.Equal(t, len(byUpstream), 1)
	assert.Equal(t, byUpstream[0].ID, okID)
}

func TestSnapshotPaging(t *testing.T) {
	l := New(10)
	for i := 0; i < 5; i++ {
		l.Start(StartParams{Method: "m"})
	}
	page := l.Snapshot(Filter{Offset: 2, Limit: 2})
	assert.Equal(t, len(page), 2)
}

func TestClearEmptiesBuffer(t *testing.T) {
	l := New(10)
	l.Start(StartParams{Method: "m"})
	l.Clear()
	assert.Equal(t, l.Stats().Total, 0)
}
