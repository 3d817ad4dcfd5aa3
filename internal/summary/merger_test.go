package summary

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

func seedLevel(t *testing.T, content *ContentStore, idx *Index, level Level, n int, session string) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		e := Entry{
			ID:              idx.NextID(level),
			Level:           level,
			CreatedAt:       fixedNow,
			SourceLevel:     L0,
			SourceIDs:       []string{fmt.Sprintf("src-%d", i)},
			SourceSessionID: session,
		}
		if err := content.Write("main", e, "body "+e.ID); err != nil {
			t.Fatal(err)
		}
		idx.Append(e)
		ids = append(ids, e.ID)
	}
	return ids
}

func newTestMerger(t *testing.T, threshold int) (*Merger, *fakeSummarizer, *ContentStore) {
	content := NewContentStore(t.TempDir(), nil)
	sum := &fakeSummarizer{}
	return &Merger{
		Content:        content,
		Summarizer:     sum,
		MergeThreshold: threshold,
		Model:          "test-model",
		Now:            func() time.Time { return fixedNow },
	}, sum, content
}

func TestMergeLevel_ThresholdGating(t *testing.T) {
	for _, tc := range []struct {
		unmerged  int
		threshold int
		want      bool
	}{
		{0, 1, false},
		{2, 3, false},
		{3, 3, true},
		{5, 3, true},
		{1, 0, true},
	} {
		t.Run(fmt.Sprintf("%d_of_%d", tc.unmerged, tc.threshold), func(t *testing.T) {
			m, sum, content := newTestMerger(t, tc.threshold)
			idx := NewIndex("main")
			seedLevel(t, content, idx, L1, tc.unmerged, "s1")

			merged, err := m.MergeLevel(context.Background(), "main", idx, L1)
			if err != nil {
				t.Fatalf("MergeLevel: %v", err)
			}
			if merged != tc.want {
				t.Fatalf("merged = %v, want %v", merged, tc.want)
			}
			if got := len(sum.mergeCalls); (got == 1) != tc.want {
				t.Fatalf("backend merge calls = %d", got)
			}
		})
	}
}

func TestMergeLevel_ConsumesAllUnmerged(t *testing.T) {
	m, sum, content := newTestMerger(t, 3)
	idx := NewIndex("main")
	ids := seedLevel(t, content, idx, L1, 5, "s1")

	merged, err := m.MergeLevel(context.Background(), "main", idx, L1)
	if err != nil || !merged {
		t.Fatalf("MergeLevel = %v, %v", merged, err)
	}

	l2 := idx.Entries(L2)
	if len(l2) != 1 {
		t.Fatalf("expected one L2 entry, got %d", len(l2))
	}
	newEntry := l2[0]
	if newEntry.ID != "L2-000001" || newEntry.SourceLevel != L1 || !reflect.DeepEqual(newEntry.SourceIDs, ids) {
		t.Fatalf("unexpected merged entry: %+v", newEntry)
	}
	if newEntry.SourceSessionID != "s1" || !newEntry.CreatedAt.Equal(fixedNow) || newEntry.TokenEstimate == 0 {
		t.Fatalf("unexpected merged entry metadata: %+v", newEntry)
	}
	for _, e := range idx.Entries(L1) {
		if e.MergedInto == nil || *e.MergedInto != newEntry.ID {
			t.Fatalf("entry %s not marked merged into %s", e.ID, newEntry.ID)
		}
		if _, ok := idx.Lookup(*e.MergedInto); !ok {
			t.Fatalf("entry %s merged into missing %s", e.ID, *e.MergedInto)
		}
	}
	if len(idx.Unmerged(L1)) != 0 {
		t.Fatal("merged entries must leave the candidate set")
	}
	if body, err := content.Read("main", newEntry); err != nil || body != "merged 5 L1 summaries into L2" {
		t.Fatalf("merged content = %q, %v", body, err)
	}

	req := sum.mergeCalls[0]
	wantBodies := []string{"body L1-000001", "body L1-000002", "body L1-000003", "body L1-000004", "body L1-000005"}
	if !reflect.DeepEqual(req.Summaries, wantBodies) || req.From != L1 || req.To != L2 || req.Model != "test-model" {
		t.Fatalf("unexpected merge request: %+v", req)
	}

	// A second call has nothing left to merge.
	if merged, err := m.MergeLevel(context.Background(), "main", idx, L1); err != nil || merged {
		t.Fatalf("second MergeLevel = %v, %v", merged, err)
	}
}

func TestMergeLevel_OlderContext(t *testing.T) {
	m, sum, content := newTestMerger(t, 2)
	idx := NewIndex("main")
	seedLevel(t, content, idx, L3, 1, "s1")
	seedLevel(t, content, idx, L2, 2, "s1")
	seedLevel(t, content, idx, L1, 2, "s2")

	if merged, err := m.MergeLevel(context.Background(), "main", idx, L1); err != nil || !merged {
		t.Fatalf("L1 merge = %v, %v", merged, err)
	}
	if got := sum.mergeCalls[0].OlderContext; !reflect.DeepEqual(got, []string{"body L3-000001"}) {
		t.Fatalf("L1->L2 older context = %v", got)
	}

	// Three unmerged L2 now; producing L3 carries no older context.
	if merged, err := m.MergeLevel(context.Background(), "main", idx, L2); err != nil || !merged {
		t.Fatalf("L2 merge = %v, %v", merged, err)
	}
	if got := sum.mergeCalls[1].OlderContext; len(got) != 0 {
		t.Fatalf("L2->L3 older context = %v", got)
	}
	if got := sum.mergeCalls[1].Summaries; len(got) != 3 {
		t.Fatalf("expected 3 L2 bodies merged, got %d", len(got))
	}
	l3 := idx.Entries(L3)
	if len(l3) != 2 || l3[1].ID != "L3-000002" || l3[1].SourceSessionID != "" {
		t.Fatalf("unexpected L3 entries: %+v", l3)
	}
}

func TestMergeLevel_L3IsTerminal(t *testing.T) {
	m, sum, content := newTestMerger(t, 1)
	idx := NewIndex("main")
	seedLevel(t, content, idx, L3, 4, "s1")
	if merged, err := m.MergeLevel(context.Background(), "main", idx, L3); err != nil || merged {
		t.Fatalf("L3 merge = %v, %v", merged, err)
	}
	if len(sum.mergeCalls) != 0 {
		t.Fatal("L3 must never be merged")
	}
}

func TestMergeLevel_BackendErrorLeavesIndexUntouched(t *testing.T) {
	m, sum, content := newTestMerger(t, 2)
	sum.mergeErr = errors.New("rate limited")
	idx := NewIndex("main")
	seedLevel(t, content, idx, L1, 2, "s1")

	merged, err := m.MergeLevel(context.Background(), "main", idx, L1)
	if merged || !errors.Is(err, sum.mergeErr) {
		t.Fatalf("MergeLevel = %v, %v", merged, err)
	}
	if len(idx.Entries(L2)) != 0 || len(idx.Unmerged(L1)) != 2 {
		t.Fatal("failed merge must not change the index")
	}
}

func TestIndex_MarkMergedIsWriteOnce(t *testing.T) {
	idx := NewIndex("main")
	idx.Append(Entry{ID: "L1-000001", Level: L1})
	idx.markMerged(L1, []string{"L1-000001"}, "L2-000001")
	idx.markMerged(L1, []string{"L1-000001"}, "L2-000002")
	if got := *idx.Entries(L1)[0].MergedInto; got != "L2-000001" {
		t.Fatalf("MergedInto overwritten to %q", got)
	}
}
