package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/regression-io/stratum/contracts"
)

func TestStore_ReadByTag(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	err := s.Append(ctx,
		contracts.MemoryEntry{Key: "b", Tags: []string{"triage"}, Value: "2", CreatedAt: base.Add(2 * time.Second)},
		contracts.MemoryEntry{Key: "a", Tags: []string{"triage", "classify"}, Value: "1", CreatedAt: base.Add(time.Second)},
		contracts.MemoryEntry{Key: "c", Tags: []string{"other"}, Value: "3", CreatedAt: base.Add(3 * time.Second)},
	)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		tags []string
		want []string
	}{
		{"single tag oldest first", []string{"triage"}, []string{"a", "b"}},
		{"any of tags", []string{"classify", "other"}, []string{"a", "c"}},
		{"no tags reads all", nil, []string{"a", "b", "c"}},
		{"unknown tag", []string{"zzz"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Read(ctx, tt.tags...)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.want))
			}
			for i, e := range got {
				if e.Key != tt.want[i] {
					t.Errorf("entry %d = %s, want %s", i, e.Key, tt.want[i])
				}
			}
		})
	}

	got, _ := s.Read(ctx, "triage")
	got[0].Tags[0] = "mutated"
	again, _ := s.Read(ctx, "triage")
	if len(again) != 2 {
		t.Fatal("entries returned by Read must be copies")
	}
}

func TestStore_AppendRejectsEmptyKey(t *testing.T) {
	s := NewStore()
	err := s.Append(context.Background(), contracts.MemoryEntry{Key: "ok"}, contracts.MemoryEntry{})
	if !errors.Is(err, contracts.ErrInvalidInput) {
		t.Fatalf("err = %v", err)
	}
	if all, _ := s.Read(context.Background()); len(all) != 0 {
		t.Fatal("a rejected batch must not be partially stored")
	}
}

func TestStore_Concurrent(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Append(context.Background(), contracts.MemoryEntry{Key: "k", Tags: []string{"t"}})
			_, _ = s.Read(context.Background(), "t")
		}()
	}
	wg.Wait()
	if all, _ := s.Read(context.Background()); len(all) != 20 {
		t.Fatalf("got %d entries", len(all))
	}
}

func TestNotes(t *testing.T) {
	entries := []contracts.MemoryEntry{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}, {Key: "c", Value: "3"}}
	if got := Notes(entries, 2); len(got) != 2 || got[0] != "b: 2" {
		t.Fatalf("Notes = %v", got)
	}
	if got := Notes(entries, 0); len(got) != 3 {
		t.Fatalf("Notes = %v", got)
	}
}

func TestFromTrace(t *testing.T) {
	ensure := contracts.Violation{Kind: contracts.ViolationEnsure, Expression: "result.failures == ''"}
	missing := contracts.Violation{Kind: contracts.ViolationMissing, Field: "x", Message: "field x is required"}
	attempts := []contracts.Attempt{
		{Function: "check", Violations: []contracts.Violation{ensure, missing}},
		{Function: "check", Violations: []contracts.Violation{ensure}},
		{Function: "check"},
	}

	got := FromTrace("triage", "r1", attempts)
	if len(got) != 1 {
		t.Fatalf("entries = %+v", got)
	}
	e := got[0]
	if e.Key != "fired:check" || e.RunID != "r1" || e.Value != "result.failures == '' failed 2 time(s)" {
		t.Fatalf("entry = %+v", e)
	}
	if len(e.Tags) != 2 || e.Tags[0] != "triage" {
		t.Fatalf("tags = %v", e.Tags)
	}
}
