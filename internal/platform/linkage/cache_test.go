package linkage

import (
	"errors"
	"testing"
)

type caseFact struct {
	Patient string
	CaseNo  string
}

func TestCache_PublishResolve(t *testing.T) {
	c := New[string, caseFact]("case")
	if err := c.Publish("C1", caseFact{Patient: "P1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		f, ok := c.Resolve("C1")
		if !ok {
			t.Fatalf("resolve %d: expected C1 present", i)
		}
		if f.Patient != "P1" {
			t.Errorf("expected patient P1, got %s", f.Patient)
		}
	}
	if c.Len() != 1 {
		t.Errorf("expected Resolve to be non-destructive, len=%d", c.Len())
	}
}

func TestCache_LastWriteWins(t *testing.T) {
	c := New[string, caseFact]("case")
	_ = c.Publish("C1", caseFact{Patient: "P1"})
	_ = c.Publish("C2", caseFact{Patient: "P2"})
	_ = c.Publish("C1", caseFact{Patient: "P9"})

	f, _ := c.Resolve("C1")
	if f.Patient != "P9" {
		t.Errorf("expected last published P9, got %s", f.Patient)
	}

	// Overwrite keeps the first-publish position.
	got := c.DrainRemaining()
	if len(got) != 2 || got[0].Key != "C1" || got[1].Key != "C2" {
		t.Errorf("expected [C1 C2], got %+v", got)
	}
}

func TestCache_MissIsNotAnError(t *testing.T) {
	c := New[string, caseFact]("case")
	if _, ok := c.Resolve("C2"); ok {
		t.Error("expected absent")
	}
	if _, ok := c.Take("C2"); ok {
		t.Error("expected absent")
	}
}

func TestCache_TakeOnce(t *testing.T) {
	c := New[string, []string]("linked")
	_ = c.Publish("C1:E1", []string{"Observation/1"})

	v, ok := c.Take("C1:E1")
	if !ok || len(v) != 1 {
		t.Fatalf("expected first take to succeed, got %v %v", v, ok)
	}
	if _, ok := c.Take("C1:E1"); ok {
		t.Error("expected second take to report absent")
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache, len=%d", c.Len())
	}
}

func TestCache_EmptyKey(t *testing.T) {
	c := New[string, int]("n")
	if err := c.Publish("", 1); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("expected ErrEmptyKey, got %v", err)
	}
}

func TestCache_DrainRemaining(t *testing.T) {
	c := New[string, int]("n")
	for i, k := range []string{"a", "b", "c", "d"} {
		_ = c.Publish(k, i)
	}
	c.Take("b")
	c.Resolve("c")

	got := c.DrainRemaining()
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	want := []struct {
		key     string
		claimed bool
	}{{"a", false}, {"c", true}, {"d", false}}
	for i, w := range want {
		if got[i].Key != w.key || got[i].Claimed != w.claimed {
			t.Errorf("entry %d: expected %s claimed=%v, got %s claimed=%v", i, w.key, w.claimed, got[i].Key, got[i].Claimed)
		}
	}

	if c.Len() != 0 {
		t.Errorf("expected empty cache after drain, len=%d", c.Len())
	}
	if again := c.DrainRemaining(); len(again) != 0 {
		t.Errorf("expected second drain empty, got %d", len(again))
	}
}

func TestCache_TakeThenRepublish(t *testing.T) {
	c := New[string, int]("n")
	_ = c.Publish("a", 1)
	c.Take("a")
	_ = c.Publish("a", 2)

	got := c.DrainRemaining()
	if len(got) != 1 || got[0].Value != 2 {
		t.Errorf("expected single entry with value 2, got %+v", got)
	}
}

func TestCache_RepublishedKeyDrainsAtNewPosition(t *testing.T) {
	c := New[string, int]("n")
	_ = c.Publish("a", 1)
	_ = c.Publish("b", 2)
	for i := 0; i < 1000; i++ {
		c.Take("a")
		_ = c.Publish("a", 3)
	}
	if c.Len() != 2 {
		t.Errorf("expected 2 entries held, got %d", c.Len())
	}
	got := c.DrainRemaining()
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %+v", got)
	}
	if got[0].Key != "b" || got[1].Key != "a" || got[1].Value != 3 {
		t.Errorf("expected b then a=3, got %+v", got)
	}
}

func TestCache_Update(t *testing.T) {
	c := New[string, []string]("linked")
	if c.Update("x", func(v []string) []string { return append(v, "a") }) {
		t.Error("expected Update on missing key to report false")
	}
	_ = c.Publish("x", nil)
	c.Update("x", func(v []string) []string { return append(v, "a") })
	v, _ := c.Take("x")
	if len(v) != 1 || v[0] != "a" {
		t.Errorf("expected [a], got %v", v)
	}
}

// ---------------------------------------------------------------------------
// BuilderCache
// ---------------------------------------------------------------------------

type encounterBuilder struct {
	ID       string
	Outcomes []string
}

func newBuilder(id string) func() *encounterBuilder {
	return func() *encounterBuilder { return &encounterBuilder{ID: id} }
}

func TestBuilders_BorrowReturn(t *testing.T) {
	c := NewBuilders[string, *encounterBuilder]("case-encounter")

	b, err := c.Borrow("C1", newBuilder("C1"))
	if err != nil {
		t.Fatalf("Borrow failed: %v", err)
	}
	b.Outcomes = append(b.Outcomes, "admitted")
	if err := c.Return("C1", b); err != nil {
		t.Fatalf("Return failed: %v", err)
	}

	created := false
	b2, err := c.Borrow("C1", func() *encounterBuilder { created = true; return &encounterBuilder{} })
	if err != nil {
		t.Fatalf("second Borrow failed: %v", err)
	}
	if created {
		t.Error("expected existing builder to be reused")
	}
	if b2 != b || len(b2.Outcomes) != 1 {
		t.Errorf("expected the same builder back, got %+v", b2)
	}
}

func TestBuilders_DoubleBorrow(t *testing.T) {
	c := NewBuilders[string, *encounterBuilder]("case-encounter")
	if _, err := c.Borrow("C1", newBuilder("C1")); err != nil {
		t.Fatalf("Borrow failed: %v", err)
	}
	if _, err := c.Borrow("C1", newBuilder("C1")); !errors.Is(err, ErrOnLoan) {
		t.Errorf("expected ErrOnLoan, got %v", err)
	}
	if got := c.OnLoan(); len(got) != 1 || got[0] != "C1" {
		t.Errorf("expected [C1] on loan, got %v", got)
	}
}

func TestBuilders_ReturnWithoutBorrow(t *testing.T) {
	c := NewBuilders[string, *encounterBuilder]("case-encounter")
	if err := c.Return("C1", &encounterBuilder{}); !errors.Is(err, ErrNotOnLoan) {
		t.Errorf("expected ErrNotOnLoan, got %v", err)
	}
	if err := c.Release("C1"); !errors.Is(err, ErrNotOnLoan) {
		t.Errorf("expected ErrNotOnLoan, got %v", err)
	}
}

func TestBuilders_Release(t *testing.T) {
	c := NewBuilders[string, *encounterBuilder]("case-encounter")
	_, _ = c.Borrow("C1", newBuilder("C1"))
	if err := c.Release("C1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if c.Peek("C1") || c.Len() != 0 {
		t.Error("expected released builder to be gone")
	}
}

func TestBuilders_DrainRemaining(t *testing.T) {
	c := NewBuilders[string, *encounterBuilder]("case-encounter")
	for _, k := range []string{"C3", "C1", "C2"} {
		b, _ := c.Borrow(k, newBuilder(k))
		_ = c.Return(k, b)
	}

	_, _ = c.Borrow("C1", newBuilder("C1"))
	if _, err := c.DrainRemaining(); !errors.Is(err, ErrOnLoan) {
		t.Fatalf("expected drain to refuse while on loan, got %v", err)
	}
	b, _ := c.Borrow("C9", newBuilder("C9"))
	_ = c.Release("C9")
	_ = b
	_ = c.Return("C1", &encounterBuilder{ID: "C1"})

	got, err := c.DrainRemaining()
	if err != nil {
		t.Fatalf("DrainRemaining failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 builders, got %d", len(got))
	}
	for i, want := range []string{"C3", "C1", "C2"} {
		if got[i].Key != want || got[i].Builder.ID != want {
			t.Errorf("entry %d: expected %s, got %s", i, want, got[i].Key)
		}
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache, len=%d", c.Len())
	}
}
