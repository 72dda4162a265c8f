package chunker

import "strings"

import "testing"

func TestAddEmitsOnBoundary(t *testing.T) {
	c := New()
	if got := c.Add("Hello"); got != nil {
		t.Fatalf("expected no sentence yet, got %v", got)
	}
	got := c.Add(" world. Next")
	if len(got) != 1 || got[0] != "Hello world." {
		t.Fatalf("unexpected sentences: %v", got)
	}
	if rest := c.Flush(); rest != "Next" {
		t.Fatalf("unexpected remainder: %q", rest)
	}
}

func TestAddHandlesTildeTerminator(t *testing.T) {
	c := New()
	got := c.Add("okay~ bye")
	if len(got) != 1 || got[0] != "okay~" {
		t.Fatalf("unexpected sentences: %v", got)
	}
}

func TestForceFlushOnRunawayBuffer(t *testing.T) {
	c := New()
	got := c.Add(strings.Repeat("a", maxBufferChars+1))
	if len(got) != 1 {
		t.Fatalf("expected a forced flush, got %v", got)
	}
	if c.Flush() != "" {
		t.Fatal("buffer should be empty after forced flush")
	}
}

func TestRoundTripInvariant(t *testing.T) {
	input := "First one. Second one! Third one? trailing text"
	c := New()
	var complete []string
	for _, r := range input {
		complete = append(complete, c.Add(string(r))...)
	}
	remainder := c.Flush()

	got := strings.Join(complete, " ") + " " + remainder
	normalize := func(s string) string {
		return strings.Join(strings.Fields(s), " ")
	}
	if normalize(got) != normalize(input) {
		t.Fatalf("round trip mismatch:\n got: %q\nwant: %q", normalize(got), normalize(input))
	}
}
