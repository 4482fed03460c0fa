package uuid

import "testing"

func TestNewIsValidV4(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("generated id is not a valid UUID v4: %s", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestSuffix(t *testing.T) {
	s := Suffix(9)
	if len(s) != 9 {
		t.Errorf("expected 9 characters, got %d", len(s))
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Errorf("expected hex characters only, got %q", s)
		}
	}

	// n larger than a dashless uuid is capped, not a panic.
	if got := len(Suffix(64)); got != 32 {
		t.Errorf("expected cap at 32, got %d", got)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("fresh uuid must validate: %v", err)
	}
	if err := Validate("not-a-uuid"); err == nil {
		t.Error("expected validation error")
	}
	// v1-style version digit must be rejected.
	if err := Validate("a987fbc9-4bed-1078-af07-9141ba07c9f3"); err == nil {
		t.Error("expected non-v4 uuid to be rejected")
	}
}
