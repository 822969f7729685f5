package identity

import "testing"

func TestNewDefaultsInstance(t *testing.T) {
	id := New("web", "")
	if id.Instance != DefaultInstance {
		t.Fatalf("expected default instance, got %q", id.Instance)
	}
	if id.Key() != "web:default" {
		t.Fatalf("unexpected key: %s", id.Key())
	}
}

func TestParseRoundTrip(t *testing.T) {
	id, err := Parse("api:blue")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.App != "api" || id.Instance != "blue" {
		t.Fatalf("unexpected id: %+v", id)
	}
	bare, err := Parse("api")
	if err != nil {
		t.Fatalf("parse bare: %v", err)
	}
	if bare.Instance != DefaultInstance {
		t.Fatalf("bare id should default instance, got %q", bare.Instance)
	}
}

func TestValidateRejectsUnsafeNames(t *testing.T) {
	bad := []ID{
		{App: "", Instance: "default"},
		{App: "a/b", Instance: "default"},
		{App: "..", Instance: "default"},
		{App: "ok", Instance: "x y"},
		{App: "ok", Instance: ""},
	}
	for _, id := range bad {
		if err := id.Validate(); err == nil {
			t.Fatalf("expected validation error for %+v", id)
		}
	}
	if err := New("svc-a.1", "").Validate(); err != nil {
		t.Fatalf("valid id rejected: %v", err)
	}
}
