package authz

import "testing"

func TestNewIDStaysInTwelveDigitWindow(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id := NewID()
		if id < idWindowBase || id >= idWindowBase+idWindowSpan {
			t.Fatalf("id %d outside the 12-digit window", id)
		}
	}
}

func TestRequestIDFromKeyIsDeterministic(t *testing.T) {
	a := RequestIDFromKey("K1")
	b := RequestIDFromKey("K1")
	if a != b {
		t.Fatalf("same key produced %d and %d", a, b)
	}
	if a < idWindowBase || a >= idWindowBase+idWindowSpan {
		t.Fatalf("derived id %d outside the 12-digit window", a)
	}
	if RequestIDFromKey("K2") == a {
		t.Fatal("distinct keys should not collide here")
	}
}

func TestAuthorizationCodeShape(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := AuthorizationCode()
		if len(code) != 6 {
			t.Fatalf("code %q is not 6 digits", code)
		}
		for _, c := range code {
			if c < '0' || c > '9' {
				t.Fatalf("code %q contains a non-digit", code)
			}
		}
	}
}
