package model

import (
	"strings"
	"testing"
)

func TestLeaseBoundsValidate(t *testing.T) {
	cases := []struct {
		name    string
		b       LeaseBounds
		wantErr bool
	}{
		{"ordered", LeaseBounds{Preferred: 864000, Min: 86400, Max: 8640000}, false},
		{"equal", LeaseBounds{Preferred: 100, Min: 100, Max: 100}, false},
		{"min above preferred", LeaseBounds{Preferred: 50, Min: 100, Max: 200}, true},
		{"preferred above max", LeaseBounds{Preferred: 300, Min: 100, Max: 200}, true},
		{"negative", LeaseBounds{Preferred: -1, Min: 0, Max: 10}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.b.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestClampLeaseSeconds(t *testing.T) {
	b := LeaseBounds{Preferred: 1000, Min: 100, Max: 10000}

	cases := []struct {
		raw         string
		want        int
		wantWarning bool
	}{
		{"", 1000, false},
		{"5000", 5000, false},
		{"50", 100, true},
		{"99999", 10000, true},
		{"abc", 1000, true},
		{"-3", 1000, true},
	}
	for _, tc := range cases {
		got, warning := b.ClampLeaseSeconds(tc.raw)
		if got != tc.want {
			t.Fatalf("ClampLeaseSeconds(%q) = %d, want %d", tc.raw, got, tc.want)
		}
		if (warning != "") != tc.wantWarning {
			t.Fatalf("ClampLeaseSeconds(%q) warning = %q, wantWarning=%v", tc.raw, warning, tc.wantWarning)
		}
	}
}

func TestValidateAbsoluteHTTPURL(t *testing.T) {
	if err := ValidateAbsoluteHTTPURL("hub.topic", "https://example.com/blog/"); err != nil {
		t.Fatalf("valid URL rejected: %v", err)
	}
	for _, raw := range []string{"", "ftp://example.com/x", "/relative/path", "https://"} {
		if err := ValidateAbsoluteHTTPURL("hub.topic", raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestValidateSecret(t *testing.T) {
	if err := ValidateSecret(make([]byte, MaxSecretBytes)); err != nil {
		t.Fatalf("199-byte secret should be accepted: %v", err)
	}
	if err := ValidateSecret(make([]byte, MaxSecretBytes+1)); err == nil {
		t.Fatal("200-byte secret should be rejected")
	}
}

func TestContentHashDeterministic(t *testing.T) {
	body := []byte("<feed/>")
	a, err := ContentHash(body, "sha512")
	if err != nil {
		t.Fatalf("ContentHash: %v", err)
	}
	b, _ := ContentHash(body, "sha512")
	if a != b {
		t.Fatalf("hash not deterministic: %q != %q", a, b)
	}
	if a != strings.ToLower(a) {
		t.Fatalf("hash must be lowercase hex: %q", a)
	}
	if _, err := ContentHash(body, "md5"); err == nil {
		t.Fatal("unsupported algorithm should error")
	}
}

func TestVerificationModeIsValid(t *testing.T) {
	for _, m := range []VerificationMode{ModeSubscribe, ModeUnsubscribe, ModeDenied} {
		if !m.IsValid() {
			t.Fatalf("%q should be valid", m)
		}
	}
	if VerificationMode("publish").IsValid() {
		t.Fatal("publish is not a storable verification mode")
	}
}
