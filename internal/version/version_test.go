package version

import (
	"fmt"
	"testing"
)

func TestAccessorsMatchInfo(t *testing.T) {
	v, c, d := Info()

	for _, tc := range []struct {
		name string
		got  string
		want string
	}{
		{"version", GetVersion(), v},
		{"commit", GetCommit(), c},
		{"date", GetDate(), d},
	} {
		if tc.got == "" {
			t.Errorf("%s must not be empty", tc.name)
		}
		if tc.got != tc.want {
			t.Errorf("%s accessor returned %q, Info returned %q", tc.name, tc.got, tc.want)
		}
	}
}

func TestDefaultsWithoutLdflags(t *testing.T) {
	// Без -ldflags бинарь должен представляться dev-сборкой, а не падать.
	if GetVersion() != "dev" {
		t.Skipf("version overridden at build time: %s", GetVersion())
	}
	if GetCommit() == "" || GetDate() == "" {
		t.Error("commit and date must have non-empty defaults")
	}
}

func TestString(t *testing.T) {
	want := fmt.Sprintf("version=%s commit=%s date=%s", GetVersion(), GetCommit(), GetDate())
	if got := String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
