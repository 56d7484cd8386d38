// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package oui

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLookupVendor(t *testing.T) {
	tests := []struct {
		mac  string
		want string
	}{
		{"b8:27:eb:aa:bb:cc", "Raspberry Pi"},
		{"B8-27-EB-AA-BB-CC", "Raspberry Pi"},
		{"b827.ebaa.bbcc", "Raspberry Pi"},
		{"00:50:56:01:02:03", "VMware"},
		{"52:54:00:12:34:56", "Random MAC"}, // locally administered bit set
		{"ff:ff:ff:ff:ff:ff", ""},
		{"", ""},
		{"b8:27", ""},
	}

	for _, tt := range tests {
		if got := LookupVendor(tt.mac); got != tt.want {
			t.Errorf("LookupVendor(%q) = %q, want %q", tt.mac, got, tt.want)
		}
	}
}

func TestRandomMACDetection(t *testing.T) {
	// Second hex digit 2, 6, A, E => locally administered
	for _, mac := range []string{"02:00:00:00:00:00", "06:11:22:33:44:55", "0a:00:00:00:00:00", "0e:00:00:00:00:00"} {
		if got := LookupVendor(mac); got != "Random MAC" {
			t.Errorf("LookupVendor(%q) = %q, want Random MAC", mac, got)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oui.tsv")
	body := "# comment\nAA11BB\tExample Corp\nbad line\ncc:dd:11\tTabbed Inc\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 loaded entries, got %d", n)
	}
	if got := LookupVendor("aa:11:bb:00:00:00"); got != "Example Corp" {
		t.Errorf("Merged entry missing, got %q", got)
	}
	if got := LookupVendor("cc:dd:11:00:00:00"); got != "Tabbed Inc" {
		t.Errorf("Merged entry missing, got %q", got)
	}
}
