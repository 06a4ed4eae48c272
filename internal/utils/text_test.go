package utils

import "testing"

func TestRemoveAccents(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", ""},
		{"plain ascii", "plain ascii"},
		{"José", "Jose"},
		{"Çédille à Pâques", "Cedille a Paques"},
		{"Müller-Lüdenscheidt", "Muller-Ludenscheidt"},
		{"crème brûlée", "creme brulee"},
		// Characters without combining marks pass through untouched.
		{"北京 2026", "北京 2026"},
	}
	for _, tc := range cases {
		if got := RemoveAccents(tc.in); got != tc.want {
			t.Fatalf("RemoveAccents(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestClipRunes(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"", 5, ""},
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"truncate me", 8, "truncate"},
		{"héllo wörld", 5, "héllo"},
		// Multi-byte runes are counted as one, not per byte.
		{"注册费付款", 2, "注册"},
		{"abc", 0, ""},
	}
	for _, tc := range cases {
		if got := ClipRunes(tc.in, tc.n); got != tc.want {
			t.Fatalf("ClipRunes(%q, %d) = %q; want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
