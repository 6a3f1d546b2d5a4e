package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpand(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	t.Setenv("GRASSDB", "/srv/grassdb")
	wd, _ := os.Getwd()
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"~", home},
		{"~/grassdb", filepath.Join(home, "grassdb")},
		{"$GRASSDB/nc_spm_08", "/srv/grassdb/nc_spm_08"},
		{"${GRASSDB}/../other", "/srv/other"},
		{"relative/dir", filepath.Join(wd, "relative/dir")},
		{"~user/dir", filepath.Join(wd, "~user/dir")},
	}
	for _, tc := range cases {
		got, err := Expand(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%q: expected %q, got %q", tc.in, tc.want, got)
		}
	}
}
