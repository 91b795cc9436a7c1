package paths

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"go-model-fetch/internal/models"
)

func testID(t *testing.T) models.ModelIdentifier {
	t.Helper()
	id, err := models.ParseIdentifier("acme/tiny-model")
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestCandidates_IncludesRequiredLayouts(t *testing.T) {
	root := "/storage"
	got := Candidates(root, testID(t))

	want := []string{
		filepath.Join(root, "acme", "tiny-model"),
		filepath.Join(root, "models", "acme", "tiny-model"),
		filepath.Join(root, "models", "privateacme", "tiny-model"),
		filepath.Join(root, "models--acme--tiny-model"),
		filepath.Join(root, "models--acme--tiny-model", "snapshots"),
		filepath.Join(root, "models--acme--tiny-model", "snapshots", "main"),
		filepath.Join(root, "models--acme--tiny-model", "refs"),
		filepath.Join(root, "models--privateacme--tiny-model"),
		filepath.Join(root, "models--privateacme--tiny-model", "snapshots", "main"),
		filepath.Join(root, "acme--tiny-model"),
		filepath.Join(root, "acme_tiny-model"),
	}
	set := make(map[string]struct{}, len(got))
	for _, c := range got {
		set[c] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			t.Errorf("Candidates missing %s", w)
		}
	}
}

func TestCandidates_Deterministic(t *testing.T) {
	id := testID(t)
	a := Candidates("/storage", id)
	b := Candidates("/storage", id)

	if len(a) != len(b) {
		t.Fatalf("Candidate count differs: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("Candidate %d differs: %s vs %s", i, a[i], b[i])
		}
	}
}

func TestCandidates_Deduplicated(t *testing.T) {
	got := Candidates("/storage", testID(t))
	seen := make(map[string]struct{})
	for _, c := range got {
		if _, dup := seen[c]; dup {
			t.Errorf("Duplicate candidate %s", c)
		}
		seen[c] = struct{}{}
	}
}

func TestDecodeCacheDirName(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"models--acme--tiny-model", "acme/tiny-model"},
		{"models--privateacme--tiny-model", "privateacme/tiny-model"},
		{"models--acme", ""},
		{"acme--tiny-model", ""},
		{"models----", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := DecodeCacheDirName(c.name); got != c.want {
			t.Errorf("DecodeCacheDirName(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestScanBase_FindsTokenCombinations(t *testing.T) {
	root := t.TempDir()
	id := testID(t)

	dirs := []string{
		"acme-tiny-model-v2",         // dash combo inside a longer name
		"ACME_tiny-model",            // underscore combo, case-insensitive
		"models--acme--tiny-model",   // cache-style decode match
		"unrelated-model",            // no match
		"privateacme_tiny-model-old", // private marker combo
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0750); err != nil {
			t.Fatal(err)
		}
	}
	// A regular file must never match.
	if err := os.WriteFile(filepath.Join(root, "acme-tiny-model.txt"), []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}

	got := ScanBase(root, id)
	want := []string{
		filepath.Join(root, "ACME_tiny-model"),
		filepath.Join(root, "acme-tiny-model-v2"),
		filepath.Join(root, "models--acme--tiny-model"),
		filepath.Join(root, "privateacme_tiny-model-old"),
	}
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("ScanBase = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ScanBase[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestScanBase_MissingRoot(t *testing.T) {
	got := ScanBase(filepath.Join(t.TempDir(), "nope"), testID(t))
	if got != nil {
		t.Errorf("Expected nil for missing root, got %v", got)
	}
}

func TestExisting(t *testing.T) {
	root := t.TempDir()
	id := testID(t)

	canonical := filepath.Join(root, "acme", "tiny-model")
	legacy := filepath.Join(root, "acme_tiny-model")
	for _, d := range []string{canonical, legacy} {
		if err := os.MkdirAll(d, 0750); err != nil {
			t.Fatal(err)
		}
	}

	got := Existing(root, id)
	set := make(map[string]struct{}, len(got))
	for _, d := range got {
		set[d] = struct{}{}
	}
	if _, ok := set[canonical]; !ok {
		t.Errorf("Existing missing canonical dir %s", canonical)
	}
	if _, ok := set[legacy]; !ok {
		t.Errorf("Existing missing legacy dir %s", legacy)
	}
	for _, d := range got {
		if fi, err := os.Stat(d); err != nil || !fi.IsDir() {
			t.Errorf("Existing returned non-directory %s", d)
		}
	}
}
