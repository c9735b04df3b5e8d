package manifest

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func sampleManifest() *Manifest {
	m := &Manifest{
		Metadata: Metadata{
			Host:          "host1",
			Date:          "2026-07-31T00:00:00Z",
			PrivilegeMode: PrivilegeUser,
			Dereferenced:  false,
		},
		Entries: []Entry{
			{ID: 1, Name: "file1.txt", RestorePath: "/src", Kind: KindFile, Size: 8, Mtime: 100, UID: 1000, GID: 1000, Mode: 0o644},
			{ID: 2, Name: "dir", RestorePath: "/src", Kind: KindDirectory, Mode: 0o755},
			{ID: 3, Name: "link", RestorePath: "/src/dir", Kind: KindSymlink, SymlinkTarget: "../file1.txt", Mode: 0o777},
		},
	}
	return m
}

// Invariant 2 (spec.md §8): parse(emit(M)) == M.
func TestRoundTrip(t *testing.T) {
	m := sampleManifest()
	var buf bytes.Buffer
	if err := m.Emit(&buf); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	got, err := Parse(&buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if !reflect.DeepEqual(got.Metadata, m.Metadata) {
		t.Errorf("metadata mismatch: got %+v, want %+v", got.Metadata, m.Metadata)
	}
	if !reflect.DeepEqual(got.Entries, m.Entries) {
		t.Errorf("entries mismatch: got %+v, want %+v", got.Entries, m.Entries)
	}
}

// Invariant 3: every entry's id equals its 1-based emission position.
func TestAssignIDs(t *testing.T) {
	m := &Manifest{Entries: []Entry{
		{Name: "a", RestorePath: "/x", Kind: KindFile},
		{Name: "b", RestorePath: "/x", Kind: KindFile},
		{Name: "c", RestorePath: "/x", Kind: KindFile},
	}}
	m.AssignIDs()
	for i, e := range m.Entries {
		if e.ID != i+1 {
			t.Errorf("entry %d has id %d, want %d", i, e.ID, i+1)
		}
	}
}

// Invariant 2 covers RestorePath too: a value containing \r or other
// control bytes must still round-trip byte-for-byte through quote/unquote.
func TestQuoteUnquoteRoundTripsControlBytes(t *testing.T) {
	cases := []string{
		"plain",
		"carriage\rreturn",
		"bell\x07byte",
		"mixed\r\n\t\x01end",
	}
	for _, s := range cases {
		got, err := unquote(quote(s))
		if err != nil {
			t.Errorf("unquote(quote(%q)): %v", s, err)
			continue
		}
		if got != s {
			t.Errorf("round-trip %q: got %q", s, got)
		}
	}
}

func TestValidateRejectsBadNames(t *testing.T) {
	cases := []string{"", ".", "..", "a/b", "a\x00b"}
	for _, name := range cases {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	m := &Manifest{Entries: []Entry{
		{ID: 1, Name: "a", RestorePath: "/x", Kind: KindFile},
		{ID: 1, Name: "b", RestorePath: "/x", Kind: KindFile},
	}}
	if err := m.Validate(); err == nil {
		t.Errorf("expected duplicate id rejection")
	}
}

func TestValidateRejectsNonDenseIDs(t *testing.T) {
	m := &Manifest{Entries: []Entry{
		{ID: 1, Name: "a", RestorePath: "/x", Kind: KindFile},
		{ID: 3, Name: "b", RestorePath: "/x", Kind: KindFile},
	}}
	if err := m.Validate(); err == nil {
		t.Errorf("expected non-dense id rejection")
	}
}

func TestValidateRejectsDirectoryWithSize(t *testing.T) {
	m := &Manifest{Entries: []Entry{
		{ID: 1, Name: "d", RestorePath: "/x", Kind: KindDirectory, Size: 10},
	}}
	if err := m.Validate(); err == nil {
		t.Errorf("expected directory-with-size rejection")
	}
}

func TestValidateRejectsSymlinkWithoutTarget(t *testing.T) {
	m := &Manifest{Entries: []Entry{
		{ID: 1, Name: "l", RestorePath: "/x", Kind: KindSymlink},
	}}
	if err := m.Validate(); err == nil {
		t.Errorf("expected symlink-without-target rejection")
	}
}

func TestParseLegacyOriginalPathDialect(t *testing.T) {
	doc := `metadata:
  host: "h"
  date: "d"
  privilege_mode: "user"
  dereferenced: false
files:
  - id: 1
    original_path: "/some/dir/file.txt"
    type: file
    size: 4
    mtime: 0
    uid: 0
    gid: 0
    mode: 420
`
	m, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse legacy dialect: %v", err)
	}
	if len(m.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(m.Entries))
	}
	e := m.Entries[0]
	if e.RestorePath != "/some/dir" || e.Name != "file.txt" {
		t.Errorf("split original_path = (%q, %q), want (/some/dir, file.txt)", e.RestorePath, e.Name)
	}
}

func TestParseRejectsInvalidBasename(t *testing.T) {
	doc := `metadata:
  host: "h"
  date: "d"
  privilege_mode: "user"
  dereferenced: false
files:
  - id: 1
    name: "a/b"
    restore_path: "/x"
    type: file
    size: 0
    mtime: 0
    uid: 0
    gid: 0
    mode: 420
`
	if _, err := Parse(strings.NewReader(doc)); err == nil {
		t.Errorf("expected parse error for invalid basename")
	}
}
