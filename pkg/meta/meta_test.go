package meta

import (
	"bytes"
	"errors"
	"testing"

	"github.com/vaultfs/vaultfs/pkg/blob"
)

func TestMetaDataInvariant(t *testing.T) {
	file := New("a.txt", false)
	if file.IsDirectory() {
		t.Fatal("file reported as directory")
	}
	if err := file.Validate(); err != nil {
		t.Fatalf("file validate: %v", err)
	}

	dir := New("docs", true)
	if !dir.IsDirectory() {
		t.Fatal("directory not reported")
	}
	if err := dir.Validate(); err != nil {
		t.Fatalf("dir validate: %v", err)
	}

	both := New("x", false)
	id := blob.NewRandomIdentity()
	both.DirectoryID = id[:]
	if err := both.Validate(); err == nil {
		t.Fatal("both data map and directory id accepted")
	}

	neither := MetaData{Name: "y"}
	if err := neither.Validate(); err == nil {
		t.Fatal("neither data map nor directory id accepted")
	}
}

func TestMetaDataSerializeParse(t *testing.T) {
	m := New("report.pdf", false)
	m.SetSize(12345)
	m.Notes = [][]byte{[]byte("first"), []byte("second")}
	raw, err := m.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := ParseMetaData(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Name != m.Name || got.EndOfFile != 12345 || len(got.Notes) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !bytes.Equal(got.Notes[1], []byte("second")) {
		t.Fatal("notes order lost")
	}
}

func TestMetaDataCloneIsDeep(t *testing.T) {
	m := New("f", false)
	m.Notes = [][]byte{[]byte("note")}
	c := m.Clone()
	c.Notes[0][0] = 'N'
	c.DataMap.Content = []byte("changed")
	if m.Notes[0][0] == 'N' || len(m.DataMap.Content) != 0 {
		t.Fatal("clone shares storage with original")
	}
}

func TestListingOrderAndCollision(t *testing.T) {
	l := NewDirectoryListing(blob.NewRandomIdentity())
	for _, name := range []string{"beta", "Alpha", "gamma"} {
		if err := l.AddChild(New(name, false)); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}

	// Case-insensitive duplicate collides.
	err := l.AddChild(New("ALPHA", false))
	if !errors.Is(err, ErrChildExists) {
		t.Fatalf("duplicate add: %v", err)
	}

	var names []string
	l.ResetCursor()
	for {
		child, ok := l.NextVisibleChild()
		if !ok {
			break
		}
		names = append(names, child.Name)
	}
	want := []string{"Alpha", "beta", "gamma"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("order = %v", names)
		}
	}

	// Lookup folds case.
	got, err := l.GetChild("alpha")
	if err != nil || got.Name != "Alpha" {
		t.Fatalf("folded lookup: %v %q", err, got.Name)
	}
}

func TestListingRemoveAndUpdate(t *testing.T) {
	l := NewDirectoryListing(blob.NewRandomIdentity())
	m := New("file.bin", false)
	if err := l.AddChild(m); err != nil {
		t.Fatalf("add: %v", err)
	}

	m.SetSize(999)
	if err := l.UpdateChild(m); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := l.GetChild("file.bin")
	if got.EndOfFile != 999 {
		t.Fatalf("update lost: %d", got.EndOfFile)
	}

	if err := l.RemoveChild(m); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := l.RemoveChildByName("file.bin"); !errors.Is(err, ErrChildMissing) {
		t.Fatalf("double remove: %v", err)
	}
	if !l.Empty() {
		t.Fatal("listing not empty")
	}
}

func TestListingSerializeParseBijection(t *testing.T) {
	id := blob.NewRandomIdentity()
	l := NewDirectoryListing(id)
	for _, name := range []string{"z.txt", "a.txt", "mid"} {
		if err := l.AddChild(New(name, false)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := l.AddChild(New("sub", true)); err != nil {
		t.Fatalf("add dir: %v", err)
	}

	raw, err := l.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	parsed, err := ParseDirectoryListing(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.DirectoryID() != id {
		t.Fatal("directory id mismatch")
	}
	if parsed.Len() != l.Len() {
		t.Fatalf("child count %d != %d", parsed.Len(), l.Len())
	}
	a, b := l.VisibleChildren(), parsed.VisibleChildren()
	for i := range a {
		if a[i].Name != b[i].Name || a[i].IsDirectory() != b[i].IsDirectory() {
			t.Fatalf("child %d mismatch: %q vs %q", i, a[i].Name, b[i].Name)
		}
	}
}

func TestHiddenChildrenExcluded(t *testing.T) {
	l := NewDirectoryListing(blob.NewRandomIdentity())
	if err := l.AddChild(New("visible.txt", false)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := l.AddChild(New("secret.ms_hidden", false)); err != nil {
		t.Fatalf("add hidden: %v", err)
	}
	if got := len(l.VisibleChildren()); got != 1 {
		t.Fatalf("visible = %d", got)
	}
	hidden := l.HiddenChildNames()
	if len(hidden) != 1 || hidden[0] != "secret.ms_hidden" {
		t.Fatalf("hidden = %v", hidden)
	}
}

func TestExcludedName(t *testing.T) {
	for _, name := range []string{
		"con", "CON", "prn", "aux", "nul", "clock$", "com1", "COM9", "lpt5",
		"con.txt", "nul.dat", "bad<name", "pipe|name", `quote"name`, "q?.txt",
	} {
		if !ExcludedName(name) {
			t.Errorf("%q should be excluded", name)
		}
	}
	for _, name := range []string{
		"com0", "lpt0", "com10", "console", "auxiliary", "clock", "normal.txt",
	} {
		if ExcludedName(name) {
			t.Errorf("%q should be allowed", name)
		}
	}
}

func TestMasks(t *testing.T) {
	if !MatchesMask("*.txt", "Notes.TXT") {
		t.Fatal("case-insensitive star mask failed")
	}
	if !MatchesMask("file?.log", "file7.log") {
		t.Fatal("question mask failed")
	}
	if MatchesMask("*.txt", "notes.txt.bak") {
		t.Fatal("full match must anchor")
	}
	if !MatchesMask("a.b", "a.b") || MatchesMask("a.b", "axb") {
		t.Fatal("dot must be literal")
	}
	if !SearchesMask("port", "report.pdf") {
		t.Fatal("substring search failed")
	}
}
