package tree

import (
	"context"
	"testing"

	"github.com/vaultfs/vaultfs/pkg/blob"
	"github.com/vaultfs/vaultfs/pkg/meta"
	"github.com/vaultfs/vaultfs/pkg/selfenc"
	"github.com/vaultfs/vaultfs/pkg/session"
	"github.com/vaultfs/vaultfs/pkg/xerrors"
)

var testCreds = session.Credentials{Keyword: "k", Pin: "1234", Password: "p"}

func newHandler(t *testing.T, store blob.Store) *Handler {
	t.Helper()
	h, err := NewHandler(context.Background(), store, testCreds, Options{
		Logf: t.Logf,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h
}

func TestFirstRunLayout(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(0)
	h := newHandler(t, store)

	// mid + tmid + root-parent node + root node; listings are small enough
	// to stay in-band, so no chunk blobs exist.
	if store.Len() != 4 {
		t.Fatalf("store has %d blobs, want 4", store.Len())
	}
	if ok, _ := store.Exists(ctx, session.MidName("k", "1234")); !ok {
		t.Fatal("mid blob missing")
	}
	if ok, _ := store.Exists(ctx, h.RootParentID()); !ok {
		t.Fatal("root-parent envelope missing")
	}

	root, err := h.GetFromPath(ctx, "/")
	if err != nil {
		t.Fatalf("root lookup: %v", err)
	}
	if !root.Listing.Empty() {
		t.Fatal("fresh root not empty")
	}
	if root.ParentID != h.RootParentID() {
		t.Fatal("root parent id mismatch")
	}

	rootParent, err := h.GetFromPath(ctx, "")
	if err != nil {
		t.Fatalf("root-parent lookup: %v", err)
	}
	if rootParent.ParentID != h.UniqueUserID() {
		t.Fatal("root-parent enclosed by wrong identity")
	}
	child, err := rootParent.Listing.GetChild(RootName)
	if err != nil {
		t.Fatalf("root child: %v", err)
	}
	childID, _ := child.Directory()
	if childID != root.Listing.DirectoryID() {
		t.Fatal("root child id does not match stored root listing")
	}
}

func TestRecoverySeesSameTree(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(0)
	h1 := newHandler(t, store)
	if _, _, err := h1.AddElement(ctx, "/docs", meta.New("docs", true)); err != nil {
		t.Fatalf("add: %v", err)
	}

	h2 := newHandler(t, store)
	if h2.UniqueUserID() != h1.UniqueUserID() || h2.RootParentID() != h1.RootParentID() {
		t.Fatal("recovered identities differ")
	}
	dir, err := h2.GetFromPath(ctx, "/docs")
	if err != nil {
		t.Fatalf("recovered lookup: %v", err)
	}
	if !dir.Listing.Empty() {
		t.Fatal("unexpected children")
	}
}

func TestAddAndLookup(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, blob.NewMemoryStore(0))

	m := meta.New("a.txt", false)
	grandparentID, parentID, err := h.AddElement(ctx, "/a.txt", m)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if grandparentID != h.RootParentID() {
		t.Fatal("grandparent of a root child must be the root-parent")
	}

	root, err := h.GetFromPath(ctx, "/")
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if root.Listing.DirectoryID() != parentID {
		t.Fatal("parent id mismatch")
	}
	got, err := root.Listing.GetChild("a.txt")
	if err != nil {
		t.Fatalf("child: %v", err)
	}
	if got.IsDirectory() {
		t.Fatal("file became a directory")
	}

	// Walking into a file component is invalid.
	if _, err := h.GetFromPath(ctx, "/a.txt"); !xerrors.Is(err, xerrors.KindInvalid) {
		t.Fatalf("walk into file: %v", err)
	}

	// Duplicate (case-insensitive) add collides.
	if _, _, err := h.AddElement(ctx, "/A.TXT", meta.New("A.TXT", false)); !xerrors.Is(err, xerrors.KindAlreadyExists) {
		t.Fatalf("duplicate: %v", err)
	}
}

func TestDirectoryIdConsistency(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, blob.NewMemoryStore(0))

	if _, _, err := h.AddElement(ctx, "/sub", meta.New("sub", true)); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, _, err := h.AddElement(ctx, "/sub/deep", meta.New("deep", true)); err != nil {
		t.Fatalf("nested mkdir: %v", err)
	}

	// Invariant: the listing loaded for a path carries the id its parent's
	// child record names.
	root, _ := h.GetFromPath(ctx, "/")
	child, _ := root.Listing.GetChild("sub")
	childID, _ := child.Directory()
	sub, err := h.GetFromPath(ctx, "/sub")
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	if sub.Listing.DirectoryID() != childID {
		t.Fatal("listing id does not match parent's record")
	}
	if sub.ParentID != root.Listing.DirectoryID() {
		t.Fatal("parent back-reference mismatch")
	}
}

func TestDeleteElement(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(0)
	h := newHandler(t, store)

	if _, _, err := h.AddElement(ctx, "/gone", meta.New("gone", true)); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	before := store.Len()

	m, err := h.DeleteElement(ctx, "/gone")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !m.IsDirectory() {
		t.Fatal("wrong record returned")
	}
	if _, err := h.GetFromPath(ctx, "/gone"); !xerrors.Is(err, xerrors.KindNotFound) {
		t.Fatalf("lookup after delete: %v", err)
	}
	// The directory's envelope is gone from the store.
	if store.Len() != before-1 {
		t.Fatalf("store blobs %d -> %d, want envelope removed", before, store.Len())
	}

	if _, err := h.DeleteElement(ctx, "/gone"); !xerrors.Is(err, xerrors.KindNotFound) {
		t.Fatalf("double delete: %v", err)
	}
}

func TestRenameSameParent(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, blob.NewMemoryStore(0))

	m := meta.New("x", false)
	m.DataMap.Content = []byte("payload")
	m.SetSize(7)
	if _, _, err := h.AddElement(ctx, "/x", m); err != nil {
		t.Fatalf("add: %v", err)
	}

	reclaimed, err := h.RenameElement(ctx, "/x", "/y", &m)
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("reclaimed = %d", reclaimed)
	}
	if m.Name != "y" {
		t.Fatalf("record name = %q", m.Name)
	}

	root, _ := h.GetFromPath(ctx, "/")
	if root.Listing.HasChild("x") {
		t.Fatal("old name still present")
	}
	got, err := root.Listing.GetChild("y")
	if err != nil {
		t.Fatalf("new name: %v", err)
	}
	if string(got.DataMap.Content) != "payload" {
		t.Fatal("data map lost in rename")
	}
}

func TestRenameCrossParentWithCollision(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore(0)
	h := newHandler(t, store)

	for _, dir := range []string{"A", "B"} {
		if _, _, err := h.AddElement(ctx, "/"+dir, meta.New(dir, true)); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	src := meta.New("x", false)
	src.DataMap.Content = make([]byte, 10)
	src.SetSize(10)
	if _, _, err := h.AddElement(ctx, "/A/x", src); err != nil {
		t.Fatalf("add /A/x: %v", err)
	}

	// The colliding target carries real chunks so their deletion is
	// observable.
	target := meta.New("x", false)
	enc := selfenc.NewSelfEncryptor(target.DataMap, store)
	target.DataMap.ChunkSize = 1 << 12
	payload := make([]byte, 3*(1<<12))
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := enc.WriteAt(ctx, payload, 0); err != nil {
		t.Fatalf("write target: %v", err)
	}
	if err := enc.Flush(ctx); err != nil {
		t.Fatalf("flush target: %v", err)
	}
	target.SetSize(uint64(len(payload)))
	if _, _, err := h.AddElement(ctx, "/B/x", target); err != nil {
		t.Fatalf("add /B/x: %v", err)
	}
	targetChunks := len(target.DataMap.Chunks)
	if targetChunks == 0 {
		t.Fatal("test target must have chunks")
	}

	reclaimed, err := h.RenameElement(ctx, "/A/x", "/B/x", &src)
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if reclaimed != int64(len(payload)) {
		t.Fatalf("reclaimed = %d want %d", reclaimed, len(payload))
	}

	a, _ := h.GetFromPath(ctx, "/A")
	if a.Listing.HasChild("x") {
		t.Fatal("/A/x still present")
	}
	b, _ := h.GetFromPath(ctx, "/B")
	got, err := b.Listing.GetChild("x")
	if err != nil {
		t.Fatalf("/B/x: %v", err)
	}
	if got.EndOfFile != 10 {
		t.Fatalf("/B/x size = %d, want the moved file's 10", got.EndOfFile)
	}

	// The displaced target's chunks are gone.
	for _, chunk := range target.DataMap.Chunks {
		name, _ := blob.IdentityFromBytes(chunk.Hash)
		if ok, _ := store.Exists(ctx, name); ok {
			t.Fatal("displaced target chunk survived")
		}
	}
}

func TestRenameDirectoryCrossParentRehomes(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, blob.NewMemoryStore(0))

	for _, dir := range []string{"A", "B"} {
		if _, _, err := h.AddElement(ctx, "/"+dir, meta.New(dir, true)); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	if _, _, err := h.AddElement(ctx, "/A/sub", meta.New("sub", true)); err != nil {
		t.Fatalf("mkdir /A/sub: %v", err)
	}
	if _, _, err := h.AddElement(ctx, "/A/sub/leaf.txt", meta.New("leaf.txt", false)); err != nil {
		t.Fatalf("add leaf: %v", err)
	}

	a, _ := h.GetFromPath(ctx, "/A")
	m, _ := a.Listing.GetChild("sub")
	if _, err := h.RenameElement(ctx, "/A/sub", "/B/sub", &m); err != nil {
		t.Fatalf("rename dir: %v", err)
	}

	// The directory is reachable at the new path with its children intact,
	// and its node decrypts under the new parent's id.
	moved, err := h.GetFromPath(ctx, "/B/sub")
	if err != nil {
		t.Fatalf("moved lookup: %v", err)
	}
	if !moved.Listing.HasChild("leaf.txt") {
		t.Fatal("child lost in move")
	}
	b, _ := h.GetFromPath(ctx, "/B")
	if moved.ParentID != b.Listing.DirectoryID() {
		t.Fatal("parent back-reference not re-homed")
	}
	if _, err := h.GetFromPath(ctx, "/A/sub"); !xerrors.Is(err, xerrors.KindNotFound) {
		t.Fatalf("old path: %v", err)
	}
}

func TestRenameCannotDisplaceNonEmptyDirectory(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, blob.NewMemoryStore(0))

	if _, _, err := h.AddElement(ctx, "/full", meta.New("full", true)); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, _, err := h.AddElement(ctx, "/full/child", meta.New("child", false)); err != nil {
		t.Fatalf("populate: %v", err)
	}
	m := meta.New("src", false)
	if _, _, err := h.AddElement(ctx, "/src", m); err != nil {
		t.Fatalf("add src: %v", err)
	}

	if _, err := h.RenameElement(ctx, "/src", "/full", &m); !xerrors.Is(err, xerrors.KindPermission) {
		t.Fatalf("displacing non-empty dir: %v", err)
	}
	// The source is untouched.
	if _, _, err := h.AddElement(ctx, "/src", meta.New("src", false)); !xerrors.Is(err, xerrors.KindAlreadyExists) {
		t.Fatalf("src after failed rename: %v", err)
	}

	// An empty directory target may be displaced.
	if _, _, err := h.AddElement(ctx, "/empty", meta.New("empty", true)); err != nil {
		t.Fatalf("mkdir empty: %v", err)
	}
	if _, err := h.RenameElement(ctx, "/src", "/empty", &m); err != nil {
		t.Fatalf("displacing empty dir: %v", err)
	}
	got, _, _, err := metaAt(ctx, h, "/empty")
	if err != nil || got.IsDirectory() {
		t.Fatalf("target after rename: %+v %v", got, err)
	}
}

func metaAt(ctx context.Context, h *Handler, relPath string) (meta.MetaData, blob.Identity, blob.Identity, error) {
	parent, err := h.GetFromPath(ctx, ParentPath(relPath))
	if err != nil {
		return meta.MetaData{}, blob.Identity{}, blob.Identity{}, err
	}
	m, err := parent.Listing.GetChild(BaseName(relPath))
	return m, parent.ParentID, parent.Listing.DirectoryID(), err
}

func TestRenameConservesChildren(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, blob.NewMemoryStore(0))

	names := []string{"a", "b", "c"}
	for _, n := range names {
		if _, _, err := h.AddElement(ctx, "/"+n, meta.New(n, false)); err != nil {
			t.Fatalf("add %s: %v", n, err)
		}
	}
	root, _ := h.GetFromPath(ctx, "/")
	m, _ := root.Listing.GetChild("b")
	if _, err := h.RenameElement(ctx, "/b", "/d", &m); err != nil {
		t.Fatalf("rename: %v", err)
	}
	root, _ = h.GetFromPath(ctx, "/")
	want := map[string]bool{"a": true, "c": true, "d": true}
	if root.Listing.Len() != len(want) {
		t.Fatalf("child count = %d", root.Listing.Len())
	}
	for n := range want {
		if !root.Listing.HasChild(n) {
			t.Fatalf("child %q missing", n)
		}
	}
}

func TestUpdateParentDirectoryListing(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, blob.NewMemoryStore(0))

	m := meta.New("f.bin", false)
	if _, _, err := h.AddElement(ctx, "/f.bin", m); err != nil {
		t.Fatalf("add: %v", err)
	}
	m.SetSize(4096)
	if err := h.UpdateParentDirectoryListing(ctx, "/", m); err != nil {
		t.Fatalf("update: %v", err)
	}
	root, _ := h.GetFromPath(ctx, "/")
	got, _ := root.Listing.GetChild("f.bin")
	if got.EndOfFile != 4096 {
		t.Fatalf("size = %d", got.EndOfFile)
	}
}

func TestPolicyProtectsRootSlots(t *testing.T) {
	h := newHandler(t, blob.NewMemoryStore(0))
	if h.CanAdd("/") || h.CanAdd("") || h.CanDelete("/") || h.CanRename("/", "/x") {
		t.Fatal("root slots must be protected")
	}
	if !h.CanAdd("/a") || !h.CanDelete("/a/b") || !h.CanRename("/a", "/b") {
		t.Fatal("ordinary paths must be writeable")
	}
}

func TestAddRejectsReservedNames(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, blob.NewMemoryStore(0))
	for _, name := range []string{"con", "lpt3", "nu<l"} {
		_, _, err := h.AddElement(ctx, "/"+name, meta.New(name, false))
		if !xerrors.Is(err, xerrors.KindInvalid) {
			t.Fatalf("reserved %q: %v", name, err)
		}
	}
}
