package meta

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/vaultfs/vaultfs/pkg/blob"
)

// ErrChildExists and ErrChildMissing are the listing's sentinel errors.
var (
	ErrChildExists  = fmt.Errorf("meta: child exists")
	ErrChildMissing = fmt.Errorf("meta: child missing")
)

// DirectoryListing is the ordered child set of one directory. Children sort
// case-insensitively by name with code-point order breaking ties; two names
// differing only in case occupy the same slot and collide.
type DirectoryListing struct {
	directoryID blob.Identity
	children    []MetaData
	cursor      int
}

// NewDirectoryListing creates an empty listing for the given directory id.
func NewDirectoryListing(directoryID blob.Identity) *DirectoryListing {
	return &DirectoryListing{directoryID: directoryID}
}

// DirectoryID returns the listing's identity, which doubles as its store key.
func (l *DirectoryListing) DirectoryID() blob.Identity { return l.directoryID }

// nameLess orders names case-insensitively, ties broken by code point.
func nameLess(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != lb {
		return la < lb
	}
	return a < b
}

// nameEqualFold is the collision rule: names equal under case folding refer
// to the same child.
func nameEqualFold(a, b string) bool { return strings.EqualFold(a, b) }

// find locates the child matching name under case folding.
func (l *DirectoryListing) find(name string) (int, bool) {
	lname := strings.ToLower(name)
	i := sort.Search(len(l.children), func(i int) bool {
		return strings.ToLower(l.children[i].Name) >= lname
	})
	if i < len(l.children) && nameEqualFold(l.children[i].Name, name) {
		return i, true
	}
	return i, false
}

// AddChild inserts a child, keeping order. A name already present (under
// case folding) is rejected.
func (l *DirectoryListing) AddChild(m MetaData) error {
	if err := m.Validate(); err != nil {
		return err
	}
	i, found := l.find(m.Name)
	if found {
		return fmt.Errorf("%w: %s", ErrChildExists, m.Name)
	}
	child := m.Clone()
	l.children = append(l.children, MetaData{})
	copy(l.children[i+1:], l.children[i:])
	l.children[i] = child
	return nil
}

// RemoveChild removes the child named like m.
func (l *DirectoryListing) RemoveChild(m MetaData) error {
	return l.RemoveChildByName(m.Name)
}

// RemoveChildByName removes the child matching name under case folding.
func (l *DirectoryListing) RemoveChildByName(name string) error {
	i, found := l.find(name)
	if !found {
		return fmt.Errorf("%w: %s", ErrChildMissing, name)
	}
	l.children = append(l.children[:i], l.children[i+1:]...)
	if l.cursor > len(l.children) {
		l.cursor = len(l.children)
	}
	return nil
}

// GetChild returns a copy of the child matching name.
func (l *DirectoryListing) GetChild(name string) (MetaData, error) {
	i, found := l.find(name)
	if !found {
		return MetaData{}, fmt.Errorf("%w: %s", ErrChildMissing, name)
	}
	return l.children[i].Clone(), nil
}

// HasChild reports whether a child matching name exists.
func (l *DirectoryListing) HasChild(name string) bool {
	_, found := l.find(name)
	return found
}

// UpdateChild replaces the child record matching m.Name.
func (l *DirectoryListing) UpdateChild(m MetaData) error {
	if err := m.Validate(); err != nil {
		return err
	}
	i, found := l.find(m.Name)
	if !found {
		return fmt.Errorf("%w: %s", ErrChildMissing, m.Name)
	}
	l.children[i] = m.Clone()
	return nil
}

// Empty reports whether the listing has no children.
func (l *DirectoryListing) Empty() bool { return len(l.children) == 0 }

// Len reports the child count, hidden children included.
func (l *DirectoryListing) Len() int { return len(l.children) }

// ResetCursor rewinds child iteration.
func (l *DirectoryListing) ResetCursor() { l.cursor = 0 }

// NextVisibleChild yields the next non-hidden child in order, advancing the
// cursor. ok is false once exhausted.
func (l *DirectoryListing) NextVisibleChild() (MetaData, bool) {
	for l.cursor < len(l.children) {
		child := &l.children[l.cursor]
		l.cursor++
		if child.IsHidden() {
			continue
		}
		return child.Clone(), true
	}
	return MetaData{}, false
}

// VisibleChildren returns copies of all non-hidden children in order.
func (l *DirectoryListing) VisibleChildren() []MetaData {
	out := make([]MetaData, 0, len(l.children))
	for i := range l.children {
		if l.children[i].IsHidden() {
			continue
		}
		out = append(out, l.children[i].Clone())
	}
	return out
}

// HiddenChildNames returns the names of hidden children in order.
func (l *DirectoryListing) HiddenChildNames() []string {
	var out []string
	for i := range l.children {
		if l.children[i].IsHidden() {
			out = append(out, l.children[i].Name)
		}
	}
	return out
}

// Clone deep-copies the listing. The cursor resets.
func (l *DirectoryListing) Clone() *DirectoryListing {
	out := &DirectoryListing{directoryID: l.directoryID}
	out.children = make([]MetaData, len(l.children))
	for i := range l.children {
		out.children[i] = l.children[i].Clone()
	}
	return out
}

type listingRecord struct {
	DirectoryID []byte     `cbor:"1,keyasint"`
	Children    []MetaData `cbor:"2,keyasint,omitempty"`
}

// Serialize encodes the listing.
func (l *DirectoryListing) Serialize() ([]byte, error) {
	return cbor.Marshal(listingRecord{
		DirectoryID: l.directoryID[:],
		Children:    l.children,
	})
}

// ParseDirectoryListing decodes bytes produced by Serialize. Children are
// re-sorted rather than trusted, so the ordering invariant holds for any
// parseable input.
func ParseDirectoryListing(data []byte) (*DirectoryListing, error) {
	var rec listingRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("meta: parse listing: %w", err)
	}
	id, err := blob.IdentityFromBytes(rec.DirectoryID)
	if err != nil {
		return nil, fmt.Errorf("meta: parse listing: %w", err)
	}
	l := &DirectoryListing{directoryID: id, children: rec.Children}
	sort.Slice(l.children, func(i, j int) bool {
		return nameLess(l.children[i].Name, l.children[j].Name)
	})
	return l, nil
}
