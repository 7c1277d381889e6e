package drive

import (
	"context"

	"github.com/vaultfs/vaultfs/pkg/tree"
	"github.com/vaultfs/vaultfs/pkg/xerrors"
)

// Notes are opaque byte strings attached to any entry, kept in order.

// GetNotes returns a copy of the notes on the entry at relPath.
func (d *Drive) GetNotes(ctx context.Context, relPath string) ([][]byte, error) {
	d.apiMu.Lock()
	defer d.apiMu.Unlock()
	m, _, _, err := d.getMetaData(ctx, relPath)
	if err != nil {
		return nil, err
	}
	notes := make([][]byte, len(m.Notes))
	for i, n := range m.Notes {
		notes[i] = append([]byte(nil), n...)
	}
	return notes, nil
}

// AddNote appends note to the entry at relPath and persists the parent.
func (d *Drive) AddNote(ctx context.Context, relPath string, note []byte) error {
	if len(note) == 0 {
		return xerrors.E(xerrors.KindInvalid, "add note", relPath)
	}
	d.apiMu.Lock()
	defer d.apiMu.Unlock()
	m, _, _, err := d.getMetaData(ctx, relPath)
	if err != nil {
		return err
	}
	m.Notes = append(m.Notes, append([]byte(nil), note...))
	return d.handler.UpdateParentDirectoryListing(ctx, tree.ParentPath(relPath), m)
}
