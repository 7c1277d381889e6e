package drive

import (
	"context"

	"github.com/vaultfs/vaultfs/pkg/blob"
	"github.com/vaultfs/vaultfs/pkg/meta"
	"github.com/vaultfs/vaultfs/pkg/selfenc"
	"github.com/vaultfs/vaultfs/pkg/tree"
	"github.com/vaultfs/vaultfs/pkg/xerrors"
)

// DataMap transfer: a file's serialized DataMap can be handed to another
// client, which inserts it into its own tree without re-uploading chunks.

// GetDataMap serializes the DataMap of the file at relPath.
func (d *Drive) GetDataMap(ctx context.Context, relPath string) ([]byte, error) {
	d.apiMu.Lock()
	defer d.apiMu.Unlock()
	return d.readDataMap(ctx, relPath)
}

// GetDataMapHidden is the hidden-file entry point. It behaves identically
// to GetDataMap.
func (d *Drive) GetDataMapHidden(ctx context.Context, relPath string) ([]byte, error) {
	d.apiMu.Lock()
	defer d.apiMu.Unlock()
	return d.readDataMap(ctx, relPath)
}

func (d *Drive) readDataMap(ctx context.Context, relPath string) ([]byte, error) {
	if tree.CleanPath(relPath) == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "get data map", relPath)
	}
	m, _, _, err := d.getMetaData(ctx, relPath)
	if err != nil {
		return nil, err
	}
	if m.DataMap == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "get data map", relPath)
	}
	raw, err := selfenc.SerializeDataMap(m.DataMap)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindParsing, "get data map", relPath, err)
	}
	return raw, nil
}

// InsertDataMap creates a file at relPath from a serialized DataMap
// received from elsewhere. No encryptor is constructed; the first open
// attaches one.
func (d *Drive) InsertDataMap(ctx context.Context, relPath string, serialized []byte) error {
	if tree.CleanPath(relPath) == "" {
		return xerrors.E(xerrors.KindInvalid, "insert data map", relPath)
	}
	dataMap, err := selfenc.ParseDataMap(serialized)
	if err != nil {
		return xerrors.Wrap(xerrors.KindParsing, "insert data map", relPath, err)
	}
	m := meta.New(tree.BaseName(relPath), false)
	m.DataMap = dataMap
	m.SetSize(dataMap.Size())
	_, _, err = d.AddFile(ctx, relPath, m)
	return err
}

// ChunkNames lists the store keys of the chunks behind the file at
// relPath. Diagnostic surface for usage accounting.
func (d *Drive) ChunkNames(ctx context.Context, relPath string) ([]blob.Identity, error) {
	d.apiMu.Lock()
	defer d.apiMu.Unlock()
	m, _, _, err := d.getMetaData(ctx, relPath)
	if err != nil {
		return nil, err
	}
	if m.DataMap == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "chunk names", relPath)
	}
	names := make([]blob.Identity, 0, len(m.DataMap.Chunks))
	for _, chunk := range m.DataMap.Chunks {
		name, err := blob.IdentityFromBytes(chunk.Hash)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindParsing, "chunk names", relPath, err)
		}
		names = append(names, name)
	}
	return names, nil
}
