package meta

import (
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/vaultfs/vaultfs/pkg/blob"
	"github.com/vaultfs/vaultfs/pkg/selfenc"
)

// HiddenExtension marks files excluded from normal enumeration. It is the
// sole reserved filename extension.
const HiddenExtension = ".ms_hidden"

const (
	// DirectoryAllocationSize is the synthetic size reported for directories.
	DirectoryAllocationSize = 4096

	defaultBlockSize = 4096

	modeDir  = 0o040000 | 0o755
	modeFile = 0o644
)

// MetaData is the per-entry record stored inside a directory listing. A
// record describes either a file (DataMap set) or a directory (DirectoryID
// set), never both.
type MetaData struct {
	Name string `cbor:"1,keyasint"`

	CreationTime   time.Time `cbor:"2,keyasint"`
	LastAccessTime time.Time `cbor:"3,keyasint"`
	LastWriteTime  time.Time `cbor:"4,keyasint"`
	ChangeTime     time.Time `cbor:"5,keyasint"`

	EndOfFile      uint64 `cbor:"6,keyasint"`
	AllocationSize uint64 `cbor:"7,keyasint"`

	Mode      uint32 `cbor:"8,keyasint"`
	Nlink     uint32 `cbor:"9,keyasint"`
	UID       uint32 `cbor:"10,keyasint"`
	GID       uint32 `cbor:"11,keyasint"`
	Rdev      uint32 `cbor:"12,keyasint"`
	BlockSize uint32 `cbor:"13,keyasint"`
	Blocks    uint64 `cbor:"14,keyasint"`

	DataMap     *selfenc.DataMap `cbor:"15,keyasint,omitempty"`
	DirectoryID []byte           `cbor:"16,keyasint,omitempty"`

	Notes  [][]byte `cbor:"17,keyasint,omitempty"`
	LinkTo string   `cbor:"18,keyasint,omitempty"`
}

// New builds a MetaData for a fresh file or directory named name. Directory
// records draw a fresh DirectoryID; file records carry an empty DataMap.
func New(name string, isDirectory bool) MetaData {
	now := time.Now().UTC()
	m := MetaData{
		Name:           name,
		CreationTime:   now,
		LastAccessTime: now,
		LastWriteTime:  now,
		ChangeTime:     now,
		BlockSize:      defaultBlockSize,
	}
	if isDirectory {
		id := blob.NewRandomIdentity()
		m.DirectoryID = id[:]
		m.Mode = modeDir
		m.Nlink = 2
		m.EndOfFile = DirectoryAllocationSize
		m.AllocationSize = DirectoryAllocationSize
	} else {
		m.DataMap = selfenc.NewDataMap()
		m.Mode = modeFile
		m.Nlink = 1
	}
	return m
}

// IsDirectory reports whether the record names a directory.
func (m *MetaData) IsDirectory() bool { return len(m.DirectoryID) != 0 }

// IsHidden reports whether the record carries the reserved hidden extension.
func (m *MetaData) IsHidden() bool {
	return strings.HasSuffix(strings.ToLower(m.Name), HiddenExtension)
}

// Directory returns the DirectoryID as a store identity.
func (m *MetaData) Directory() (blob.Identity, error) {
	return blob.IdentityFromBytes(m.DirectoryID)
}

// Validate checks the structural invariant: a name component plus exactly
// one of DataMap / DirectoryID.
func (m *MetaData) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("meta: empty name")
	}
	if strings.ContainsRune(m.Name, '/') && m.Name != "/" {
		return fmt.Errorf("meta: name %q is not a single component", m.Name)
	}
	hasMap := m.DataMap != nil
	hasDir := len(m.DirectoryID) != 0
	if hasMap == hasDir {
		return fmt.Errorf("meta: %q must have exactly one of data map and directory id", m.Name)
	}
	if hasDir && len(m.DirectoryID) != blob.IdentitySize {
		return fmt.Errorf("meta: %q has malformed directory id", m.Name)
	}
	return nil
}

// UpdateLastModified stamps the write and change times with the current
// instant.
func (m *MetaData) UpdateLastModified() {
	now := time.Now().UTC()
	m.LastWriteTime = now
	m.ChangeTime = now
}

// SetSize records a new file size in both size fields and the block count.
func (m *MetaData) SetSize(size uint64) {
	m.EndOfFile = size
	m.AllocationSize = size
	if m.BlockSize != 0 {
		m.Blocks = (size + uint64(m.BlockSize) - 1) / uint64(m.BlockSize)
	}
}

// AllocatedSize is the space accounted to the record, reported as reclaimed
// space when a rename displaces it.
func (m *MetaData) AllocatedSize() uint64 { return m.AllocationSize }

// Clone deep-copies the record. Handles operate on clones and write back
// explicitly; nothing shares the embedded DataMap.
func (m *MetaData) Clone() MetaData {
	out := *m
	out.DataMap = m.DataMap.Clone()
	if m.DirectoryID != nil {
		out.DirectoryID = append([]byte(nil), m.DirectoryID...)
	}
	if m.Notes != nil {
		out.Notes = make([][]byte, len(m.Notes))
		for i, n := range m.Notes {
			out.Notes[i] = append([]byte(nil), n...)
		}
	}
	return out
}

// Serialize encodes the record.
func (m *MetaData) Serialize() ([]byte, error) {
	return cbor.Marshal(m)
}

// ParseMetaData decodes bytes produced by Serialize.
func ParseMetaData(data []byte) (MetaData, error) {
	var m MetaData
	if err := cbor.Unmarshal(data, &m); err != nil {
		return MetaData{}, fmt.Errorf("meta: parse: %w", err)
	}
	return m, nil
}
