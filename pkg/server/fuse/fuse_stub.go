//go:build !linux

package fuse

import (
	"context"
	"fmt"

	"github.com/vaultfs/vaultfs/pkg/drive"
)

// Mount exposes d at mountpoint. Only supported on linux builds.
func Mount(ctx context.Context, d *drive.Drive, mountpoint string) error {
	return fmt.Errorf("fuse mount not supported in this build")
}
