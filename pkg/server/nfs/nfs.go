// Package nfs exports a drive over NFSv3.
package nfs

import (
	"context"
	"fmt"
	"net"
	"strings"

	nfsproto "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"github.com/vaultfs/vaultfs/pkg/billyfs"
	"github.com/vaultfs/vaultfs/pkg/drive"
)

// Options control the exported NFS service.
type Options struct {
	// Export is the subtree presented to clients (default "/").
	Export string
	// HandleCache controls how many active file handles are cached (default 1024).
	HandleCache int
}

// Serve exposes d over NFS at addr using default options.
func Serve(ctx context.Context, d *drive.Drive, addr string) error {
	return ServeWithOptions(ctx, d, addr, Options{})
}

// ServeWithOptions exposes d over NFS with custom options. The call blocks
// until ctx is cancelled or the listener fails.
func ServeWithOptions(ctx context.Context, d *drive.Drive, addr string, opts Options) error {
	if d == nil {
		return fmt.Errorf("nfs: drive is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if addr == "" {
		addr = ":2049"
	}
	export := strings.TrimSpace(opts.Export)
	if export == "" {
		export = "/"
	}
	cacheSize := opts.HandleCache
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	bfs, err := billyfs.New(ctx, d, export)
	if err != nil {
		return fmt.Errorf("nfs: %w", err)
	}
	handler := nfshelper.NewNullAuthHandler(bfs)
	handler = nfshelper.NewCachingHandler(handler, cacheSize)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("nfs: listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	d.SetMountState(true)
	defer d.Unmount()
	srv := &nfsproto.Server{
		Handler: handler,
		Context: ctx,
	}
	return srv.Serve(l)
}
