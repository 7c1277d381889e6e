package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vaultfs/vaultfs/pkg/blob"
	"github.com/vaultfs/vaultfs/pkg/drive"
	"github.com/vaultfs/vaultfs/pkg/server/fuse"
	"github.com/vaultfs/vaultfs/pkg/server/nfs"
	"github.com/vaultfs/vaultfs/pkg/session"
)

var cfgFile string

type app struct {
	ctx   context.Context
	store blob.Store
	drive *drive.Drive
}

var application app

func (a *app) ensureDrive() error {
	if a.drive != nil {
		return nil
	}
	creds := session.Credentials{
		Keyword:  viper.GetString("keyword"),
		Pin:      viper.GetString("pin"),
		Password: viper.GetString("password"),
	}
	if err := creds.Validate(); err != nil {
		return errors.New("keyword, pin and password are required (flags or VAULTFS_* env)")
	}

	store, err := blob.Open(blob.Config{
		Backend:  viper.GetString("store_backend"),
		Path:     viper.GetString("store_path"),
		MaxBytes: viper.GetInt64("store_max_bytes"),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	d, err := drive.New(a.ctx, store, creds, drive.Config{
		CacheSize: viper.GetInt("cache_size"),
		CacheTTL:  viper.GetDuration("cache_ttl"),
	})
	if err != nil {
		store.Close()
		return err
	}
	a.store = store
	a.drive = d
	return nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}

var rootCmd = &cobra.Command{
	Use:           "vaultfs",
	Short:         "Content-addressed encrypted drive",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initConfig()
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	application.ctx = ctx
	defer application.close()

	initRootFlags()
	initCommands()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vaultfs: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("vaultfs")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "vaultfs"))
		}
	}
	viper.SetEnvPrefix("VAULTFS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	rootCmd.PersistentFlags().String("keyword", "", "credential keyword")
	rootCmd.PersistentFlags().String("pin", "", "credential pin")
	rootCmd.PersistentFlags().String("password", "", "credential password")

	rootCmd.PersistentFlags().String("store-backend", "bolt", "blob store backend: memory|bolt|badger")
	rootCmd.PersistentFlags().String("store-path", ".vaultfs/blobs.db", "blob store location")
	rootCmd.PersistentFlags().Int64("store-max-bytes", 0, "advertised disk usage bound (0 = unbounded)")

	rootCmd.PersistentFlags().Int("cache-size", 0, "decoded listing cache entries (0 picks a default)")
	rootCmd.PersistentFlags().Duration("cache-ttl", 5*time.Second, "listing cache entry lifetime")

	bindConfig("keyword", rootCmd.PersistentFlags().Lookup("keyword"))
	bindConfig("pin", rootCmd.PersistentFlags().Lookup("pin"))
	bindConfig("password", rootCmd.PersistentFlags().Lookup("password"))
	bindConfig("store_backend", rootCmd.PersistentFlags().Lookup("store-backend"))
	bindConfig("store_path", rootCmd.PersistentFlags().Lookup("store-path"))
	bindConfig("store_max_bytes", rootCmd.PersistentFlags().Lookup("store-max-bytes"))
	bindConfig("cache_size", rootCmd.PersistentFlags().Lookup("cache-size"))
	bindConfig("cache_ttl", rootCmd.PersistentFlags().Lookup("cache-ttl"))
}

func initCommands() {
	rootCmd.AddCommand(
		newInitCmd(),
		newLsCmd(),
		newMkdirCmd(),
		newPutCmd(),
		newCatCmd(),
		newRmCmd(),
		newMvCmd(),
		newNoteCmd(),
		newDataMapCmd(),
		newHiddenCmd(),
		newStatusCmd(),
		newMountFuseCmd(),
		newServeNFSCmd(),
	)
}

func withDrive(run func(ctx context.Context, d *drive.Drive, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := application.ensureDrive(); err != nil {
			return err
		}
		return run(application.ctx, application.drive, args)
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or recover the root from the credentials",
		Args:  cobra.NoArgs,
		RunE: withDrive(func(ctx context.Context, d *drive.Drive, args []string) error {
			fmt.Printf("user id:        %s\n", d.UniqueUserID())
			fmt.Printf("root parent id: %s\n", d.RootParentID())
			return nil
		}),
	}
}

func newLsCmd() *cobra.Command {
	var hidden bool
	cmd := &cobra.Command{
		Use:   "ls <path>",
		Short: "List directory contents",
		Args:  cobra.ExactArgs(1),
		RunE: withDrive(func(ctx context.Context, d *drive.Drive, args []string) error {
			if hidden {
				names, err := d.SearchHiddenFiles(ctx, args[0])
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Println(name)
				}
				return nil
			}
			entries, err := d.ListDirectory(ctx, args[0])
			if err != nil {
				return err
			}
			for _, entry := range entries {
				if entry.IsDirectory() {
					fmt.Printf("%s/\n", entry.Name)
				} else if entry.LinkTo != "" {
					fmt.Printf("%s -> %s\n", entry.Name, entry.LinkTo)
				} else {
					fmt.Printf("%s\t%d\n", entry.Name, entry.EndOfFile)
				}
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&hidden, "hidden", false, "list hidden entries instead")
	return cmd
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: withDrive(func(ctx context.Context, d *drive.Drive, args []string) error {
			_, err := d.MakeDirectory(ctx, args[0])
			return err
		}),
	}
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <local> <path>",
		Short: "Copy a local file into the drive ('-' reads stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: withDrive(func(ctx context.Context, d *drive.Drive, args []string) error {
			var src io.Reader = os.Stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			}
			data, err := io.ReadAll(src)
			if err != nil {
				return err
			}
			fc, err := d.CreateFile(ctx, args[1])
			if err != nil {
				return err
			}
			if _, err := fc.Write(ctx, data, 0); err != nil {
				fc.Close(ctx)
				return err
			}
			return fc.Close(ctx)
		}),
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print the file contents",
		Args:  cobra.ExactArgs(1),
		RunE: withDrive(func(ctx context.Context, d *drive.Drive, args []string) error {
			fc, err := d.OpenFile(ctx, args[0])
			if err != nil {
				return err
			}
			defer fc.Close(ctx)
			buf := make([]byte, fc.Size())
			if _, err := fc.Read(ctx, buf, 0); err != nil {
				return err
			}
			_, err = os.Stdout.Write(buf)
			return err
		}),
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Remove a file or empty directory",
		Args:  cobra.ExactArgs(1),
		RunE: withDrive(func(ctx context.Context, d *drive.Drive, args []string) error {
			if m, _, _, err := d.GetMetaData(ctx, args[0]); err == nil && m.IsDirectory() {
				entries, err := d.ListDirectory(ctx, args[0])
				if err != nil {
					return err
				}
				hidden, err := d.SearchHiddenFiles(ctx, args[0])
				if err != nil {
					return err
				}
				if len(entries)+len(hidden) > 0 {
					return fmt.Errorf("rm %s: directory not empty", args[0])
				}
			}
			return d.RemoveFile(ctx, args[0])
		}),
	}
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <old> <new>",
		Short: "Rename or move an entry",
		Args:  cobra.ExactArgs(2),
		RunE: withDrive(func(ctx context.Context, d *drive.Drive, args []string) error {
			m, _, _, err := d.GetMetaData(ctx, args[0])
			if err != nil {
				return err
			}
			reclaimed, err := d.RenameFile(ctx, args[0], args[1], &m)
			if err != nil {
				return err
			}
			if reclaimed > 0 {
				fmt.Fprintf(os.Stderr, "reclaimed %d bytes\n", reclaimed)
			}
			return nil
		}),
	}
}

func newNoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Attach or list entry notes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <path> <note>",
		Short: "Append a note to an entry",
		Args:  cobra.ExactArgs(2),
		RunE: withDrive(func(ctx context.Context, d *drive.Drive, args []string) error {
			return d.AddNote(ctx, args[0], []byte(args[1]))
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "ls <path>",
		Short: "List an entry's notes",
		Args:  cobra.ExactArgs(1),
		RunE: withDrive(func(ctx context.Context, d *drive.Drive, args []string) error {
			notes, err := d.GetNotes(ctx, args[0])
			if err != nil {
				return err
			}
			for _, note := range notes {
				fmt.Printf("%s\n", note)
			}
			return nil
		}),
	})
	return cmd
}

func newDataMapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "datamap",
		Short: "Export or import file data maps",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "export <path> <file>",
		Short: "Write the file's serialized data map to a local file ('-' for stdout)",
		Args:  cobra.ExactArgs(2),
		RunE: withDrive(func(ctx context.Context, d *drive.Drive, args []string) error {
			raw, err := d.GetDataMap(ctx, args[0])
			if err != nil {
				return err
			}
			if args[1] == "-" {
				_, err = os.Stdout.Write(raw)
				return err
			}
			return os.WriteFile(args[1], raw, 0o600)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file> <path>",
		Short: "Create a drive file from a serialized data map",
		Args:  cobra.ExactArgs(2),
		RunE: withDrive(func(ctx context.Context, d *drive.Drive, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return d.InsertDataMap(ctx, args[1], raw)
		}),
	})
	return cmd
}

func newHiddenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hidden",
		Short: "Read and write hidden (.ms_hidden) files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "write <path>",
		Short: "Write stdin to a hidden file",
		Args:  cobra.ExactArgs(1),
		RunE: withDrive(func(ctx context.Context, d *drive.Drive, args []string) error {
			content, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			return d.WriteHiddenFile(ctx, args[0], content, true)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "read <path>",
		Short: "Print a hidden file",
		Args:  cobra.ExactArgs(1),
		RunE: withDrive(func(ctx context.Context, d *drive.Drive, args []string) error {
			content, err := d.ReadHiddenFile(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(content)
			return err
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a hidden file",
		Args:  cobra.ExactArgs(1),
		RunE: withDrive(func(ctx context.Context, d *drive.Drive, args []string) error {
			return d.DeleteHiddenFile(ctx, args[0])
		}),
	})
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report store usage",
		Args:  cobra.NoArgs,
		RunE: withDrive(func(ctx context.Context, d *drive.Drive, args []string) error {
			fmt.Printf("used bytes: %d\n", d.CurrentDiskUsage())
			if max := d.MaxDiskUsage(); max > 0 {
				fmt.Printf("max bytes:  %d\n", max)
			}
			return nil
		}),
	}
}

func newMountFuseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount the drive via FUSE",
		Args:  cobra.ExactArgs(1),
		RunE: withDrive(func(ctx context.Context, d *drive.Drive, args []string) error {
			fmt.Fprintf(os.Stderr, "Mounting at %s\n", args[0])
			return fuse.Mount(ctx, d, args[0])
		}),
	}
}

func newServeNFSCmd() *cobra.Command {
	var export string
	var handleCache int
	cmd := &cobra.Command{
		Use:   "serve-nfs <addr>",
		Short: "Export the drive over NFS",
		Args:  cobra.ExactArgs(1),
		RunE: withDrive(func(ctx context.Context, d *drive.Drive, args []string) error {
			fmt.Fprintf(os.Stderr, "Serving NFS on %s (export %s)\n", args[0], export)
			return nfs.ServeWithOptions(ctx, d, args[0], nfs.Options{
				Export:      export,
				HandleCache: handleCache,
			})
		}),
	}
	cmd.Flags().StringVar(&export, "export", "/", "subtree to export")
	cmd.Flags().IntVar(&handleCache, "handle-cache", 1024, "NFS handle cache entries")
	return cmd
}
