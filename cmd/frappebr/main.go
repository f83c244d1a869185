package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/itsdave-de/frappebr/internal/app"
	"github.com/itsdave-de/frappebr/internal/bench"
	"github.com/itsdave-de/frappebr/internal/br"
	"github.com/itsdave-de/frappebr/internal/config"
)

const (
	passphraseEnv = "FRAPPEBR_PASSPHRASE"
	dbPasswordEnv = "FRAPPEBR_MARIADB_ROOT_PASSWORD"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if br.IsCancelled(err) || errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

// newApp reads the config and creates a BRApp named after the command path.
// The caller must defer app.Close().
func newApp(cmd *cobra.Command, args []string) (*app.BRApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config (run `frappebr config init` first): %w", err)
	}
	operation := strings.TrimPrefix(cmd.CommandPath(), rootCmd.Name()+" ")
	a, err := app.NewBRApp(cmd.Context(), cfg, operation, strings.Join(args, " "))
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// withApp runs fn with a wired app and a context bounded by the transfer
// timeout. Close errors are reported after fn's own error.
func withApp(cmd *cobra.Command, args []string, fn func(ctx context.Context, a *app.BRApp) error) (err error) {
	a, err := newApp(cmd, args)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	ctx, cancel := a.Context(cmd.Context())
	defer cancel()
	return fn(ctx, a)
}

// optionalTimestamp returns args[i] or "latest".
func optionalTimestamp(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return br.Latest
}

var rootCmd = &cobra.Command{
	Use:           "frappebr",
	Short:         "Discover, transfer and restore Frappe backups over SSH",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}
		cfg := config.NewConfig(defaults.BaseDir, defaults.Home)
		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("initializing config: %w", err)
		}
		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		fmt.Printf("Backups:  %s\n", cfg.Storage.Root)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults.ConfigPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		if cfg.Mirror.S3SecretKey != "" {
			cfg.Mirror.S3SecretKey = "********"
		}
		fmt.Printf("# %s\n", defaults.ConfigPath)
		return config.Write(os.Stdout, cfg)
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the mirror encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the age key pair, protected by a passphrase",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, nil, func(ctx context.Context, a *app.BRApp) error {
			passphrase, err := readNewPassphrase()
			if err != nil {
				return err
			}
			if err := a.SetupKeys(passphrase); err != nil {
				return fmt.Errorf("generating keys: %w", err)
			}
			fmt.Println("Keys generated. Keep the passphrase safe: mirrored sets cannot be pulled without it.")
			return nil
		})
	},
}

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "List hosts from the ssh config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, args, func(ctx context.Context, a *app.BRApp) error {
			hosts := a.Hosts()
			if len(hosts) == 0 {
				fmt.Println("No hosts configured.")
				return nil
			}
			for _, h := range hosts {
				fmt.Printf("%-20s  %s@%s:%d\n", h.Alias, h.User, h.HostName, h.Port)
			}
			return nil
		})
	},
}

var benchesCmd = &cobra.Command{
	Use:   "benches HOST",
	Short: "Find Frappe benches on a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, args, func(ctx context.Context, a *app.BRApp) error {
			benches, err := a.FindBenches(ctx, args[0])
			if err != nil {
				return err
			}
			if len(benches) == 0 {
				fmt.Println("No benches found.")
			}
			for _, b := range benches {
				fmt.Println(b)
			}
			return nil
		})
	},
}

var sitesCmd = &cobra.Command{
	Use:   "sites HOST BENCH",
	Short: "List the sites of a bench",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, args, func(ctx context.Context, a *app.BRApp) error {
			sites, err := a.ListSites(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if len(sites) == 0 {
				fmt.Println("No sites found.")
			}
			for _, s := range sites {
				fmt.Printf("%-30s  %-20s  %8s  %s\n", s.Name, s.DBName, humanize.Bytes(uint64(s.SizeBytes)), strings.Join(s.Apps, ","))
			}
			return nil
		})
	},
}

// backups command
var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Manage backups on a remote bench",
}

func printSet(set *br.BackupSet) {
	fmt.Printf("%s  %-8s  %8s  %s (%s)\n", set.Timestamp, set.Type,
		humanize.Bytes(uint64(set.TotalSizeBytes)), set.CreatedAt.Local().Format("2006-01-02 15:04:05"), humanize.Time(set.CreatedAt))
	for _, f := range set.Files {
		fmt.Printf("    %-8s  %8s  %s\n", f.Type, humanize.Bytes(uint64(f.SizeBytes)), f.Filename)
	}
}

var backupsListCmd = &cobra.Command{
	Use:   "list HOST BENCH SITE",
	Short: "List backup sets, newest first",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, args, func(ctx context.Context, a *app.BRApp) error {
			sets, err := a.ListRemoteSets(ctx, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			if len(sets) == 0 {
				fmt.Println("No backups found.")
			}
			for _, set := range sets {
				printSet(set)
			}
			return nil
		})
	},
}

var backupsCreateCmd = &cobra.Command{
	Use:   "create HOST BENCH SITE",
	Short: "Run bench backup on the remote site",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, _ := cmd.Flags().GetString("scope")
		return withApp(cmd, args, func(ctx context.Context, a *app.BRApp) error {
			fmt.Fprintf(os.Stderr, "Running bench backup on %s (%s)...\n", args[0], scope)
			set, err := a.CreateBackup(ctx, args[0], args[1], args[2], scope)
			if err != nil {
				var ce *bench.CommandError
				if errors.As(err, &ce) && ce.Stderr != "" {
					fmt.Fprintln(os.Stderr, ce.Stderr)
				}
				return err
			}
			printSet(set)
			return nil
		})
	},
}

var backupsDeleteCmd = &cobra.Command{
	Use:   "delete HOST BENCH SITE TS",
	Short: "Delete every file of a remote backup set",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !confirm(fmt.Sprintf("Delete backup set %s of %s on %s?", args[3], args[2], args[0]), yes) {
			return errors.New("not confirmed (use --yes)")
		}
		return withApp(cmd, args, func(ctx context.Context, a *app.BRApp) error {
			deleted, err := a.DeleteRemoteSet(ctx, args[0], args[1], args[2], args[3])
			for _, name := range deleted {
				fmt.Printf("deleted %s\n", name)
			}
			return err
		})
	},
}

var backupsVerifyCmd = &cobra.Command{
	Use:   "verify HOST BENCH SITE [TS]",
	Short: "Check the integrity of a remote backup set",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, args, func(ctx context.Context, a *app.BRApp) error {
			set, results, err := a.VerifyRemoteSet(ctx, args[0], args[1], args[2], optionalTimestamp(args, 3))
			if err != nil {
				return err
			}
			bad := 0
			for _, r := range results {
				status := "ok"
				if !r.OK {
					status = "FAILED"
					bad++
				}
				fmt.Printf("%-6s  %s\n", status, r.Filename)
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d files in set %s failed verification", bad, len(results), set.Timestamp)
			}
			return nil
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download HOST BENCH SITE [TS]",
	Short: "Download a backup set, resuming partial files",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		fresh, _ := cmd.Flags().GetBool("fresh")
		verify, _ := cmd.Flags().GetBool("verify")
		return withApp(cmd, args, func(ctx context.Context, a *app.BRApp) error {
			printer := br.SerializeObserver(newProgressPrinter(os.Stderr))
			start := time.Now()
			set, paths, err := a.Download(ctx, args[0], args[1], args[2], optionalTimestamp(args, 3), br.DownloadOptions{
				Fresh:    fresh,
				Verify:   verify,
				Observer: func(*br.BackupRecord) br.ProgressObserver { return printer },
			})
			for _, p := range paths {
				fmt.Println(p)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Downloaded set %s (%s) in %s\n", set.Timestamp,
				humanize.Bytes(uint64(set.TotalSizeBytes)), time.Since(start).Round(time.Second))
			return nil
		})
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload HOST LOCAL REMOTE",
	Short: "Upload a local file to a host",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, args, func(ctx context.Context, a *app.BRApp) error {
			return a.Upload(ctx, args[0], args[1], args[2], newProgressPrinter(os.Stderr))
		})
	},
}

// local command
var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Manage downloaded backups",
}

var localListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup sets in local storage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, args, func(ctx context.Context, a *app.BRApp) error {
			sets, err := a.ListLocalSets()
			if err != nil {
				return err
			}
			if len(sets) == 0 {
				fmt.Printf("No backups in %s.\n", a.StorageRoot())
			}
			for _, set := range sets {
				printSet(set)
			}
			return nil
		})
	},
}

var localCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete all but the newest local sets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, _ := cmd.Flags().GetInt("keep")
		return withApp(cmd, args, func(ctx context.Context, a *app.BRApp) error {
			removed, err := a.CleanupLocal(keep)
			for _, name := range removed {
				fmt.Printf("removed %s\n", name)
			}
			if err == nil && len(removed) == 0 {
				fmt.Println("Nothing to remove.")
			}
			return err
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore TS SITE",
	Short: "Restore a local backup set into a local bench site",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		benchPath, _ := cmd.Flags().GetString("bench")
		force, _ := cmd.Flags().GetBool("force")
		migrate, _ := cmd.Flags().GetBool("migrate")
		dbUser, _ := cmd.Flags().GetString("db-root-user")
		askPassword, _ := cmd.Flags().GetBool("ask-db-password")

		req := br.RestoreRequest{
			BenchPath:       benchPath,
			TargetSite:      args[1],
			MariaDBRootUser: dbUser,
			Force:           force,
			Migrate:         migrate,
		}
		if askPassword || os.Getenv(dbPasswordEnv) != "" {
			pw, err := readSecret("MariaDB root password", dbPasswordEnv)
			if err != nil {
				return err
			}
			req.MariaDBRootPasswd = pw
		}
		return withApp(cmd, args, func(ctx context.Context, a *app.BRApp) error {
			if err := a.Restore(ctx, args[0], req); err != nil {
				return err
			}
			fmt.Printf("Restored %s into %s\n", args[0], args[1])
			return nil
		})
	},
}

// mirror command
var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Copy local backup sets to and from the off-site mirror",
}

var mirrorPushCmd = &cobra.Command{
	Use:   "push [TS]",
	Short: "Upload a local set to the mirror",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, args, func(ctx context.Context, a *app.BRApp) error {
			keys, err := a.MirrorPush(ctx, optionalTimestamp(args, 0))
			for _, k := range keys {
				fmt.Println(k)
			}
			return err
		})
	},
}

var mirrorPullCmd = &cobra.Command{
	Use:   "pull [TS]",
	Short: "Copy a mirrored set into local storage",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts := optionalTimestamp(args, 0)
		return withApp(cmd, args, func(ctx context.Context, a *app.BRApp) error {
			encrypted, err := a.MirrorNeedsPassphrase(ctx, ts)
			if err != nil {
				return err
			}
			var passphrase string
			if encrypted {
				if passphrase, err = readSecret("Passphrase", passphraseEnv); err != nil {
					return err
				}
			}
			paths, err := a.MirrorPull(ctx, ts, passphrase)
			for _, p := range paths {
				fmt.Println(p)
			}
			return err
		})
	},
}

var mirrorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sets held by the mirror",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, args, func(ctx context.Context, a *app.BRApp) error {
			sets, err := a.MirrorList(ctx)
			if err != nil {
				return err
			}
			if len(sets) == 0 {
				fmt.Println("Mirror holds no sets.")
			}
			for _, s := range sets {
				enc := ""
				if s.Encrypted {
					enc = "  [encrypted]"
				}
				fmt.Printf("%s  %d file(s)%s\n", s.Timestamp, len(s.Files), enc)
			}
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded operations or transfers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		transfers, _ := cmd.Flags().GetBool("transfers")
		return withApp(cmd, args, func(ctx context.Context, a *app.BRApp) error {
			if transfers {
				return printTransfers(a, limit)
			}
			ops, err := a.Operations(limit)
			if err != nil {
				return err
			}
			if len(ops) == 0 {
				fmt.Println("No operations recorded.")
				return nil
			}
			for _, op := range ops {
				duration := ""
				if !op.FinishedAt.IsZero() {
					duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
				}
				fmt.Printf("#%d  %-18s  %s  %-9s  %-10s  %s\n",
					op.ID,
					op.Operation,
					op.StartedAt.Local().Format("2006-01-02 15:04:05"),
					op.Status,
					duration,
					op.Parameters,
				)
			}
			return nil
		})
	},
}

func printTransfers(a *app.BRApp, limit int) error {
	records, err := a.Transfers(limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No transfers recorded.")
		return nil
	}
	for _, r := range records {
		fmt.Printf("%s  %-8s  %-9s  %s/%s  %s:%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Direction,
			r.Status,
			humanize.Bytes(uint64(r.Transferred)),
			humanize.Bytes(uint64(r.SizeBytes)),
			r.Host,
			r.RemotePath,
		)
		if r.Error != "" {
			fmt.Printf("    %s\n", r.Error)
		}
	}
	return nil
}

func init() {
	configCmd.AddCommand(configInitCmd, configListCmd)
	keysCmd.AddCommand(keysInitCmd)

	backupsCreateCmd.Flags().String("scope", string(br.ScopeFull), "What to back up: db, files or full")
	backupsDeleteCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	backupsCmd.AddCommand(backupsListCmd, backupsCreateCmd, backupsDeleteCmd, backupsVerifyCmd)

	downloadCmd.Flags().Bool("fresh", false, "Discard partial local files instead of resuming")
	downloadCmd.Flags().Bool("verify", false, "Compare md5 checksums with the remote files")

	localCleanupCmd.Flags().Int("keep", -1, "Number of newest sets to keep (default storage.keep_latest)")
	localCmd.AddCommand(localListCmd, localCleanupCmd)

	restoreCmd.Flags().String("bench", "", "Local bench directory (default bench.local_bench_path)")
	restoreCmd.Flags().Bool("force", false, "Pass --force to bench restore")
	restoreCmd.Flags().Bool("migrate", false, "Run bench migrate after restoring")
	restoreCmd.Flags().String("db-root-user", "", "MariaDB root user (default bench.mariadb_root_username)")
	restoreCmd.Flags().Bool("ask-db-password", false, "Prompt for the MariaDB root password")

	mirrorCmd.AddCommand(mirrorPushCmd, mirrorPullCmd, mirrorListCmd)

	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of rows to show")
	historyCmd.Flags().Bool("transfers", false, "Show transfers instead of operations")

	rootCmd.AddCommand(
		configCmd,
		keysCmd,
		hostsCmd,
		benchesCmd,
		sitesCmd,
		backupsCmd,
		downloadCmd,
		uploadCmd,
		localCmd,
		restoreCmd,
		mirrorCmd,
		historyCmd,
	)
}
