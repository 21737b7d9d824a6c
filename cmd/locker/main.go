package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"locker-go/internal/app"
	"locker-go/internal/config"
	"locker-go/internal/locker"
	"locker-go/internal/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a LockerApp acting as the --as user,
// falling back to $LOCKER_USER.
// The caller must defer app.Close().
func newApp(cmd *cobra.Command, operation string) (*app.LockerApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	as, _ := cmd.Flags().GetString("as")
	if as == "" {
		as = os.Getenv(envUser)
	}
	a, err := app.NewLockerApp(cmd.Context(), cfg, app.Options{Operation: operation, As: as})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "locker",
	Short:        "Self-hosted file locker",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return app.LoadDotEnv(".env")
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults.BaseDir)
		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Base Dir: %s\n", defaults.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults.ConfigPath)
		printConfig(cfg)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "KeysInit")
		if err != nil {
			return err
		}
		defer a.Close()

		passphrase, err := readNewPassphrase()
		if err != nil {
			return err
		}
		if err := a.KeysInit(passphrase); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Println("Encryption keys created.")
		return nil
	},
}

// user command
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userAddCmd = &cobra.Command{
	Use:   "add EMAIL",
	Short: "Register a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")

		a, err := newApp(cmd, "AddUser")
		if err != nil {
			return err
		}
		defer a.Close()

		user, err := a.AddUser(cmd.Context(), args[0], role)
		if err != nil {
			return err
		}
		fmt.Printf("Registered %s (%s) as %s\n", user.Email, user.Role, user.ID)
		return nil
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir REMOTE_PATH",
	Short: "Create a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Mkdir")
		if err != nil {
			return err
		}
		defer a.Close()

		folder, err := a.Mkdir(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Created %s\n", folder.ID)
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload LOCAL_PATH [REMOTE_DIR]",
	Short: "Upload a file or directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, _ := cmd.Flags().GetBool("recursive")

		a, err := newApp(cmd, "Upload")
		if err != nil {
			return err
		}
		defer a.Close()

		remote := "/"
		if len(args) > 1 {
			remote = args[1]
		}
		count, err := a.Upload(cmd.Context(), args[0], remote, recursive)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		fmt.Printf("Uploaded %d file(s)\n", count)
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [REMOTE_DIR]",
	Short: "List a folder",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		byCreated, _ := cmd.Flags().GetBool("created")

		a, err := newApp(cmd, "List")
		if err != nil {
			return err
		}
		defer a.Close()

		remote := "/"
		if len(args) > 0 {
			remote = args[0]
		}
		order := locker.OrderByName
		if byCreated {
			order = locker.OrderByCreated
		}
		entries, err := a.List(cmd.Context(), remote, order)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Empty folder.")
			return nil
		}
		for _, e := range entries {
			printEntry(e)
		}
		return nil
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv REMOTE_PATH DEST_DIR",
	Short: "Move an entry into another folder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Move")
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.Move(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Moved %s to %s\n", args[0], args[1])
		return nil
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename REMOTE_PATH NEW_NAME",
	Short: "Rename an entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Rename")
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.Rename(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Renamed %s to %s\n", args[0], args[1])
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm REMOTE_PATH",
	Short: "Move an entry to the trash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Remove")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Remove(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Moved %d entr%s to the trash\n", n, plural(n, "y", "ies"))
		return nil
	},
}

var trashCmd = &cobra.Command{
	Use:   "trash",
	Short: "List trashed entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Trash")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.Trash(cmd.Context())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Trash is empty.")
			return nil
		}
		for _, e := range entries {
			printTrashEntry(e)
		}
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore ENTRY_ID",
	Short: "Restore a trashed entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Restore")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Restore(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Restored %d entr%s\n", n, plural(n, "y", "ies"))
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge [ENTRY_ID]",
	Short: "Permanently delete trashed entries",
	Long:  "With an entry id, purges that trashed subtree. Without one, purges everything deleted longer ago than --older-than (default: the configured retention).",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		a, err := newApp(cmd, "Purge")
		if err != nil {
			return err
		}
		defer a.Close()

		var n int
		if len(args) == 1 {
			n, err = a.Purge(cmd.Context(), args[0])
		} else {
			n, err = a.PurgeTrash(cmd.Context(), olderThan)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d entr%s\n", n, plural(n, "y", "ies"))
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get REMOTE_PATH [LOCAL_PATH]",
	Short: "Download a file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Get")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := unlock(a); err != nil {
			return err
		}
		dest := "."
		if len(args) > 1 {
			dest = args[1]
		}
		path, err := a.Get(cmd.Context(), args[0], dest)
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
		fmt.Printf("Saved %s\n", path)
		return nil
	},
}

// share command
var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Manage shares",
}

var shareAddCmd = &cobra.Command{
	Use:   "add REMOTE_PATH",
	Short: "Share an entry with a user, an email address or a public link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts app.ShareOptions
		perm, _ := cmd.Flags().GetString("permission")
		opts.Permission = model.Permission(perm)
		opts.User, _ = cmd.Flags().GetString("user")
		opts.Email, _ = cmd.Flags().GetString("email")
		opts.Public, _ = cmd.Flags().GetBool("public")
		opts.Password, _ = cmd.Flags().GetString("password")
		opts.ExpiresIn, _ = cmd.Flags().GetDuration("expires-in")

		a, err := newApp(cmd, "ShareAdd")
		if err != nil {
			return err
		}
		defer a.Close()

		share, err := a.ShareAdd(cmd.Context(), args[0], opts)
		if err != nil {
			return err
		}
		fmt.Printf("Share %s created\n", share.ID)
		if share.Token.Valid {
			fmt.Printf("Link token: %s\n", share.Token.String)
		}
		return nil
	},
}

var shareRmCmd = &cobra.Command{
	Use:   "rm SHARE_ID",
	Short: "Revoke a share",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ShareRemove")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ShareRemove(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Share %s revoked\n", args[0])
		return nil
	},
}

var shareLsCmd = &cobra.Command{
	Use:   "ls REMOTE_PATH",
	Short: "List shares on an entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ShareList")
		if err != nil {
			return err
		}
		defer a.Close()

		shares, err := a.ShareList(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(shares) == 0 {
			fmt.Println("Not shared.")
			return nil
		}
		for _, s := range shares {
			printShare(s)
		}
		return nil
	},
}

// link command
var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Use a public link",
}

var linkOpenCmd = &cobra.Command{
	Use:   "open TOKEN",
	Short: "Show what a public link points at",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")

		a, err := newApp(cmd, "LinkOpen")
		if err != nil {
			return err
		}
		defer a.Close()

		entry, children, err := a.OpenLink(cmd.Context(), args[0], password)
		if err != nil {
			return err
		}
		printEntry(entry)
		for _, c := range children {
			fmt.Print("  ")
			printEntry(c)
		}
		return nil
	},
}

var linkGetCmd = &cobra.Command{
	Use:   "get TOKEN [LOCAL_PATH]",
	Short: "Download a file through a public link",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")
		fileID, _ := cmd.Flags().GetString("file")

		a, err := newApp(cmd, "LinkGet")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := unlock(a); err != nil {
			return err
		}
		dest := "."
		if len(args) > 1 {
			dest = args[1]
		}
		path, err := a.GetLink(cmd.Context(), args[0], password, fileID, dest)
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
		fmt.Printf("Saved %s\n", path)
		return nil
	},
}

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Reconcile reference counts and stored bytes",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a, err := newApp(cmd, "Fsck")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Fsck(cmd.Context(), dryRun)
		if err != nil {
			return err
		}
		printReport(report, dryRun)
		if len(report.MissingBytes) > 0 {
			return fmt.Errorf("%d blob(s) are missing their bytes", len(report.MissingBytes))
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "GetHistory")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}
		for _, op := range ops {
			duration := ""
			if op.FinishedAt.Valid {
				duration = op.FinishedAt.Time.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-12s  %s  %-8s  %-10s  %s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				actorName(op.Actor),
				op.Parameters,
			)
		}
		return nil
	},
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the metadata database",
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup DEST",
	Short: "Write a consistent copy of a SQLite metadata database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "DBBackup")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.BackupDatabase(args[0]); err != nil {
			return err
		}
		fmt.Printf("Database written to %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("as", "", "Act as this user (id or email)")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	keysCmd.AddCommand(keysInitCmd)

	userCmd.AddCommand(userAddCmd)
	userAddCmd.Flags().String("role", "user", "Role recorded for the user")

	// share subcommands
	shareCmd.AddCommand(shareAddCmd)
	shareAddCmd.Flags().StringP("permission", "p", "read", "Permission to grant (read or write)")
	shareAddCmd.Flags().String("user", "", "Share with a registered user (id or email)")
	shareAddCmd.Flags().String("email", "", "Share with an email address")
	shareAddCmd.Flags().Bool("public", false, "Create a public link")
	shareAddCmd.Flags().String("password", "", "Protect the public link with a password")
	shareAddCmd.Flags().Duration("expires-in", 0, "Expire the share after this long")
	shareCmd.AddCommand(shareRmCmd)
	shareCmd.AddCommand(shareLsCmd)

	// link subcommands
	linkCmd.AddCommand(linkOpenCmd)
	linkOpenCmd.Flags().String("password", "", "Link password")
	linkCmd.AddCommand(linkGetCmd)
	linkGetCmd.Flags().String("password", "", "Link password")
	linkGetCmd.Flags().String("file", "", "Entry id of a file inside a shared folder")

	dbCmd.AddCommand(dbBackupCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(mkdirCmd)
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().BoolP("recursive", "r", false, "Recurse into subdirectories")
	rootCmd.AddCommand(lsCmd)
	lsCmd.Flags().Bool("created", false, "Sort by creation time instead of name")
	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(trashCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(purgeCmd)
	purgeCmd.Flags().Duration("older-than", 0, "Purge entries deleted longer ago than this")
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(shareCmd)
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(fsckCmd)
	fsckCmd.Flags().Bool("dry-run", false, "Report without changing anything")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	rootCmd.AddCommand(dbCmd)
}
