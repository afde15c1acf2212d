package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/renderinc/notevault/internal/backup"
	"github.com/renderinc/notevault/internal/config"
	"github.com/renderinc/notevault/internal/introspect"
	"github.com/renderinc/notevault/internal/logging"
	"github.com/renderinc/notevault/internal/storage"
)

var (
	dataDir string
	verbose bool
)

func main() {
	command, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if command == "" {
		printUsage()
		os.Exit(1)
	}

	switch command {
	case "init":
		runInit()
	case "folder":
		runFolder(args)
	case "note":
		runNote(args)
	case "content":
		runContent(args)
	case "search":
		runSearch(args)
	case "media":
		runMedia(args)
	case "backup":
		runBackup(args)
	case "backups":
		runBackups()
	case "restore":
		runRestore(args)
	case "export":
		runExport(args)
	case "import":
		runImport(args)
	case "doctor":
		runDoctor()
	case "stats":
		runStats()
	case "serve":
		runServe(args)
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// parseGlobalFlags reads the global flags in front of the command word and
// returns the command with its own arguments. command is empty when none
// was given.
func parseGlobalFlags(argv []string) (command string, args []string, err error) {
	globalFlags := flag.NewFlagSet("global", flag.ContinueOnError)
	globalFlags.StringVar(&dataDir, "data-dir", "", "Directory holding notes.db and notes_media (default: ./data)")
	globalFlags.BoolVar(&verbose, "verbose", false, "Write debug logs to stderr")
	globalFlags.Usage = printUsage

	if err := globalFlags.Parse(argv); err != nil {
		return "", nil, err
	}
	if globalFlags.NArg() == 0 {
		return "", nil, nil
	}
	return globalFlags.Arg(0), globalFlags.Args()[1:], nil
}

func printUsage() {
	fmt.Println("notevault - hierarchical note store")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  notevault [global-flags] <command> [flags]")
	fmt.Println()
	fmt.Println("Global Flags:")
	fmt.Println("  --data-dir=<dir>  Directory for notes.db and notes_media (default: ./data)")
	fmt.Println("  --verbose         Write debug logs to stderr")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init                                   Create the data directory and database")
	fmt.Println("  folder list|tree|create|rename|move|delete")
	fmt.Println("  note list|show|create|rename|tag|move|trash|restore|delete|trashed|empty-trash")
	fmt.Println("  content show|set|add-image <note-id>")
	fmt.Println("  search [flags] [keyword]               Search note titles and text")
	fmt.Println("  media import <file> | media clean      Manage the media directory")
	fmt.Println("  backup [-dest=<dir>]                   Snapshot the database and media")
	fmt.Println("  backups                                List snapshots, newest first")
	fmt.Println("  restore <snapshot-dir>                 Replace the store with a snapshot")
	fmt.Println("  export [-format=markdown|html] [-dest=<dir>]")
	fmt.Println("  import [-folder=<id>] <file-or-dir>    Import .md, .html, and .txt files")
	fmt.Println("  doctor                                 Check database integrity and folder paths")
	fmt.Println("  stats                                  Show row counts")
	fmt.Println("  serve [-host=<host>] [-port=<port>]    Start the JSON API")
	fmt.Println()
	fmt.Println("Search Flags:")
	fmt.Println("  -date=all|today|week|month")
	fmt.Println("  -type=all|text|image|list")
	fmt.Println("  -sort=updated|created|title")
	fmt.Println("  -limit=<n>")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  notevault folder create Work")
	fmt.Println("  notevault note create -folder=2 Plan")
	fmt.Println("  notevault content set 1 \"Q1 goals\"")
	fmt.Println("  notevault search Q1")
	fmt.Println("  notevault --data-dir=$HOME/.notevault serve -port=3000")
}

// app holds the components every command shares.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	db     *storage.DB
	repo   *storage.Repository
	in     *introspect.Introspector
	backup *backup.Engine
}

func openApp(ctx context.Context) *app {
	cfg, err := config.Load(dataDir)
	if err != nil {
		fatalf("Error loading config: %v", err)
	}

	level := zap.WarnLevel
	if verbose {
		level = zap.DebugLevel
	}
	log, err := logging.New(cfg.LogFile, cfg.IsProduction(), logging.ConsoleLevel(level))
	if err != nil {
		fatalf("Error creating logger: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		fatalf("Error creating data directory: %v", err)
	}
	db, err := storage.Open(ctx, cfg.DatabasePath(), log)
	if err != nil {
		fatalf("Error opening database: %v", err)
	}

	in := introspect.New(db, log)
	be := backup.New(db, cfg.MediaDir(), backup.Options{
		Root:       cfg.BackupDir,
		Retention:  cfg.BackupRetention,
		AppVersion: config.AppVersion,
	}, log)
	be.OnRestore(in.Invalidate)

	return &app{
		cfg:    cfg,
		log:    log,
		db:     db,
		repo:   storage.NewRepository(db, cfg.MediaDir(), log),
		in:     in,
		backup: be,
	}
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Warn("close database", zap.Error(err))
	}
	_ = a.log.Sync()
}

func runInit() {
	ctx := context.Background()
	a := openApp(ctx)
	defer a.Close()

	if err := os.MkdirAll(a.cfg.MediaDir(), 0755); err != nil {
		fatalf("Error creating media directory: %v", err)
	}
	color.Green("✓ Store ready")
	fmt.Printf("Database:  %s\n", a.cfg.DatabasePath())
	fmt.Printf("Media:     %s\n", a.cfg.MediaDir())
	fmt.Printf("Backups:   %s\n", a.cfg.BackupDir)
	fmt.Printf("Log file:  %s\n", a.cfg.LogFile)
}

func runStats() {
	ctx := context.Background()
	a := openApp(ctx)
	defer a.Close()

	stats, err := a.repo.Stats(ctx)
	if err != nil {
		fatalf("Error reading stats: %v", err)
	}
	fmt.Println("=== Store Statistics ===")
	fmt.Printf("Folders:        %d\n", stats.Folders)
	fmt.Printf("Notes:          %d\n", stats.Notes)
	fmt.Printf("Trashed notes:  %d\n", stats.TrashedNotes)
	fmt.Printf("Content blocks: %d\n", stats.Blocks)
	fmt.Printf("Annotations:    %d\n", stats.Annotations)
}

func runDoctor() {
	ctx := context.Background()
	a := openApp(ctx)
	defer a.Close()

	failed := false
	check := func(name string, err error) {
		if err != nil {
			failed = true
			color.Red("✗ %s: %v", name, err)
			return
		}
		color.Green("✓ %s", name)
	}

	check("database integrity", a.db.IntegrityCheck(ctx))
	check("folder paths", a.repo.VerifyTree(ctx))

	layout, err := a.in.Layout(ctx)
	if err == nil && !layout.HasContent() {
		err = introspect.ErrNoContentSource
	}
	check("note layout", err)
	if layout != nil {
		source := layout.ContentColumn
		if layout.Side != nil {
			source = layout.Side.Name + "." + layout.Side.TextColumn
		}
		fmt.Printf("  notes table %s, title %s, content %s\n", layout.NotesTable, layout.TitleColumn, source)
	}

	if failed {
		os.Exit(1)
	}
}

// fatalf prints an error in red and exits. Errors from the storage
// taxonomy get a short hint.
func fatalf(format string, args ...any) {
	color.New(color.FgRed).Fprintf(os.Stderr, format+"\n", args...)
	for _, a := range args {
		err, ok := a.(error)
		if !ok {
			continue
		}
		switch {
		case errors.Is(err, storage.ErrInvalidArgument):
			fmt.Fprintln(os.Stderr, "Check the arguments and try again.")
		case errors.Is(err, storage.ErrNotFound):
			fmt.Fprintln(os.Stderr, "The referenced folder, note, or file does not exist.")
		case errors.Is(err, storage.ErrIntegrity):
			fmt.Fprintln(os.Stderr, "Run `notevault doctor` for details.")
		}
	}
	os.Exit(1)
}

func parseID(s, what string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		fatalf("Error: invalid %s id %q", what, s)
	}
	return id
}

// need exits with usage when fewer than n positional arguments were given.
func need(fs *flag.FlagSet, n int, usage string) {
	if fs.NArg() < n {
		fmt.Println("Usage: notevault [--data-dir=<dir>] " + usage)
		os.Exit(1)
	}
}
