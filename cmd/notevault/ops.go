package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/renderinc/notevault/internal/backup"
	"github.com/renderinc/notevault/internal/config"
	"github.com/renderinc/notevault/internal/export"
	"github.com/renderinc/notevault/internal/importer"
	"github.com/renderinc/notevault/internal/jobs"
	"github.com/renderinc/notevault/internal/search"
	"github.com/renderinc/notevault/internal/web"
)

func runBackup(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	dest := fs.String("dest", "", "Backup root (default: configured backup directory)")
	fs.Parse(args)

	ctx := context.Background()
	a := openApp(ctx)
	defer a.Close()

	fmt.Println("Creating backup...")
	report, err := a.backup.Backup(ctx, *dest)
	if report != nil {
		for _, c := range report.Caveats() {
			color.Yellow("! %s", c)
		}
	}
	if err != nil {
		fatalf("Error creating backup: %v", err)
	}

	color.Green("✓ Backup written to %s", report.Dir)
	fmt.Printf("Database:  %s\n", yesNo(report.Database))
	fmt.Printf("Media:     %d files\n", report.MediaCopied)
	for _, p := range report.Pruned {
		fmt.Printf("Pruned:    %s\n", filepath.Base(p))
	}
}

func runBackups() {
	cfg, err := config.Load(dataDir)
	if err != nil {
		fatalf("Error loading config: %v", err)
	}
	snaps, err := backup.List(cfg.BackupDir)
	if err != nil {
		fatalf("Error listing backups: %v", err)
	}
	if len(snaps) == 0 {
		fmt.Printf("No backups in %s\n", cfg.BackupDir)
		return
	}
	for _, s := range snaps {
		fmt.Printf("%s  %s  db=%s media=%d\n",
			s.CreatedAt.Format("2006-01-02 15:04:05"), s.Path, yesNo(s.HasDatabase), s.MediaFiles)
	}
}

func runRestore(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	fs.Parse(args)
	need(fs, 1, "restore <snapshot-dir>")

	ctx := context.Background()
	a := openApp(ctx)
	defer a.Close()

	fmt.Printf("Restoring from %s...\n", fs.Arg(0))
	report, err := a.backup.Restore(ctx, fs.Arg(0))
	if report != nil {
		if report.EmergencyDir != "" {
			fmt.Printf("Safety copy: %s\n", report.EmergencyDir)
		}
		if report.LogPath != "" {
			fmt.Printf("Restore log: %s\n", report.LogPath)
		}
		if report.RolledBack {
			color.Yellow("! The snapshot failed verification; the previous database was put back")
		}
	}
	if err != nil {
		fatalf("Error restoring: %v", err)
	}
	color.Green("✓ Restored database and %d media files", report.MediaCopied)
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	formatFlag := fs.String("format", string(export.Markdown), "markdown or html")
	dest := fs.String("dest", ".", "Directory to create the export in")
	fs.Parse(args)

	format, err := export.ParseFormat(*formatFlag)
	if err != nil {
		fatalf("Error: %v", err)
	}

	ctx := context.Background()
	a := openApp(ctx)
	defer a.Close()

	report, err := export.New(a.db, a.in, a.cfg.MediaDir(), a.log).Export(ctx, *dest, format)
	if report != nil {
		for _, name := range sortedNames(report.Failed) {
			color.Yellow("! %s: %v", name, report.Failed[name])
		}
	}
	if err != nil {
		fatalf("Error exporting: %v", err)
	}
	color.Green("✓ Exported %d notes to %s", report.Count, report.Dir)
}

func runImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	folder := fs.Int64("folder", 0, "Destination folder id (0 = root)")
	fs.Parse(args)
	need(fs, 1, "import [-folder=<id>] <file-or-dir>")

	ctx := context.Background()
	a := openApp(ctx)
	defer a.Close()

	report, err := importer.New(a.db, a.in, a.log).Import(ctx, fs.Arg(0), importer.Options{
		FolderID: *folder,
		Progress: func(done, total int) {
			fmt.Printf("\rImporting: %d/%d", done, total)
			if done == total {
				fmt.Println()
			}
		},
	})
	if report != nil {
		for _, name := range sortedNames(report.Failed) {
			color.Yellow("! %s: %v", name, report.Failed[name])
		}
	}
	if err != nil {
		fatalf("Error importing: %v", err)
	}
	color.Green("✓ Imported %d of %d files", report.Imported, report.Found)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	host := fs.String("host", "", "Host to bind to (default from config)")
	port := fs.Int("port", 0, "Port to listen on (default from config)")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := openApp(ctx)
	defer a.Close()

	addr := a.cfg.Addr()
	if *host != "" || *port != 0 {
		h, p := a.cfg.Host, a.cfg.Port
		if *host != "" {
			h = *host
		}
		if *port != 0 {
			p = *port
		}
		addr = h + ":" + strconv.Itoa(p)
	}

	runner := jobs.NewRunner(a.log, 16, 50)
	defer runner.Close()

	server := web.NewServer(web.Deps{
		Repo:     a.repo,
		Search:   search.New(a.db, a.log),
		Backup:   a.backup,
		Export:   export.New(a.db, a.in, a.cfg.MediaDir(), a.log),
		Import:   importer.New(a.db, a.in, a.log),
		Jobs:     runner,
		Log:      a.log,
		Version:  config.AppVersion,
		ExportTo: filepath.Join(a.cfg.DataDir, "exports"),
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("shutdown", zap.Error(err))
		}
	}()

	color.Cyan("Starting notevault API on http://%s", addr)
	a.log.Info("server listening", zap.String("addr", addr), zap.String("data_dir", a.cfg.DataDir))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatalf("Server error: %v", err)
	}
	fmt.Println("Server stopped")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func sortedNames(m map[string]error) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
