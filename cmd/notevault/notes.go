package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/renderinc/notevault/internal/search"
	"github.com/renderinc/notevault/internal/storage"
)

func runFolder(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: notevault folder list|tree|create|rename|move|delete ...")
		os.Exit(1)
	}
	action := args[0]
	fs := flag.NewFlagSet("folder "+action, flag.ExitOnError)
	parent := fs.Int64("parent", 0, "Parent folder id (0 = root)")
	fs.Parse(args[1:])

	ctx := context.Background()
	a := openApp(ctx)
	defer a.Close()

	switch action {
	case "list":
		folders, err := a.repo.ListFolders(ctx, *parent)
		if err != nil {
			fatalf("Error listing folders: %v", err)
		}
		for _, f := range folders {
			fmt.Printf("%4d  %s\n", f.ID, f.Path)
		}
	case "tree":
		folders, err := a.repo.ListAllFolders(ctx)
		if err != nil {
			fatalf("Error listing folders: %v", err)
		}
		for _, f := range folders {
			depth := strings.Count(f.Path, "/") - 1
			fmt.Printf("%s%s (%d)\n", strings.Repeat("  ", depth), f.Name, f.ID)
		}
	case "create":
		need(fs, 1, "folder create [-parent=<id>] <name>")
		id, err := a.repo.CreateFolder(ctx, strings.Join(fs.Args(), " "), *parent)
		if err != nil {
			fatalf("Error creating folder: %v", err)
		}
		folder, err := a.repo.GetFolder(ctx, id)
		if err != nil {
			fatalf("Error reading folder: %v", err)
		}
		color.Green("✓ Created folder %d: %s", folder.ID, folder.Path)
	case "rename":
		need(fs, 2, "folder rename <id> <new-name>")
		id := parseID(fs.Arg(0), "folder")
		if err := a.repo.RenameFolder(ctx, id, strings.Join(fs.Args()[1:], " ")); err != nil {
			fatalf("Error renaming folder: %v", err)
		}
		color.Green("✓ Renamed folder %d", id)
	case "move":
		need(fs, 2, "folder move <id> <new-parent-id>")
		id := parseID(fs.Arg(0), "folder")
		if err := a.repo.MoveFolder(ctx, id, parseID(fs.Arg(1), "parent")); err != nil {
			fatalf("Error moving folder: %v", err)
		}
		color.Green("✓ Moved folder %d", id)
	case "delete":
		need(fs, 1, "folder delete <id>")
		id := parseID(fs.Arg(0), "folder")
		if err := a.repo.DeleteFolder(ctx, id); err != nil {
			fatalf("Error deleting folder: %v", err)
		}
		color.Green("✓ Deleted folder %d and everything in it", id)
	default:
		fatalf("Unknown folder action: %s", action)
	}
}

func printNotes(notes []*storage.Note) {
	if len(notes) == 0 {
		fmt.Println("No notes")
		return
	}
	for _, n := range notes {
		fmt.Printf("%4d  %-40s  %s", n.ID, n.Title, n.UpdatedAt.Local().Format("2006-01-02 15:04"))
		if n.Tags != "" {
			fmt.Printf("  [%s]", n.Tags)
		}
		fmt.Println()
	}
}

func runNote(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: notevault note list|show|create|rename|tag|move|trash|restore|delete|trashed|empty-trash ...")
		os.Exit(1)
	}
	action := args[0]
	fs := flag.NewFlagSet("note "+action, flag.ExitOnError)
	folder := fs.Int64("folder", 0, "Folder id (0 = root)")
	fs.Parse(args[1:])

	ctx := context.Background()
	a := openApp(ctx)
	defer a.Close()

	switch action {
	case "list":
		notes, err := a.repo.ListNotes(ctx, *folder)
		if err != nil {
			fatalf("Error listing notes: %v", err)
		}
		printNotes(notes)
	case "trashed":
		notes, err := a.repo.ListTrashedNotes(ctx)
		if err != nil {
			fatalf("Error listing trash: %v", err)
		}
		printNotes(notes)
	case "show":
		need(fs, 1, "note show <id>")
		note, err := a.repo.GetNote(ctx, parseID(fs.Arg(0), "note"))
		if err != nil {
			fatalf("Error reading note: %v", err)
		}
		fmt.Printf("Title:    %s\n", note.Title)
		fmt.Printf("Folder:   %d\n", note.FolderID)
		fmt.Printf("Tags:     %s\n", note.Tags)
		fmt.Printf("Created:  %s\n", note.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("Updated:  %s\n", note.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		if note.IsTrashed {
			color.Yellow("In trash")
		}
	case "create":
		need(fs, 1, "note create [-folder=<id>] <title>")
		id, err := a.repo.CreateNote(ctx, strings.Join(fs.Args(), " "), *folder)
		if err != nil {
			fatalf("Error creating note: %v", err)
		}
		color.Green("✓ Created note %d", id)
	case "rename":
		need(fs, 2, "note rename <id> <new-title>")
		id := parseID(fs.Arg(0), "note")
		if err := a.repo.RenameNote(ctx, id, strings.Join(fs.Args()[1:], " ")); err != nil {
			fatalf("Error renaming note: %v", err)
		}
		color.Green("✓ Renamed note %d", id)
	case "tag":
		need(fs, 1, "note tag <id> [tags]")
		id := parseID(fs.Arg(0), "note")
		if err := a.repo.SetNoteTags(ctx, id, strings.Join(fs.Args()[1:], " ")); err != nil {
			fatalf("Error tagging note: %v", err)
		}
		color.Green("✓ Tagged note %d", id)
	case "move":
		need(fs, 2, "note move <id> <folder-id>")
		id := parseID(fs.Arg(0), "note")
		if err := a.repo.MoveNote(ctx, id, parseID(fs.Arg(1), "folder")); err != nil {
			fatalf("Error moving note: %v", err)
		}
		color.Green("✓ Moved note %d", id)
	case "trash":
		need(fs, 1, "note trash <id>")
		id := parseID(fs.Arg(0), "note")
		if err := a.repo.MoveNoteToTrash(ctx, id); err != nil {
			fatalf("Error trashing note: %v", err)
		}
		color.Green("✓ Moved note %d to the trash", id)
	case "restore":
		need(fs, 1, "note restore <id>")
		id := parseID(fs.Arg(0), "note")
		if err := a.repo.RestoreNoteFromTrash(ctx, id); err != nil {
			fatalf("Error restoring note: %v", err)
		}
		color.Green("✓ Restored note %d", id)
	case "delete":
		need(fs, 1, "note delete <id>")
		id := parseID(fs.Arg(0), "note")
		if err := a.repo.DeleteNote(ctx, id); err != nil {
			fatalf("Error deleting note: %v", err)
		}
		color.Green("✓ Deleted note %d", id)
	case "empty-trash":
		n, err := a.repo.EmptyTrash(ctx)
		if err != nil {
			fatalf("Error emptying trash: %v", err)
		}
		color.Green("✓ Permanently deleted %d notes", n)
	default:
		fatalf("Unknown note action: %s", action)
	}
}

func runContent(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: notevault content show|set|add-image <note-id> ...")
		os.Exit(1)
	}
	action := args[0]
	fs := flag.NewFlagSet("content "+action, flag.ExitOnError)
	file := fs.String("file", "", "Read the text from a file")
	blockType := fs.String("type", string(storage.BlockText), "Block type for set: text or list")
	fs.Parse(args[1:])

	ctx := context.Background()
	a := openApp(ctx)
	defer a.Close()

	switch action {
	case "show":
		need(fs, 1, "content show <note-id>")
		blocks, err := a.repo.GetNoteContent(ctx, parseID(fs.Arg(0), "note"))
		if err != nil {
			fatalf("Error reading content: %v", err)
		}
		for _, b := range blocks {
			color.Cyan("[%d] %s (block %d)", b.Position, b.Type, b.ID)
			switch {
			case b.MediaPath != "":
				fmt.Println(b.MediaPath)
			default:
				fmt.Println(b.ContentText)
			}
		}
	case "set":
		need(fs, 1, "content set [-file=<path>] [-type=text|list] <note-id> [text]")
		text := strings.Join(fs.Args()[1:], " ")
		if *file != "" {
			data, err := os.ReadFile(*file)
			if err != nil {
				fatalf("Error reading %s: %v", *file, err)
			}
			text = string(data)
		}
		id := parseID(fs.Arg(0), "note")
		block := storage.ContentBlock{Type: storage.BlockType(*blockType), ContentText: text}
		if err := a.repo.SaveNoteContent(ctx, id, []storage.ContentBlock{block}); err != nil {
			fatalf("Error saving content: %v", err)
		}
		color.Green("✓ Saved note %d", id)
	case "add-image":
		need(fs, 2, "content add-image <note-id> <image-file>")
		id := parseID(fs.Arg(0), "note")
		blocks, err := a.repo.GetNoteContent(ctx, id)
		if err != nil {
			fatalf("Error reading content: %v", err)
		}
		name, err := a.repo.ImportImageToMedia(ctx, fs.Arg(1))
		if err != nil {
			fatalf("Error importing image: %v", err)
		}
		blocks = append(blocks, storage.ContentBlock{Type: storage.BlockImage, MediaPath: name})
		if err := a.repo.SaveNoteContent(ctx, id, blocks); err != nil {
			fatalf("Error saving content: %v", err)
		}
		color.Green("✓ Added %s to note %d", name, id)
	default:
		fatalf("Unknown content action: %s", action)
	}
}

func runSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	date := fs.String("date", string(search.DateAll), "all, today, week, or month")
	contentType := fs.String("type", string(search.ContentAll), "all, text, image, or list")
	sort := fs.String("sort", string(search.SortUpdated), "updated, created, or title")
	limit := fs.Int("limit", 0, "Maximum results (0 = no limit)")
	fs.Parse(args)

	ctx := context.Background()
	a := openApp(ctx)
	defer a.Close()

	query := search.Query{
		Keyword:     strings.Join(fs.Args(), " "),
		Date:        search.DateFilter(*date),
		ContentType: search.ContentType(*contentType),
		Sort:        search.SortOrder(*sort),
		Limit:       *limit,
	}
	results, err := search.New(a.db, a.log).Search(ctx, query)
	if err != nil {
		fatalf("Error searching: %v", err)
	}

	if len(results) == 0 {
		fmt.Println("No results found")
		return
	}
	fmt.Printf("\nFound %d results:\n\n", len(results))
	for i, r := range results {
		color.New(color.Bold).Printf("%d. %s\n", i+1, r.Title)
		fmt.Printf("   Path: %s\n", r.Path)
		fmt.Printf("   Updated: %s\n", r.UpdatedAt.Local().Format("2006-01-02 15:04"))
		if r.Preview != "" {
			fmt.Printf("   Preview: %s\n", strings.ReplaceAll(r.Preview, "\n", " "))
		}
		fmt.Println()
	}
}

func runMedia(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: notevault media import <file> | media clean")
		os.Exit(1)
	}

	ctx := context.Background()
	a := openApp(ctx)
	defer a.Close()

	switch args[0] {
	case "import":
		if len(args) < 2 {
			fatalf("Error: file path required")
		}
		name, err := a.repo.ImportImageToMedia(ctx, args[1])
		if err != nil {
			fatalf("Error importing media: %v", err)
		}
		color.Green("✓ Imported as %s", name)
	case "clean":
		n, err := a.repo.CleanUnusedMediaFiles(ctx)
		if err != nil {
			fatalf("Error cleaning media: %v", err)
		}
		color.Green("✓ Removed %d unused files", n)
	default:
		fatalf("Unknown media action: %s", args[0])
	}
}
