package storage

import "time"

// Folder is a node in the folder tree. Path always equals the parent's path
// plus "/" plus Name; the root folder's path is RootPath.
type Folder struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	ParentID  int64     `json:"parent_id"` // 0 only for the root
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Note belongs to exactly one folder. Trashed notes stay in the table until
// they are permanently deleted.
type Note struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	FolderID  int64     `json:"folder_id"`
	Tags      string    `json:"tags"`
	IsTrashed bool      `json:"is_trashed"`
}

// BlockType identifies what a content block holds.
type BlockType string

const (
	BlockText  BlockType = "text"
	BlockImage BlockType = "image"
	BlockList  BlockType = "list"
)

// ContentBlock is one ordered unit of a note's body. IDs are not stable
// across SaveNoteContent calls.
type ContentBlock struct {
	ID          int64     `json:"id"`
	NoteID      int64     `json:"note_id"`
	Type        BlockType `json:"block_type"`
	Position    int       `json:"position"`
	ContentText string    `json:"content_text"`
	MediaPath   string    `json:"media_path"` // relative to the media directory
	Properties  string    `json:"properties"` // opaque serialized metadata
}

// Annotation is markup drawn over a block, typically an image.
type Annotation struct {
	ID        int64     `json:"id"`
	BlockID   int64     `json:"block_id"`
	Type      string    `json:"annotation_type"`
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats counts rows per table.
type Stats struct {
	Folders      int `json:"folders"`
	Notes        int `json:"notes"`
	TrashedNotes int `json:"trashed_notes"`
	Blocks       int `json:"blocks"`
	Annotations  int `json:"annotations"`
}
