// Package memory renders the per-turn system prompt from workspace files and
// bounds transcripts with compressive summarization.
package memory

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Workspace file names. These are user-edited markdown files under the
// configured workspace root.
const (
	FileSoul      = "SOUL.md"
	FileUser      = "USER.md"
	FileIdentity  = "IDENTITY.md"
	FileMemory    = "MEMORY.md"
	FileBootstrap = "BOOTSTRAP.md"
)

// FileStatus describes how much of a workspace file is usable.
type FileStatus string

const (
	// StatusLoaded means the file exists with substantive content.
	StatusLoaded FileStatus = "loaded"
	// StatusTemplateEmpty means the file exists but every structured field
	// is blank or a placeholder.
	StatusTemplateEmpty FileStatus = "template-empty"
	// StatusMissing means the file does not exist.
	StatusMissing FileStatus = "missing"
	// StatusPartial means some structured fields are filled and some are not.
	StatusPartial FileStatus = "partial"
)

// File is one workspace file as read at the start of a turn.
type File struct {
	Name    string
	Status  FileStatus
	Content string
}

// Snapshot is the workspace state for a single turn. It is re-read every
// turn so live edits take effect immediately.
type Snapshot struct {
	Files map[string]File
}

// Workspace reads persona and memory files from a root directory.
type Workspace struct {
	root string
}

// NewWorkspace returns a workspace rooted at dir. The directory does not
// need to exist; missing files degrade to the default persona.
func NewWorkspace(dir string) *Workspace {
	return &Workspace{root: dir}
}

// Root returns the workspace directory.
func (w *Workspace) Root() string { return w.root }

// Load reads all workspace files fresh from disk.
func (w *Workspace) Load() Snapshot {
	snap := Snapshot{Files: make(map[string]File, 5)}
	for _, name := range []string{FileSoul, FileUser, FileIdentity, FileMemory, FileBootstrap} {
		snap.Files[name] = w.read(name)
	}
	return snap
}

func (w *Workspace) read(name string) File {
	data, err := os.ReadFile(filepath.Join(w.root, name))
	if err != nil {
		return File{Name: name, Status: StatusMissing}
	}
	content := string(data)
	return File{Name: name, Status: classify(content), Content: content}
}

// MemoryPath returns the location of the curated long-term memory file, which
// the remember tool appends to.
func (w *Workspace) MemoryPath() string {
	return filepath.Join(w.root, FileMemory)
}

// fieldLinePattern matches template field lines of the form
// "- **Name:** value".
var fieldLinePattern = regexp.MustCompile(`^\s*-\s+\*\*([^:*]+):\*\*\s*(.*)$`)

// placeholders are values that count as "not filled in".
var placeholders = map[string]struct{}{
	"": {}, "—": {}, "-": {}, "TBD": {}, "tbd": {}, "...": {}, "…": {},
	"N/A": {}, "n/a": {},
}

// classify determines a file's status from its structured fields. Files
// without field lines fall back to whether they hold any prose at all.
func classify(content string) FileStatus {
	var filled, blank int
	hasProse := false

	for _, line := range strings.Split(content, "\n") {
		if m := fieldLinePattern.FindStringSubmatch(line); m != nil {
			value := strings.TrimSpace(m[2])
			if _, ok := placeholders[value]; ok {
				blank++
			} else {
				filled++
			}
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			hasProse = true
		}
	}

	switch {
	case filled == 0 && blank == 0:
		if hasProse {
			return StatusLoaded
		}
		return StatusTemplateEmpty
	case filled == 0:
		return StatusTemplateEmpty
	case blank == 0:
		return StatusLoaded
	default:
		return StatusPartial
	}
}

// usable reports whether a file carries content worth injecting into the
// system prompt.
func (f File) usable() bool {
	return f.Status == StatusLoaded || f.Status == StatusPartial
}
