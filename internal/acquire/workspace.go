package acquire

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
)

// WorkspacePrefix marks per-attempt scratch directories under the workspace root.
const WorkspacePrefix = "temp_"

// Workspace is a scratch directory owned by exactly one acquisition attempt.
type Workspace struct {
	Dir string
}

func newWorkspace(root string) (*Workspace, error) {
	dir := filepath.Join(root, WorkspacePrefix+uuid.New().String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

// find returns the first regular file in the workspace with the given
// extension, or "" if there is none.
func (w *Workspace) find(ext string) (string, error) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return "", err
	}
	suffix := "." + strings.ToLower(ext)
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(strings.ToLower(e.Name()), suffix) {
			return filepath.Join(w.Dir, e.Name()), nil
		}
	}
	return "", nil
}

func (w *Workspace) remove() error {
	return os.RemoveAll(w.Dir)
}

// IsWorkspaceDir reports whether name looks like an attempt workspace.
func IsWorkspaceDir(name string) bool {
	return strings.HasPrefix(name, WorkspacePrefix)
}

var renameFunc = os.Rename

// moveFile renames src to dst, falling back to copy and remove when the two
// paths are on different filesystems.
func moveFile(src, dst string) error {
	err := renameFunc(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	tmp := dst + ".partial"
	if err := copyFile(src, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
