package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"forksentry/logger"
	"forksentry/utils"

	"github.com/google/uuid"
)

// Workspace is the scratch area of one job: the clone, downloaded assets and
// extracted archive members all live below Root.
type Workspace struct {
	ID   string
	Root string
}

// New creates a fresh job directory under baseDir, or under the system temp
// directory when baseDir is empty.
func New(baseDir string) (*Workspace, error) {
	if baseDir != "" {
		if err := os.MkdirAll(baseDir, 0o700); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}
	id := uuid.NewString()
	root, err := os.MkdirTemp(baseDir, "job-"+id+"-")
	if err != nil {
		return nil, fmt.Errorf("create job workspace: %w", err)
	}
	return &Workspace{ID: id, Root: root}, nil
}

// Dir returns (and creates) a named subdirectory of the workspace.
func (w *Workspace) Dir(name string) (string, error) {
	dir, err := utils.SafeJoin(w.Root, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// Path resolves name inside the workspace without creating anything.
func (w *Workspace) Path(name string) (string, error) {
	return utils.SafeJoin(w.Root, name)
}

// Cleanup removes the workspace. It is safe to call more than once.
func (w *Workspace) Cleanup() error {
	if w == nil || w.Root == "" {
		return nil
	}
	if err := os.RemoveAll(w.Root); err != nil {
		logger.Warnf("Failed to remove workspace %s: %v", w.Root, err)
		return err
	}
	logger.Debugf("Removed workspace %s", filepath.Base(w.Root))
	return nil
}
