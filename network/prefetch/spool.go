package prefetch

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

const runDirPrefix = "ehr-spool-"

// NewRunDir creates the directory a receiver run spools into. With an empty root it is created
// in the system temp dir.
func NewRunDir(root string) (string, error) {
	if root == "" {
		dir, err := pathutil.NewPathProvider().CreateTempDir(runDirPrefix)
		if err != nil {
			return "", fmt.Errorf("create spool dir: %w", err)
		}
		return dir, nil
	}

	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", fmt.Errorf("create spool root: %w", err)
	}
	dir, err := os.MkdirTemp(root, runDirPrefix)
	if err != nil {
		return "", fmt.Errorf("create spool dir: %w", err)
	}
	return dir, nil
}

// SweepStale removes run directories under root that are older than maxAge, left behind by
// runs that were killed before cleaning up. An empty root means the system temp dir.
func SweepStale(root string, maxAge time.Duration, logger log.Logger) (int, error) {
	if root == "" {
		root = os.TempDir()
	}

	matches, err := doublestar.Glob(os.DirFS(root), runDirPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("list spool dirs: %w", err)
	}

	files := fileutil.NewFileManager()
	removed := 0
	for _, match := range matches {
		pth := filepath.Join(root, match)
		info, err := os.Stat(pth)
		if err != nil || !info.IsDir() {
			continue
		}
		if time.Since(info.ModTime()) < maxAge {
			continue
		}
		if err := files.RemoveAll(pth); err != nil {
			logger.Warnf("Failed to remove stale spool dir %s: %s", pth, err)
			continue
		}
		logger.Debugf("Removed stale spool dir %s", pth)
		removed++
	}
	return removed, nil
}

// Spool is one provider's exclusive directory of downloaded, not yet consumed chunks.
type Spool struct {
	dir   string
	files fileutil.FileManager
}

// NewSpool ...
func NewSpool(runDir string, providerIndex int) (*Spool, error) {
	if runDir == "" {
		return nil, fmt.Errorf("spool run dir is empty")
	}
	dir := filepath.Join(runDir, fmt.Sprintf("provider-%d", providerIndex))
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create provider spool dir: %w", err)
	}
	return &Spool{dir: dir, files: fileutil.NewFileManager()}, nil
}

// Dir ...
func (s *Spool) Dir() string {
	return s.dir
}

// Path is the file a chunk is downloaded into.
func (s *Spool) Path(chunkIndex int) string {
	return filepath.Join(s.dir, fmt.Sprintf("chunk-%06d.bin", chunkIndex))
}

// ReadAndRemove returns the spooled chunk and deletes its file.
func (s *Spool) ReadAndRemove(chunkIndex int) ([]byte, error) {
	pth := s.Path(chunkIndex)
	data, err := os.ReadFile(pth)
	if err != nil {
		return nil, fmt.Errorf("read spooled chunk %d: %w", chunkIndex, err)
	}
	if err := s.files.Remove(pth); err != nil {
		return nil, fmt.Errorf("remove spooled chunk %d: %w", chunkIndex, err)
	}
	return data, nil
}

// Count returns the number of chunk files currently on disk.
func (s *Spool) Count() (int, error) {
	matches, err := doublestar.Glob(os.DirFS(s.dir), "chunk-*.bin")
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

// Close removes the spool directory and everything left in it.
func (s *Spool) Close() error {
	err := s.files.RemoveAll(s.dir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
