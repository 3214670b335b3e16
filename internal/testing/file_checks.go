// Package testing holds file assertions shared by the receiver and sender tests.
package testing

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// FileChecker collects checks on one path and reports every failure at once.
type FileChecker struct {
	Path   string
	Checks []func(string) error
}

// NewFileChecker ...
func NewFileChecker(path string) *FileChecker {
	return &FileChecker{Path: path}
}

// Check runs all checks and returns a MultiError with the failures.
func (fc *FileChecker) Check() error {
	errs := MultiError{}
	for _, check := range fc.Checks {
		AppendErr(&errs, check(fc.Path))
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// IsFile adds a check that the path is a regular file.
func (fc *FileChecker) IsFile() *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("expected regular file: %s", path)
		}
		return nil
	})
	return fc
}

// ModeEquals adds a check on the permission bits.
func (fc *FileChecker) ModeEquals(perm os.FileMode) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if got := info.Mode().Perm(); got != perm.Perm() {
			return fmt.Errorf("mode mismatch for %s: want %o got %o", path, perm.Perm(), got)
		}
		return nil
	})
	return fc
}

// Content adds a check that the file holds exactly want.
func (fc *FileChecker) Content(want []byte) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		got, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("file %s content mismatch\nwant:\n%q\n\ngot:\n%q", path, want, got)
		}
		return nil
	})
	return fc
}

// NoPartialFile adds a check that no unfinished <path>.partial is left next to the path.
func (fc *FileChecker) NoPartialFile() *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		if _, err := os.Lstat(path + ".partial"); !os.IsNotExist(err) {
			return fmt.Errorf("unexpected partial file next to %s", path)
		}
		return nil
	})
	return fc
}

// EmptyGlob fails if anything under dir matches pattern.
func EmptyGlob(dir, pattern string) error {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return err
	}
	if len(matches) > 0 {
		return fmt.Errorf("expected no %s in %s, found %v", pattern, dir, matches)
	}
	return nil
}

func getInfo(path string) (os.FileInfo, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("path does not exist: %s", path)
		}
		return nil, fmt.Errorf("lstat %s: %w", path, err)
	}
	return info, nil
}
