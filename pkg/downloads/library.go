package downloads

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	hubErrors "github.com/huanfeng/sourcehub/internal/errors"
)

var (
	ErrArtifactExists   = hubErrors.NewConflictError("ARTIFACT_EXISTS", "a file with that name already exists")
	ErrArtifactNotFound = hubErrors.NewNotFoundError("ARTIFACT_NOT_FOUND", "no such file in the download directory")
	ErrInvalidName      = hubErrors.NewValidationError("INVALID_ARTIFACT_NAME", "invalid file name")
)

// Artifact is a finished file in the download directory
type Artifact struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Library manages the files in the download directory. It shares the
// directory with the registry and with the user; there is no locking.
type Library struct {
	dirs DirectoryResolver
}

// NewLibrary creates a library over dirs
func NewLibrary(dirs DirectoryResolver) *Library {
	return &Library{dirs: dirs}
}

// List returns the artifacts sorted by name. Extraction folders are skipped.
func (l *Library) List(ctx context.Context) ([]Artifact, error) {
	var artifacts []Artifact
	err := l.dirs.WithDownloadDir(ctx, func(dir string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, de := range entries {
			if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
				continue
			}
			info, err := de.Info()
			if err != nil {
				continue
			}
			artifacts = append(artifacts, Artifact{Name: de.Name(), Size: info.Size(), ModTime: info.ModTime()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Name < artifacts[j].Name })
	return artifacts, nil
}

// Rename renames an artifact. It fails rather than overwrite.
func (l *Library) Rename(ctx context.Context, oldName, newName string) error {
	if err := validateName(oldName); err != nil {
		return err
	}
	if err := validateName(newName); err != nil {
		return err
	}
	return l.dirs.WithDownloadDir(ctx, func(dir string) error {
		src := filepath.Join(dir, oldName)
		dst := filepath.Join(dir, newName)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			return hubErrors.Wrapf(ErrArtifactNotFound, err, "%s not found", oldName)
		}
		if _, err := os.Lstat(dst); err == nil {
			return hubErrors.Wrapf(ErrArtifactExists, nil, "%s already exists", newName)
		}
		return os.Rename(src, dst)
	})
}

// Delete removes an artifact and its extraction folder, if any
func (l *Library) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	return l.dirs.WithDownloadDir(ctx, func(dir string) error {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return hubErrors.Wrapf(ErrArtifactNotFound, err, "%s not found", name)
			}
			return err
		}
		extracted := strings.TrimSuffix(path, filepath.Ext(path)) + "_extracted"
		if fi, err := os.Stat(extracted); err == nil && fi.IsDir() {
			return os.RemoveAll(extracted)
		}
		return nil
	})
}

// Import copies an outside file into the download directory and returns the
// name it was stored under. An existing file with that name is an error.
func (l *Library) Import(ctx context.Context, src string) (string, error) {
	name := filepath.Base(src)
	if err := validateName(name); err != nil {
		return "", err
	}

	err := l.dirs.WithDownloadDir(ctx, func(dir string) error {
		dst := filepath.Join(dir, name)
		if _, err := os.Lstat(dst); err == nil {
			return hubErrors.Wrapf(ErrArtifactExists, nil, "%s already exists", name)
		}

		in, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", src, err)
		}
		defer in.Close()

		out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			os.Remove(dst)
			return err
		}
		return out.Close()
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return hubErrors.Wrapf(ErrInvalidName, nil, "invalid file name %q", name)
	}
	return nil
}
