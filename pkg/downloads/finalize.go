package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
)

// DirectoryResolver grants scoped access to the download directory.
// Every filesystem touch happens inside fn.
type DirectoryResolver interface {
	WithDownloadDir(ctx context.Context, fn func(dir string) error) error
}

// StaticDir is a DirectoryResolver for a plain directory path
type StaticDir string

// WithDownloadDir creates the directory when needed and calls fn with it
func (d StaticDir) WithDownloadDir(ctx context.Context, fn func(dir string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(string(d), 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	return fn(string(d))
}

// ArtifactName derives the local file name for a download URL from its last
// path component, appending ext when the component has no extension.
func ArtifactName(rawURL, ext string) string {
	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || name == "_" {
		name = "download"
	}
	if ext != "" && path.Ext(name) == "" {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		name += ext
	}
	return name
}

func (r *Registry) artifactExists(ctx context.Context, rawURL string) (bool, error) {
	name := ArtifactName(rawURL, r.opts.DefaultExtension)
	exists := false
	err := r.opts.Dirs.WithDownloadDir(ctx, func(dir string) error {
		_, err := os.Stat(filepath.Join(dir, name))
		exists = err == nil
		return nil
	})
	return exists, err
}

// finalize moves a completed transfer into the download directory. The
// registry entry is already gone; a failed move leaves nothing to resume.
func (r *Registry) finalize(ctx context.Context, rawURL, tempPath string) {
	name := ArtifactName(rawURL, r.opts.DefaultExtension)

	var dest string
	err := r.opts.Dirs.WithDownloadDir(ctx, func(dir string) error {
		dest = filepath.Join(dir, name)
		return moveFile(tempPath, dest)
	})
	if err != nil {
		r.log.Error("Failed to move %s into place: %v", rawURL, err)
		if rerr := os.Remove(tempPath); rerr != nil && !os.IsNotExist(rerr) {
			r.log.Warn("Failed to remove temporary file %s: %v", tempPath, rerr)
		}
		r.opts.Notifier.DownloadFailed(rawURL, err)
		return
	}

	r.log.Info("Downloaded %s to %s", rawURL, dest)

	if r.opts.AutoPostProcess && r.opts.PostProcessor != nil {
		r.tomb.Go(func() error {
			if err := r.opts.PostProcessor.Process(r.loopCtx, dest); err != nil {
				r.log.Warn("Post-processing of %s failed: %v", dest, err)
			}
			r.opts.Notifier.DownloadFinished(rawURL, dest)
			return nil
		})
		return
	}

	r.opts.Notifier.DownloadFinished(rawURL, dest)
}

// moveFile renames src over dst, copying when they are on different devices
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		if _, statErr := os.Stat(dst); statErr == nil {
			// Some platforms refuse to rename over an existing file.
			if rmErr := os.Remove(dst); rmErr != nil {
				return err
			}
			return os.Rename(src, dst)
		}
		return err
	}

	if err := copyFile(src, dst); err != nil {
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

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
