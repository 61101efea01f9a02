package downloads

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/huanfeng/sourcehub/pkg/utils"
)

// PostProcessor runs on a finished artifact
type PostProcessor interface {
	Process(ctx context.Context, path string) error
}

// PostProcessorFunc adapts a function to PostProcessor
type PostProcessorFunc func(ctx context.Context, path string) error

// Process calls f
func (f PostProcessorFunc) Process(ctx context.Context, path string) error {
	return f(ctx, path)
}

// Chain runs post-processors in order and stops at the first error
type Chain []PostProcessor

// Process implements PostProcessor
func (c Chain) Process(ctx context.Context, path string) error {
	for _, p := range c {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.Process(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// Notifier is told about the outcome of every download
type Notifier interface {
	DownloadFinished(url, path string)
	DownloadFailed(url string, err error)
}

type nopNotifier struct{}

func (nopNotifier) DownloadFinished(string, string) {}
func (nopNotifier) DownloadFailed(string, error) {}

// ZipExtractor unpacks .ipa and .zip artifacts next to themselves into
// <name>_extracted/
type ZipExtractor struct {
	Logger utils.Logger
}

// Process implements PostProcessor. Other file types are left alone.
func (z ZipExtractor) Process(ctx context.Context, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ipa", ".zip":
	default:
		return nil
	}

	dest := strings.TrimSuffix(path, filepath.Ext(path)) + "_extracted"
	n, err := extractZip(ctx, path, dest)
	if err != nil {
		return fmt.Errorf("failed to extract %s: %w", filepath.Base(path), err)
	}
	utils.OrNop(z.Logger).Info("Extracted %d files from %s", n, filepath.Base(path))
	return nil
}

func extractZip(ctx context.Context, src, dest string) (int, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return 0, err
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return count, fmt.Errorf("entry %q escapes the extraction directory", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return count, err
			}
			continue
		}

		if err := extractEntry(f, target); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func extractEntry(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
