// Package apk reads Android package metadata from downloaded artifacts.
package apk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/shogo82148/androidbinary/apk"

	"github.com/huanfeng/sourcehub/pkg/utils"
)

// Info is what the inspector learns from an APK manifest
type Info struct {
	PackageID   string   `json:"package_id"`
	Label       string   `json:"label,omitempty"`
	Version     string   `json:"version"`
	VersionCode int64    `json:"version_code"`
	MinSDK      int      `json:"min_sdk,omitempty"`
	TargetSDK   int      `json:"target_sdk,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	ABIs        []string `json:"abis,omitempty"`
	Size        int64    `json:"size"`
}

// Inspect parses the manifest of the APK at path
func Inspect(path string) (*Info, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	pkg, err := apk.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open APK: %w", err)
	}
	defer pkg.Close()

	manifest := pkg.Manifest()
	info := &Info{
		PackageID:   manifest.Package.MustString(),
		Version:     manifest.VersionName.MustString(),
		VersionCode: int64(manifest.VersionCode.MustInt32()),
		Size:        fi.Size(),
	}
	if label, err := manifest.App.Label.String(); err == nil {
		info.Label = label
	}
	if min, err := manifest.SDK.Min.Int32(); err == nil {
		info.MinSDK = int(min)
	}
	if target, err := manifest.SDK.Target.Int32(); err == nil {
		info.TargetSDK = int(target)
	}
	for _, perm := range manifest.UsesPermissions {
		if name, err := perm.Name.String(); err == nil && name != "" {
			info.Permissions = append(info.Permissions, name)
		}
	}
	info.ABIs = nativeABIs(path)

	return info, nil
}

// nativeABIs lists the lib/<abi>/ directories of the archive
func nativeABIs(path string) []string {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil
	}
	defer zr.Close()

	seen := make(map[string]bool)
	for _, f := range zr.File {
		parts := strings.Split(f.Name, "/")
		if len(parts) >= 3 && parts[0] == "lib" && parts[1] != "" {
			seen[parts[1]] = true
		}
	}

	abis := make([]string, 0, len(seen))
	for abi := range seen {
		abis = append(abis, abi)
	}
	sort.Strings(abis)
	return abis
}

// Inspector is a post-processor that logs the identity of downloaded APKs
type Inspector struct {
	Logger utils.Logger
}

// Process implements downloads.PostProcessor. Non-APK artifacts are skipped;
// an unreadable APK is reported as an error.
func (i Inspector) Process(ctx context.Context, path string) error {
	if !strings.EqualFold(filepath.Ext(path), ".apk") {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := Inspect(path)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", filepath.Base(path), err)
	}

	utils.OrNop(i.Logger).WithFields(map[string]interface{}{
		"package":      info.PackageID,
		"version":      info.Version,
		"version_code": info.VersionCode,
		"abis":         strings.Join(info.ABIs, ","),
	}).Info("Inspected %s", filepath.Base(path))
	return nil
}
