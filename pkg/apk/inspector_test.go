package apk

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/klauspost/compress/zip"
)

func writeArchive(t *testing.T, path string, names ...string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte("x"))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func TestInspectorSkipsOtherArtifacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "App.ipa")
	os.WriteFile(path, []byte("not an apk"), 0644)

	if err := (Inspector{}).Process(context.Background(), path); err != nil {
		t.Errorf("Process(.ipa) = %v, want nil", err)
	}
}

func TestInspectorReportsBrokenAPK(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.apk")
	writeArchive(t, path, "classes.dex")

	if err := (Inspector{}).Process(context.Background(), path); err == nil {
		t.Error("Process accepted an APK without a manifest")
	}
}

func TestNativeABIs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.apk")
	writeArchive(t, path,
		"lib/x86_64/libfoo.so",
		"lib/arm64-v8a/libfoo.so",
		"lib/arm64-v8a/libbar.so",
		"assets/lib/readme",
	)

	got := nativeABIs(path)
	want := []string{"arm64-v8a", "x86_64"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("nativeABIs = %v, want %v", got, want)
	}
}
