package zephyr

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleCache = `# This is the CMakeCache file.
# For build in directory: /work/build

//Board
BOARD:STRING=nrf5340dk_nrf5340_cpuapp
CMAKE_VERBOSE_MAKEFILE:BOOL=FALSE
ZEPHYR_BOARD_FLASH_RUNNER:STRING=nrfjprog
HAS_FEATURE:BOOL=on
MISSING:BOOL=NOTFOUND
CMAKE_C_FLAGS:STRING=-O2 -DX=1
not an entry
`

func writeCache(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "CMakeCache.txt")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

func TestReadCMakeCache(t *testing.T) {
	cache, err := ReadCMakeCache(writeCache(t, sampleCache))
	if err != nil {
		t.Fatalf("ReadCMakeCache() failed: %v", err)
	}
	if b, ok := cache.String("BOARD"); !ok || b != "nrf5340dk_nrf5340_cpuapp" {
		t.Fatalf("BOARD = %q, %v", b, ok)
	}
	if v, ok := cache.Bool("CMAKE_VERBOSE_MAKEFILE"); !ok || v {
		t.Fatalf("CMAKE_VERBOSE_MAKEFILE = %v, %v", v, ok)
	}
	if v, ok := cache.Bool("HAS_FEATURE"); !ok || !v {
		t.Fatalf("HAS_FEATURE = %v, %v", v, ok)
	}
	if v, ok := cache.Bool("MISSING"); !ok || v {
		t.Fatalf("MISSING = %v, %v", v, ok)
	}
	if f, _ := cache.String("CMAKE_C_FLAGS"); f != "-O2 -DX=1" {
		t.Fatalf("CMAKE_C_FLAGS = %q", f)
	}
	if _, ok := cache["not an entry"]; ok {
		t.Fatal("comment line parsed as an entry")
	}

	runner, err := cache.FlashRunner()
	if err != nil || runner != "nrfjprog" {
		t.Fatalf("FlashRunner() = %q, %v", runner, err)
	}
}

func TestReadCMakeCacheBadBool(t *testing.T) {
	_, err := ReadCMakeCache(writeCache(t, "X:BOOL=maybe\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid BOOL") {
		t.Fatalf("ReadCMakeCache() error = %v", err)
	}
}

func TestFlashRunnerFromRunnersYAML(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "runners.yaml")
	if err := os.WriteFile(yamlPath, []byte("flash-runner: openocd\nrunners:\n  - openocd\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	cache, err := ReadCMakeCache(writeCache(t, "ZEPHYR_RUNNERS_YAML:INTERNAL="+yamlPath+"\n"))
	if err != nil {
		t.Fatalf("ReadCMakeCache() failed: %v", err)
	}
	runner, err := cache.FlashRunner()
	if err != nil || runner != "openocd" {
		t.Fatalf("FlashRunner() = %q, %v", runner, err)
	}

	if _, err := (CMakeCache{}).FlashRunner(); err == nil {
		t.Fatal("FlashRunner() succeeded on an empty cache")
	}
}
