package zephyr

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var cacheEntryRE = regexp.MustCompile(`^([^:]+):([^=]+)=(.*)$`)

var cmakeBools = map[string]bool{
	"1": true, "ON": true, "YES": true, "TRUE": true, "Y": true,
	"0": false, "OFF": false, "NO": false, "FALSE": false, "N": false,
	"IGNORE": false, "NOTFOUND": false, "": false,
}

// CMakeCache holds the entries of a CMakeCache.txt. BOOL entries are stored
// as bool, everything else as string.
type CMakeCache map[string]any

// ReadCMakeCache parses the CMakeCache.txt at path. Lines that are not
// NAME:TYPE=VALUE entries are ignored.
func ReadCMakeCache(path string) (CMakeCache, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cache := CMakeCache{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; sc.Scan(); line++ {
		m := cacheEntryRE.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		name, typ, value := m[1], m[2], m[3]
		if typ != "BOOL" {
			cache[name] = value
			continue
		}
		b, ok := cmakeBools[strings.ToUpper(value)]
		if !ok {
			return nil, fmt.Errorf("%s:%d: %s: invalid BOOL value %q", path, line, name, value)
		}
		cache[name] = b
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return cache, nil
}

// String returns a non-BOOL entry.
func (c CMakeCache) String(name string) (string, bool) {
	s, ok := c[name].(string)
	return s, ok
}

// Bool returns a BOOL entry.
func (c CMakeCache) Bool(name string) (bool, bool) {
	b, ok := c[name].(bool)
	return b, ok
}

// FlashRunner returns the board's flash runner, taken from
// ZEPHYR_BOARD_FLASH_RUNNER or else from the runners.yaml named by
// ZEPHYR_RUNNERS_YAML.
func (c CMakeCache) FlashRunner() (string, error) {
	if runner, ok := c.String("ZEPHYR_BOARD_FLASH_RUNNER"); ok && runner != "" {
		return runner, nil
	}
	path, ok := c.String("ZEPHYR_RUNNERS_YAML")
	if !ok {
		return "", fmt.Errorf("zephyr: CMake cache names no flash runner")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("zephyr: read runners: %w", err)
	}
	var doc struct {
		FlashRunner string `yaml:"flash-runner"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("zephyr: parse %s: %w", path, err)
	}
	if doc.FlashRunner == "" {
		return "", fmt.Errorf("zephyr: %s names no flash-runner", path)
	}
	return doc.FlashRunner, nil
}
