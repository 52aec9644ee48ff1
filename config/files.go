package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Limits on what the loader accepts. A board description with a few thousand
// cores and inline event lists stays well under maxFileSize.
const (
	maxFileSize  = 10 << 20
	maxNesting   = 64
	maxEnvLength = 4096
)

var configExts = []string{".json", ".yaml", ".yml"}

// checkPath rejects paths that climb out of their base with "..", and any
// extension the loader cannot parse.
func checkPath(path string) error {
	if path == "" {
		return errors.New("empty config path")
	}
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) && (clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator))) {
		return fmt.Errorf("config path %s leaves the working directory", path)
	}
	if !slices.Contains(configExts, strings.ToLower(filepath.Ext(clean))) {
		return fmt.Errorf("config path %s: want one of %v", path, configExts)
	}
	return nil
}

// readConfigFile reads a regular file no larger than maxFileSize.
func readConfigFile(path string) ([]byte, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	switch {
	case !info.Mode().IsRegular():
		return nil, fmt.Errorf("%s is not a regular file", path)
	case info.Size() > maxFileSize:
		return nil, fmt.Errorf("%s is %d bytes, limit %d", path, info.Size(), maxFileSize)
	}
	return os.ReadFile(path)
}

// writeConfigFile writes data readable by the owner only.
func writeConfigFile(path string, data []byte) error {
	if err := checkPath(path); err != nil {
		return err
	}
	if len(data) > maxFileSize {
		return fmt.Errorf("config is %d bytes, limit %d", len(data), maxFileSize)
	}
	return os.WriteFile(path, data, 0o600)
}

func checkEnvValue(key, value string) error {
	if len(value) > maxEnvLength {
		return fmt.Errorf("%s: value is %d bytes, limit %d", key, len(value), maxEnvLength)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("%s: value contains a NUL byte", key)
	}
	return nil
}

// checkNesting walks the JSON token stream and fails once arrays and objects
// nest deeper than maxNesting. Syntax errors are left to json.Unmarshal.
func checkNesting(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil
		}
		d, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		switch d {
		case '{', '[':
			depth++
			if depth > maxNesting {
				return fmt.Errorf("JSON nests deeper than %d", maxNesting)
			}
		default:
			depth--
		}
	}
}
