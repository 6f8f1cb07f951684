package api

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxUploadBytes = 2 << 30 // 2 GB

// resolveBundle validates a client-supplied bundle path. With a root set the
// path is taken relative to it and must not escape it.
func resolveBundle(root, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("path is required")
	}
	if !strings.EqualFold(filepath.Ext(name), ".enex") {
		return "", fmt.Errorf("not an .enex bundle: %s", name)
	}
	if root == "" {
		return filepath.Clean(name), nil
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	abs := filepath.Join(absRoot, filepath.Clean("/"+name))
	if filepath.IsAbs(name) {
		abs = filepath.Clean(name)
	}
	if !strings.HasPrefix(abs, absRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes bundle directory")
	}
	return abs, nil
}
