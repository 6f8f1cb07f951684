package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/starford/vaultport/internal/apperr"
	"github.com/starford/vaultport/internal/layout"
)

// LockFile is the per-vault run lock, relative to the vault root.
const LockFile = "lock"

// LockVault takes the vault's run lock without waiting. A held lock is
// apperr.ErrVaultBusy. Callers release it with Unlock.
func LockVault(root string) (*flock.Flock, error) {
	dir := filepath.Join(root, layout.StateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create state dir: %w: %w", apperr.ErrDestinationUnwritable, err)
	}
	fl := flock.New(filepath.Join(dir, LockFile))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("pipeline: lock vault: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("pipeline: %s: %w", root, apperr.ErrVaultBusy)
	}
	return fl, nil
}
