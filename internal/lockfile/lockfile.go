// Package lockfile implements the single-instance guard the bridge takes
// out for one bot token (spec §6, §8): a well-known path holding
// {pid, token_fingerprint}, checked for PID liveness and fingerprint match
// before being replaced. No pack repo imports a file-locking library (gofrs/
// flock only shows up as a transitive lint-tool dependency, never an
// application import — see DESIGN.md), so this stays stdlib os/json, in the
// same minimal-utility register as gongjunhao-mybot's internal/util.
package lockfile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrHeld is returned by Acquire when another live process holds the lock
// for the same token fingerprint (exit code 2 per spec §6's CLI surface).
var ErrHeld = errors.New("lockfile: held by another process")

type payload struct {
	PID         int    `json:"pid"`
	Fingerprint string `json:"token_fingerprint"`
}

// Lock is a held single-instance lock. Release deletes the file.
type Lock struct {
	path string
}

// Fingerprint derives a stable, non-reversible fingerprint of a bot token so
// the lock file never stores the token itself.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16]
}

// Acquire takes the lock at path for token, replacing a stale lock (dead
// PID, or live PID but a different token fingerprint left over from a prior
// bot) and failing with ErrHeld if a live process already owns it for the
// same token.
func Acquire(path, token string) (*Lock, error) {
	fp := Fingerprint(token)

	if existing, err := read(path); err == nil {
		if isAlive(existing.PID) && existing.Fingerprint == fp {
			return nil, fmt.Errorf("%w (pid %d)", ErrHeld, existing.PID)
		}
		// Stale: the process is gone or holds a different token, safe to replace.
	}

	if err := write(path, payload{PID: os.Getpid(), Fingerprint: fp}); err != nil {
		return nil, fmt.Errorf("lockfile: write %s: %w", path, err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call once; idempotent on a
// missing file.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	err := os.Remove(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func read(path string) (payload, error) {
	var p payload
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, err
	}
	return p, nil
}

func write(path string, p payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

