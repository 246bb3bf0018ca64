package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StateVersion is written into state.json; bump on layout changes.
const StateVersion = "1"

const (
	stateDirName      = ".coreclaw"
	stateFileName     = "state.json"
	baseDirName       = "base"
	backupDirName     = "backup"
	backupManifestFmt = "_manifest.json"
)

// AppliedSkill records one applied pack with per-file hashes and its
// structured outcomes.
type AppliedSkill struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	AppliedAt time.Time         `json:"appliedAt"`
	Files     map[string]string `json:"files"` // rel path -> sha256 hex
	Packages  []string          `json:"packages,omitempty"`
	EnvVars   []string          `json:"envVars,omitempty"`
}

// State is the on-disk engine state for one project root.
type State struct {
	Version             string         `json:"version"`
	Applied             []AppliedSkill `json:"applied"`
	CustomModifications []string       `json:"customModifications,omitempty"`
}

// backupManifest lists every file captured by a transient backup.
type backupManifest struct {
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *State) find(name string) *AppliedSkill {
	for i := range s.Applied {
		if s.Applied[i].Name == name {
			return &s.Applied[i]
		}
	}
	return nil
}

func (s *State) remove(name string) {
	for i := range s.Applied {
		if s.Applied[i].Name == name {
			s.Applied = append(s.Applied[:i], s.Applied[i+1:]...)
			return
		}
	}
}

// stateDir returns the engine directory for a project root.
func stateDir(projectRoot string) string {
	return filepath.Join(projectRoot, stateDirName)
}

func (e *Engine) statePath() string {
	return filepath.Join(stateDir(e.cfg.ProjectRoot), stateFileName)
}

func (e *Engine) basePath(rel string) string {
	return filepath.Join(stateDir(e.cfg.ProjectRoot), baseDirName, filepath.FromSlash(rel))
}

func (e *Engine) backupDir() string {
	return filepath.Join(stateDir(e.cfg.ProjectRoot), backupDirName)
}

func (e *Engine) loadState() (*State, error) {
	data, err := os.ReadFile(e.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return &State{Version: StateVersion}, nil
		}
		return nil, fmt.Errorf("read skill state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse skill state: %w", err)
	}
	if s.Version == "" {
		s.Version = StateVersion
	}
	return &s, nil
}

func (e *Engine) saveState(s *State) error {
	if err := os.MkdirAll(stateDir(e.cfg.ProjectRoot), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(e.statePath(), append(data, '\n'), 0o600)
}

// backupFiles snapshots the given project files (those that exist) into
// the backup tree and writes the backup manifest.
func (e *Engine) backupFiles(rels []string) error {
	dir := e.backupDir()
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	manifest := backupManifest{CreatedAt: time.Now().UTC()}
	for _, rel := range rels {
		src := filepath.Join(e.cfg.ProjectRoot, filepath.FromSlash(rel))
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				// Absent files are still listed so restore deletes them.
				manifest.Files = append(manifest.Files, rel)
				continue
			}
			return err
		}
		dst := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, 0o600); err != nil {
			return err
		}
		manifest.Files = append(manifest.Files, rel)
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, backupManifestFmt), append(data, '\n'), 0o600)
}

// restoreBackup puts every file listed in the backup manifest back;
// files that had no backup copy (they did not exist pre-apply) are
// deleted.
func (e *Engine) restoreBackup() error {
	dir := e.backupDir()
	data, err := os.ReadFile(filepath.Join(dir, backupManifestFmt))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var manifest backupManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse backup manifest: %w", err)
	}
	for _, rel := range manifest.Files {
		src := filepath.Join(dir, filepath.FromSlash(rel))
		dst := filepath.Join(e.cfg.ProjectRoot, filepath.FromSlash(rel))
		saved, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				if rmErr := os.Remove(dst); rmErr != nil && !os.IsNotExist(rmErr) {
					return rmErr
				}
				pruneEmptyDirs(filepath.Dir(dst), e.cfg.ProjectRoot)
				continue
			}
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(dst, saved, 0o600); err != nil {
			return err
		}
	}
	return nil
}

// clearBackup drops the transient backup tree.
func (e *Engine) clearBackup() {
	_ = os.RemoveAll(e.backupDir())
}

// pruneEmptyDirs removes now-empty ancestor directories up to, but not
// including, the stop directory.
func pruneEmptyDirs(dir, stop string) {
	stopAbs, err := filepath.Abs(stop)
	if err != nil {
		return
	}
	for {
		abs, err := filepath.Abs(dir)
		if err != nil || abs == stopAbs || len(abs) <= len(stopAbs) {
			return
		}
		entries, err := os.ReadDir(abs)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(abs); err != nil {
			return
		}
		dir = filepath.Dir(abs)
	}
}
