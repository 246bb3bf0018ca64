// Package skills applies, merges and rolls back versioned extension
// packs against a project tree.
package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const manifestFileName = "skill.json"

// FileRename is one pre-merge rename/move operation.
type FileRename struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// FileOps are filesystem operations executed before adds and merges.
type FileOps struct {
	Deletes []string     `json:"deletes,omitempty"`
	Renames []FileRename `json:"renames,omitempty"`
}

// Dependencies declares what a skill adds to the host project.
type Dependencies struct {
	Packages []string `json:"packages,omitempty"`
	Env      []string `json:"env,omitempty"`
}

// Manifest describes one skill directory.
type Manifest struct {
	Skill        string       `json:"skill"`
	Version      string       `json:"version"`
	Description  string       `json:"description,omitempty"`
	Adds         []string     `json:"adds,omitempty"`
	Modifies     []string     `json:"modifies,omitempty"`
	Dependencies Dependencies `json:"dependencies,omitempty"`
	Depends      []string     `json:"depends,omitempty"`
	Conflicts    []string     `json:"conflicts,omitempty"`
	Test         string       `json:"test,omitempty"`
	PostApply    []string     `json:"post_apply,omitempty"`
	FileOps      FileOps      `json:"file_ops,omitempty"`
}

// ReadManifest loads and validates the manifest of a skill directory.
func ReadManifest(skillDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(skillDir, manifestFileName))
	if err != nil {
		return nil, fmt.Errorf("read skill manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse skill manifest: %w", err)
	}
	if strings.TrimSpace(m.Skill) == "" {
		return nil, fmt.Errorf("skill manifest missing name")
	}
	if strings.TrimSpace(m.Version) == "" {
		return nil, fmt.Errorf("skill manifest missing version")
	}
	for _, rel := range append(append([]string{}, m.Adds...), m.Modifies...) {
		if !isSafeRelativePath(rel) {
			return nil, fmt.Errorf("unsafe path in skill manifest: %s", rel)
		}
	}
	return &m, nil
}

// isSafeRelativePath rejects absolute paths and parent traversal.
func isSafeRelativePath(rel string) bool {
	if rel == "" || filepath.IsAbs(rel) {
		return false
	}
	clean := filepath.ToSlash(filepath.Clean(rel))
	return clean != ".." && !strings.HasPrefix(clean, "../")
}
