package skills

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Config configures the skill engine for one project root. The engine
// must be invoked serially per root; the base and backup trees are a
// single mutable slot.
type Config struct {
	ProjectRoot    string
	PackageFile    string   // project dependency manifest, default package.json
	EnvExampleFile string   // env-var example file, default .env.example
	InstallCommand []string // dependency install command, default npm install
}

// Result is the outcome of an apply or uninstall.
type Result struct {
	Success   bool     `json:"success"`
	Skill     string   `json:"skill"`
	Version   string   `json:"version,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Engine applies and removes skills.
type Engine struct {
	cfg Config
}

// NewEngine creates a skill engine. Zero-valued config fields fall back
// to defaults.
func NewEngine(cfg Config) *Engine {
	if cfg.PackageFile == "" {
		cfg.PackageFile = "package.json"
	}
	if cfg.EnvExampleFile == "" {
		cfg.EnvExampleFile = ".env.example"
	}
	if len(cfg.InstallCommand) == 0 {
		cfg.InstallCommand = []string{"npm", "install"}
	}
	return &Engine{cfg: cfg}
}

// List returns the applied skills.
func (e *Engine) List() ([]AppliedSkill, error) {
	state, err := e.loadState()
	if err != nil {
		return nil, err
	}
	return state.Applied, nil
}

// Apply installs one skill directory into the project tree. Either the
// project ends up in the post-apply state, or the backup is restored
// and it matches the pre-apply state. A merge-conflict-only apply
// reports success=false but is still recorded and not rolled back.
func (e *Engine) Apply(skillDir string) (*Result, error) {
	manifest, err := ReadManifest(skillDir)
	if err != nil {
		return nil, err
	}
	state, err := e.loadState()
	if err != nil {
		return nil, err
	}

	if err := e.preflight(manifest, state); err != nil {
		return &Result{Skill: manifest.Skill, Version: manifest.Version, Error: err.Error()}, err
	}

	// Everything the apply can touch is backed up first.
	touched := e.touchedFiles(manifest)
	if err := e.backupFiles(touched); err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}

	conflicts, applyErr := e.applySteps(skillDir, manifest, state)
	if applyErr != nil {
		slog.Error("Skill apply failed, restoring backup", "skill", manifest.Skill, "error", applyErr)
		if restoreErr := e.restoreBackup(); restoreErr != nil {
			return nil, fmt.Errorf("apply failed (%v) and restore failed: %w", applyErr, restoreErr)
		}
		e.clearBackup()
		return &Result{Skill: manifest.Skill, Version: manifest.Version, Error: applyErr.Error()}, applyErr
	}

	e.clearBackup()
	slog.Info("Skill applied", "skill", manifest.Skill, "version", manifest.Version, "conflicts", len(conflicts))
	return &Result{
		Success:   len(conflicts) == 0,
		Skill:     manifest.Skill,
		Version:   manifest.Version,
		Conflicts: conflicts,
	}, nil
}

// preflight rejects re-applies, missing dependencies and conflicts with
// one joined error message.
func (e *Engine) preflight(m *Manifest, state *State) error {
	var problems []string
	if state.find(m.Skill) != nil {
		problems = append(problems, fmt.Sprintf("skill %q is already applied", m.Skill))
	}
	for _, dep := range m.Depends {
		if state.find(dep) == nil {
			problems = append(problems, fmt.Sprintf("required skill %q is not applied", dep))
		}
	}
	for _, conflict := range m.Conflicts {
		if state.find(conflict) != nil {
			problems = append(problems, fmt.Sprintf("conflicting skill %q is applied", conflict))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("skill pre-flight failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// touchedFiles is the full set of project files an apply may modify.
func (e *Engine) touchedFiles(m *Manifest) []string {
	set := map[string]bool{}
	for _, rel := range m.Adds {
		set[filepath.ToSlash(rel)] = true
	}
	for _, rel := range m.Modifies {
		set[filepath.ToSlash(rel)] = true
	}
	for _, rel := range m.FileOps.Deletes {
		set[filepath.ToSlash(rel)] = true
	}
	for _, op := range m.FileOps.Renames {
		set[filepath.ToSlash(op.From)] = true
		set[filepath.ToSlash(op.To)] = true
	}
	if len(m.Dependencies.Packages) > 0 {
		set[e.cfg.PackageFile] = true
	}
	if len(m.Dependencies.Env) > 0 {
		set[e.cfg.EnvExampleFile] = true
	}
	out := make([]string, 0, len(set))
	for rel := range set {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

// applySteps runs steps 3-8 of the apply. Any returned error triggers a
// full backup restore in the caller.
func (e *Engine) applySteps(skillDir string, m *Manifest, state *State) ([]string, error) {
	if err := e.runFileOps(m.FileOps); err != nil {
		return nil, err
	}

	hashes := map[string]string{}

	for _, rel := range m.Adds {
		src := filepath.Join(skillDir, "add", filepath.FromSlash(rel))
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("skill add source %s: %w", rel, err)
		}
		dst := filepath.Join(e.cfg.ProjectRoot, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(dst, data, 0o600); err != nil {
			return nil, err
		}
		hashes[filepath.ToSlash(rel)] = hashBytes(data)
	}

	var conflicts []string
	pendingBase := map[string]string{}
	for _, rel := range m.Modifies {
		src := filepath.Join(skillDir, "modify", filepath.FromSlash(rel))
		skillData, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("skill modify source %s: %w", rel, err)
		}
		dst := filepath.Join(e.cfg.ProjectRoot, filepath.FromSlash(rel))
		currentData, err := os.ReadFile(dst)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}

		baseData, baseErr := os.ReadFile(e.basePath(rel))
		var merged MergeResult
		if baseErr != nil {
			if !os.IsNotExist(baseErr) {
				return nil, baseErr
			}
			if err == nil {
				// First skill to modify this file: the current content
				// becomes its base snapshot.
				if serr := e.snapshotBase(rel, currentData); serr != nil {
					return nil, serr
				}
				merged = ThreeWayMerge(string(currentData), string(currentData), string(skillData))
			} else {
				// No base and no current file: overlay, skill wins.
				merged = MergeResult{Content: string(skillData)}
			}
		} else {
			merged = ThreeWayMerge(string(baseData), string(currentData), string(skillData))
		}

		if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(dst, []byte(merged.Content), 0o600); err != nil {
			return nil, err
		}
		hashes[filepath.ToSlash(rel)] = hashBytes([]byte(merged.Content))
		if merged.Conflict {
			conflicts = append(conflicts, filepath.ToSlash(rel))
		} else if err == nil {
			pendingBase[rel] = string(currentData)
		}
	}

	depsAdded, err := e.mergeDependencies(m.Dependencies)
	if err != nil {
		return nil, err
	}
	if len(m.Dependencies.Packages) > 0 {
		hashes[e.cfg.PackageFile] = hashFile(filepath.Join(e.cfg.ProjectRoot, e.cfg.PackageFile))
	}
	if len(m.Dependencies.Env) > 0 {
		hashes[e.cfg.EnvExampleFile] = hashFile(filepath.Join(e.cfg.ProjectRoot, e.cfg.EnvExampleFile))
	}

	if depsAdded {
		if err := e.runCommandLine(strings.Join(e.cfg.InstallCommand, " ")); err != nil {
			return nil, fmt.Errorf("dependency install failed: %w", err)
		}
	}
	for _, command := range m.PostApply {
		if err := e.runCommandLine(command); err != nil {
			return nil, fmt.Errorf("post_apply command failed: %w", err)
		}
	}
	if m.Test != "" {
		if err := e.runCommandLine(m.Test); err != nil {
			return nil, fmt.Errorf("skill test failed: %w", err)
		}
	}

	// Base snapshots advance to the pre-merge content only for clean
	// modifies, at the very end.
	for rel, content := range pendingBase {
		if err := e.snapshotBase(rel, []byte(content)); err != nil {
			return nil, err
		}
	}

	state.Applied = append(state.Applied, AppliedSkill{
		Name:      m.Skill,
		Version:   m.Version,
		AppliedAt: time.Now().UTC(),
		Files:     hashes,
		Packages:  append([]string(nil), m.Dependencies.Packages...),
		EnvVars:   append([]string(nil), m.Dependencies.Env...),
	})
	if err := e.saveState(state); err != nil {
		return nil, err
	}
	return conflicts, nil
}

func (e *Engine) runFileOps(ops FileOps) error {
	for _, rel := range ops.Deletes {
		if !isSafeRelativePath(rel) {
			return fmt.Errorf("unsafe file_ops delete path: %s", rel)
		}
		path := filepath.Join(e.cfg.ProjectRoot, filepath.FromSlash(rel))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	for _, op := range ops.Renames {
		if !isSafeRelativePath(op.From) || !isSafeRelativePath(op.To) {
			return fmt.Errorf("unsafe file_ops rename path: %s -> %s", op.From, op.To)
		}
		from := filepath.Join(e.cfg.ProjectRoot, filepath.FromSlash(op.From))
		to := filepath.Join(e.cfg.ProjectRoot, filepath.FromSlash(op.To))
		if err := os.MkdirAll(filepath.Dir(to), 0o700); err != nil {
			return err
		}
		if err := os.Rename(from, to); err != nil {
			return err
		}
	}
	return nil
}

// mergeDependencies appends declared packages to the package file and
// declared env-var names to the env example, skipping ones already
// present. It reports whether any package was added.
func (e *Engine) mergeDependencies(deps Dependencies) (bool, error) {
	added := false
	if len(deps.Packages) > 0 {
		path := filepath.Join(e.cfg.ProjectRoot, e.cfg.PackageFile)
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return false, err
		}
		content := string(data)
		for _, pkg := range deps.Packages {
			if strings.Contains(content, pkg) {
				continue
			}
			content += pkg + "\n"
			added = true
		}
		if added {
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				return false, err
			}
		}
	}
	if len(deps.Env) > 0 {
		path := filepath.Join(e.cfg.ProjectRoot, e.cfg.EnvExampleFile)
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return false, err
		}
		content := string(data)
		changed := false
		for _, name := range deps.Env {
			if containsEnvName(content, name) {
				continue
			}
			if content != "" && !strings.HasSuffix(content, "\n") {
				content += "\n"
			}
			content += name + "=\n"
			changed = true
		}
		if changed {
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				return false, err
			}
		}
	}
	return added, nil
}

func containsEnvName(content, name string) bool {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), name+"=") {
			return true
		}
	}
	return false
}

func (e *Engine) runCommandLine(command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil
	}
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = e.cfg.ProjectRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (%s)", command, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (e *Engine) snapshotBase(rel string, content []byte) error {
	path := e.basePath(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o600)
}

// Uninstall removes an applied skill: files with a base snapshot are
// restored, files the skill introduced are deleted (pruning emptied
// directories), declared packages are removed and the record dropped.
func (e *Engine) Uninstall(name string) (*Result, error) {
	state, err := e.loadState()
	if err != nil {
		return nil, err
	}
	applied := state.find(name)
	if applied == nil {
		return nil, fmt.Errorf("skill %q is not applied", name)
	}

	touched := make([]string, 0, len(applied.Files))
	for rel := range applied.Files {
		touched = append(touched, rel)
	}
	sort.Strings(touched)
	if err := e.backupFiles(touched); err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}

	if err := e.uninstallSteps(applied, state); err != nil {
		slog.Error("Skill uninstall failed, restoring backup", "skill", name, "error", err)
		if restoreErr := e.restoreBackup(); restoreErr != nil {
			return nil, fmt.Errorf("uninstall failed (%v) and restore failed: %w", err, restoreErr)
		}
		e.clearBackup()
		return &Result{Skill: name, Error: err.Error()}, err
	}

	e.clearBackup()
	slog.Info("Skill uninstalled", "skill", name)
	return &Result{Success: true, Skill: name}, nil
}

func (e *Engine) uninstallSteps(applied *AppliedSkill, state *State) error {
	for rel := range applied.Files {
		// Dependency-merge targets are never deleted; removePackages
		// reverts the added lines instead.
		if rel == e.cfg.PackageFile || rel == e.cfg.EnvExampleFile {
			continue
		}
		dst := filepath.Join(e.cfg.ProjectRoot, filepath.FromSlash(rel))
		basePath := e.basePath(rel)
		baseData, err := os.ReadFile(basePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return err
			}
			// The skill introduced this file; remove it and prune.
			if rmErr := os.Remove(dst); rmErr != nil && !os.IsNotExist(rmErr) {
				return rmErr
			}
			pruneEmptyDirs(filepath.Dir(dst), e.cfg.ProjectRoot)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(dst, baseData, 0o600); err != nil {
			return err
		}
		_ = os.Remove(basePath)
		pruneEmptyDirs(filepath.Dir(basePath), stateDir(e.cfg.ProjectRoot))
	}

	if len(applied.Packages) > 0 {
		if err := e.removePackages(applied.Packages); err != nil {
			return err
		}
	}

	state.remove(applied.Name)
	return e.saveState(state)
}

func (e *Engine) removePackages(packages []string) error {
	path := filepath.Join(e.cfg.ProjectRoot, e.cfg.PackageFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	lines := strings.Split(string(data), "\n")
	var kept []string
	for _, line := range lines {
		drop := false
		for _, pkg := range packages {
			if strings.TrimSpace(line) == pkg {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, line)
		}
	}
	return os.WriteFile(path, []byte(strings.Join(kept, "\n")), 0o600)
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hashFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return hashBytes(data)
}
