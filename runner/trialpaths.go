package runner

import (
	"encoding/base64"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// TrialPaths is the per-trial filesystem layout: workspace, state, dataset,
// out, tmp, created before execution and, for state-carrying chains,
// restored from the chain's latest snapshot rather than the project root.
type TrialPaths struct {
	TrialDir   string
	Workspace  string
	State      string
	Dataset    string
	Out        string
	Tmp        string
	datasetSrc string
	expDir     string
}

// NewTrialPaths derives the standard per-trial subdirectories under
// trialDir. datasetSrc is the dataset file to copy into "dataset/" during
// Prepare; expDir is the project root copied into "workspace/".
func NewTrialPaths(trialDir, expDir, datasetSrc string) TrialPaths {
	return TrialPaths{
		TrialDir:   trialDir,
		Workspace:  filepath.Join(trialDir, "workspace"),
		State:      filepath.Join(trialDir, "state"),
		Dataset:    filepath.Join(trialDir, "dataset"),
		Out:        filepath.Join(trialDir, "out"),
		Tmp:        filepath.Join(trialDir, "tmp"),
		datasetSrc: datasetSrc,
		expDir:     expDir,
	}
}

// excludedFromWorkspaceCopy lists build/cache directories skipped when
// copying the project root into a trial's workspace (§4.5 step 2).
var excludedFromWorkspaceCopy = []string{
	".lab", ".git", "node_modules", ".venv", "__pycache__", ".tox",
	".mypy_cache", ".pytest_cache", ".ruff_cache", "target", "rust/target",
	".next", ".nuxt", ".turbo", ".nx", "coverage", ".gradle",
}

// Prepare creates workspace/state/dataset/out/tmp, copies the project root
// into workspace (excluding build and cache directories), and copies the
// dataset file into dataset/.
func (p TrialPaths) Prepare() error {
	for _, dir := range []string{p.Workspace, p.State, p.Dataset, p.Out, p.Tmp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("trial_paths: create %s: %w", dir, err)
		}
	}
	if err := copyDirFiltered(p.expDir, p.Workspace, excludedFromWorkspaceCopy); err != nil {
		return fmt.Errorf("trial_paths: copy workspace: %w", err)
	}
	if p.datasetSrc != "" {
		dst := filepath.Join(p.Dataset, filepath.Base(p.datasetSrc))
		if err := copyRegularFile(p.datasetSrc, dst); err != nil {
			return fmt.Errorf("trial_paths: copy dataset: %w", err)
		}
	}
	return nil
}

// copyDirFiltered recursively copies src into dst, skipping any relative
// path whose first path segment (or full value) matches one of exclude.
func copyDirFiltered(src, dst string, exclude []string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		relSlash := filepath.ToSlash(rel)
		for _, ex := range exclude {
			if relSlash == ex || strings.HasPrefix(relSlash, ex+"/") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return copySymlinkResolved(path, target)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyRegularFile(path, target)
	})
}

// copySymlinkResolved follows a symlink and copies whatever it points to;
// a broken link is preserved as a symlink rather than aborting the copy.
func copySymlinkResolved(path, target string) error {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		linkTarget, readErr := os.Readlink(path)
		if readErr != nil {
			return readErr
		}
		_ = os.Remove(target)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.Symlink(linkTarget, target)
	}
	info, err := os.Stat(real)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyDirFiltered(real, target, nil)
	}
	return copyRegularFile(real, target)
}

// TaskBoundaryFile is one workspace file to materialize before execution
// (§4.5 step 4): validated relative path plus utf8 or base64 content.
type TaskBoundaryFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"` // "utf8" | "base64"
	Execute  bool   `json:"execute,omitempty"`
}

// ValidateTaskBoundaryPath rejects a path that is absolute, empty, contains
// a ".." traversal segment, or has an empty path segment.
func ValidateTaskBoundaryPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidTaskBoundary)
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("%w: absolute path %q", ErrInvalidTaskBoundary, path)
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == "" || seg == ".." {
			return fmt.Errorf("%w: invalid segment in %q", ErrInvalidTaskBoundary, path)
		}
	}
	return nil
}

// MaterializeTaskBoundaryFiles decodes and atomic-writes each file into
// workspace, validating its path and setting the execute bit if requested.
func MaterializeTaskBoundaryFiles(workspace string, files []TaskBoundaryFile) error {
	for _, f := range files {
		if err := ValidateTaskBoundaryPath(f.Path); err != nil {
			return err
		}
		var data []byte
		switch f.Encoding {
		case "base64":
			decoded, err := base64.StdEncoding.DecodeString(f.Content)
			if err != nil {
				return fmt.Errorf("%w: base64 decode %q: %v", ErrInvalidTaskBoundary, f.Path, err)
			}
			data = decoded
		case "utf8", "":
			data = []byte(f.Content)
		default:
			return fmt.Errorf("%w: unknown encoding %q for %q", ErrInvalidTaskBoundary, f.Encoding, f.Path)
		}
		dst := filepath.Join(workspace, filepath.FromSlash(f.Path))
		if err := AtomicWrite(dst, data); err != nil {
			return fmt.Errorf("trial_paths: materialize %q: %w", f.Path, err)
		}
		if f.Execute {
			if err := os.Chmod(dst, 0o755); err != nil {
				return fmt.Errorf("trial_paths: chmod %q: %w", f.Path, err)
			}
		}
	}
	return nil
}

// TaskMountRef is a container-only reference to a content-addressed
// dataset pack (§4.5 step 5): form "sha256:<64-hex>", resolved against
// "<project>/<dataset-packs-root>/sha256/<digest>", mounted read-only under
// /workspace.
type TaskMountRef struct {
	Ref        string `json:"ref"`
	TargetPath string `json:"target_path"` // must be under /workspace
}

// ResolveTaskMount validates and resolves a TaskMountRef against
// packsRoot, requiring the resolved object to exist and the target path to
// live under /workspace.
func ResolveTaskMount(mount TaskMountRef, packsRoot string) (hostPath string, err error) {
	const prefix = "sha256:"
	if !strings.HasPrefix(mount.Ref, prefix) || len(mount.Ref) != len(prefix)+64 {
		return "", fmt.Errorf("%w: malformed ref %q", ErrInvalidMountReference, mount.Ref)
	}
	digest := mount.Ref[len(prefix):]
	for _, c := range digest {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return "", fmt.Errorf("%w: non-hex digest in ref %q", ErrInvalidMountReference, mount.Ref)
		}
	}
	if mount.TargetPath != "/workspace" && !strings.HasPrefix(mount.TargetPath, "/workspace/") {
		return "", fmt.Errorf("%w: target path %q must be under /workspace", ErrInvalidMountReference, mount.TargetPath)
	}
	resolved := filepath.Join(packsRoot, "sha256", digest)
	if _, statErr := os.Stat(resolved); statErr != nil {
		return "", fmt.Errorf("%w: pack object not found for ref %q: %v", ErrInvalidMountReference, mount.Ref, statErr)
	}
	return resolved, nil
}
