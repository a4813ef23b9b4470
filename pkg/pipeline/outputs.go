// Package pipeline implements the saving and caching conventions
// shared by every processing adapter: deterministic output names
// derived from the input file name plus a per-role suffix, an
// all-or-nothing check for previously saved results, and persistence of
// freshly computed volumes.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"mriproc/pkg/nifti"
)

// SaveOptions control whether and where an adapter persists its
// outputs.
type SaveOptions struct {
	// SaveData persists outputs to disk and enables the skip-if-exists
	// cache check.
	SaveData bool

	// Overwrite forces recomputation even when all outputs already
	// exist on disk.
	Overwrite bool

	// OutputDir is the destination directory, created if absent. When
	// empty, the directory of the first input file is used, falling
	// back to the working directory.
	OutputDir string

	// FileName overrides the base name derived from the input file.
	FileName string
}

// OutputDir resolves and creates the output directory for a run rooted
// at the given input reference. Directory creation failure is fatal and
// propagated to the caller.
func OutputDir(opts SaveOptions, root nifti.Ref) (string, error) {
	dir := opts.OutputDir
	if dir == "" && root.Path() != "" {
		dir = filepath.Dir(root.Path())
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	return dir, nil
}

// OutputFile derives the deterministic output path for one role:
// <dir>/<base>_<suffix>.<ext>, where base comes from the FileName
// override or from the root input's file name, and ext preserves the
// root's .nii / .nii.gz choice (defaulting to .nii.gz).
func OutputFile(dir string, opts SaveOptions, root nifti.Ref, suffix string) string {
	name := opts.FileName
	if name == "" {
		name = filepath.Base(root.Path())
	}
	base, ext := splitExt(name)
	if base == "" {
		base = "output"
	}
	if ext == "" {
		ext = ".nii.gz"
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s%s", base, suffix, ext))
}

// splitExt splits a volume file name into base and extension, treating
// .nii.gz as a single extension.
func splitExt(name string) (string, string) {
	switch {
	case strings.HasSuffix(name, ".nii.gz"):
		return strings.TrimSuffix(name, ".nii.gz"), ".nii.gz"
	case strings.HasSuffix(name, ".nii"):
		return strings.TrimSuffix(name, ".nii"), ".nii"
	default:
		// Unknown extensions are replaced, not stacked.
		ext := filepath.Ext(name)
		return strings.TrimSuffix(name, ext), ""
	}
}

// AllExist reports whether every path names an existing regular file.
// A partial set of outputs never counts as a cache hit: computation is
// redone in full.
func AllExist(paths ...string) bool {
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			return false
		}
	}
	return true
}

// SkipComputation reports whether a run with the given options and
// expected output paths can be satisfied from previously saved results.
func SkipComputation(opts SaveOptions, paths ...string) bool {
	if !opts.SaveData || opts.Overwrite {
		return false
	}
	if !AllExist(paths...) {
		return false
	}
	log.WithField("outputs", len(paths)).Info("skip computation (use existing results)")
	return true
}

// SaveVolume persists a computed output under its derived path,
// overwriting any prior file.
func SaveVolume(path string, v *nifti.Volume) error {
	if err := nifti.Save(path, v); err != nil {
		return fmt.Errorf("failed to save output %s: %w", path, err)
	}
	return nil
}
