package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"mriproc/pkg/nifti"
)

// TestOutputFileDerivation verifies the <base>_<suffix>.<ext> naming
// convention across name sources and extensions.
func TestOutputFileDerivation(t *testing.T) {
	testCases := []struct {
		name     string
		opts     SaveOptions
		refPath  string
		suffix   string
		expected string
	}{
		{
			name:     "from input with nii.gz",
			refPath:  "/data/subject01.nii.gz",
			suffix:   "qt2fit-t2s",
			expected: "subject01_qt2fit-t2s.nii.gz",
		},
		{
			name:     "from input with nii",
			refPath:  "/data/subject01.nii",
			suffix:   "qt2fit-r2s",
			expected: "subject01_qt2fit-r2s.nii",
		},
		{
			name:     "file name override",
			opts:     SaveOptions{FileName: "sample-subject"},
			refPath:  "/data/subject01.nii.gz",
			suffix:   "massp-label",
			expected: "sample-subject_massp-label.nii.gz",
		},
		{
			name:     "override keeps own extension",
			opts:     SaveOptions{FileName: "sample.nii"},
			refPath:  "/data/subject01.nii.gz",
			suffix:   "lsf-avg",
			expected: "sample_lsf-avg.nii",
		},
		{
			name:     "in-memory input without name",
			refPath:  "",
			suffix:   "lcpca-dim",
			expected: "output_lcpca-dim.nii.gz",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ref := nifti.FromFile(tc.refPath)
			got := OutputFile("/out", tc.opts, ref, tc.suffix)
			want := filepath.Join("/out", tc.expected)
			if got != want {
				t.Errorf("Expected %s, got %s", want, got)
			}
		})
	}
}

// TestOutputDirResolution verifies directory resolution and creation.
func TestOutputDirResolution(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("explicit dir is created", func(t *testing.T) {
		want := filepath.Join(tmpDir, "results", "nested")
		got, err := OutputDir(SaveOptions{OutputDir: want}, nifti.FromFile("/data/in.nii"))
		if err != nil {
			t.Fatalf("OutputDir failed: %v", err)
		}
		if got != want {
			t.Errorf("Expected %s, got %s", want, got)
		}
		if info, err := os.Stat(want); err != nil || !info.IsDir() {
			t.Errorf("Directory was not created: %v", err)
		}
	})

	t.Run("defaults to input directory", func(t *testing.T) {
		got, err := OutputDir(SaveOptions{}, nifti.FromFile(filepath.Join(tmpDir, "in.nii")))
		if err != nil {
			t.Fatalf("OutputDir failed: %v", err)
		}
		if got != tmpDir {
			t.Errorf("Expected %s, got %s", tmpDir, got)
		}
	})

	t.Run("creation failure propagates", func(t *testing.T) {
		blocker := filepath.Join(tmpDir, "blocker")
		if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
			t.Fatalf("Failed to create blocking file: %v", err)
		}
		if _, err := OutputDir(SaveOptions{OutputDir: filepath.Join(blocker, "sub")}, nifti.Ref{}); err == nil {
			t.Error("Expected error creating directory under a file")
		}
	})
}

// TestAllExist verifies the all-or-nothing existence check.
func TestAllExist(t *testing.T) {
	tmpDir := t.TempDir()

	present := filepath.Join(tmpDir, "present.nii.gz")
	if err := os.WriteFile(present, []byte("data"), 0644); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	missing := filepath.Join(tmpDir, "missing.nii.gz")

	testCases := []struct {
		name     string
		paths    []string
		expected bool
	}{
		{"all present", []string{present}, true},
		{"one missing", []string{present, missing}, false},
		{"directory is not a file", []string{tmpDir}, false},
		{"empty set", nil, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := AllExist(tc.paths...); got != tc.expected {
				t.Errorf("AllExist: expected %v, got %v", tc.expected, got)
			}
		})
	}
}

// TestSkipComputation verifies the cache-hit decision table.
func TestSkipComputation(t *testing.T) {
	tmpDir := t.TempDir()
	present := filepath.Join(tmpDir, "out.nii.gz")
	if err := os.WriteFile(present, []byte("data"), 0644); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	missing := filepath.Join(tmpDir, "gone.nii.gz")

	testCases := []struct {
		name     string
		opts     SaveOptions
		paths    []string
		expected bool
	}{
		{"hit", SaveOptions{SaveData: true}, []string{present}, true},
		{"no save requested", SaveOptions{}, []string{present}, false},
		{"overwrite forces recompute", SaveOptions{SaveData: true, Overwrite: true}, []string{present}, false},
		{"partial outputs force recompute", SaveOptions{SaveData: true}, []string{present, missing}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SkipComputation(tc.opts, tc.paths...); got != tc.expected {
				t.Errorf("SkipComputation: expected %v, got %v", tc.expected, got)
			}
		})
	}
}
