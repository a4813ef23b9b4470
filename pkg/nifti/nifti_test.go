package nifti

import (
	"math"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// testHeader builds a minimal valid header with unit voxel sizes and a
// simple sform.
func testHeader() Header {
	var hdr Header
	hdr.PixDim = [8]float32{1, 1, 1, 1, 1, 1, 1, 1}
	hdr.SFormCode = 1
	hdr.SRowX = [4]float32{1, 0, 0, -32}
	hdr.SRowY = [4]float32{0, 1, 0, -24}
	hdr.SRowZ = [4]float32{0, 0, 1, -16}
	return hdr
}

// testVolume builds a volume whose sample at (x,y,z) is determined by
// the pattern function.
func testVolume(t *testing.T, dims [3]int, pattern func(x, y, z int) float32) *Volume {
	t.Helper()
	data := make([]float32, dims[0]*dims[1]*dims[2])
	hdr := testHeader()
	v, err := NewVolume(data, dims, &hdr)
	if err != nil {
		t.Fatalf("Failed to build test volume: %v", err)
	}
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				v.SetAt(x, y, z, pattern(x, y, z))
			}
		}
	}
	v.UpdateCalibration()
	return v
}

// TestColumnMajorIndexing verifies that At follows the column-major
// convention: the x index varies fastest in the flat array.
func TestColumnMajorIndexing(t *testing.T) {
	dims := [3]int{3, 4, 5}
	v := testVolume(t, dims, func(x, y, z int) float32 {
		return float32(x + 10*y + 100*z)
	})

	flat := v.FlattenColumnMajor()
	idx := 0
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				want := float32(x + 10*y + 100*z)
				if flat[idx] != want {
					t.Fatalf("flat[%d]: expected %.0f, got %.0f", idx, want, flat[idx])
				}
				idx++
			}
		}
	}
}

// TestFlattenReshapeRoundTrip verifies that reshaping a flattened
// volume restores every sample.
func TestFlattenReshapeRoundTrip(t *testing.T) {
	dims := [3]int{4, 4, 4}
	v := testVolume(t, dims, func(x, y, z int) float32 {
		return float32(x*y + z)
	})

	flat := v.FlattenColumnMajor()
	back, err := ReshapeColumnMajor(flat, dims, &v.Header)
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}

	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				if back.At(x, y, z) != v.At(x, y, z) {
					t.Errorf("Mismatch at (%d,%d,%d): %f != %f",
						x, y, z, back.At(x, y, z), v.At(x, y, z))
				}
			}
		}
	}
}

// TestReshapeLengthMismatch verifies that a wrong-sized flat array is
// rejected.
func TestReshapeLengthMismatch(t *testing.T) {
	hdr := testHeader()
	if _, err := ReshapeColumnMajor(make([]float32, 10), [3]int{4, 4, 4}, &hdr); err == nil {
		t.Fatal("Expected error for mismatched flat array length")
	}
}

// TestUpdateCalibration verifies the nan-excluded display range.
func TestUpdateCalibration(t *testing.T) {
	testCases := []struct {
		name     string
		data     []float32
		min, max float32
	}{
		{"plain", []float32{3, -1, 2, 0}, -1, 3},
		{"with NaNs", []float32{float32(math.NaN()), 5, -2, float32(math.NaN())}, -2, 5},
		{"all NaNs", []float32{float32(math.NaN()), float32(math.NaN()), float32(math.NaN()), float32(math.NaN())}, 0, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			hdr := testHeader()
			v, err := NewVolume(tc.data, [3]int{4, 1, 1}, &hdr)
			if err != nil {
				t.Fatalf("Failed to build volume: %v", err)
			}
			if v.Header.CalMin != tc.min || v.Header.CalMax != tc.max {
				t.Errorf("Expected calibration [%f, %f], got [%f, %f]",
					tc.min, tc.max, v.Header.CalMin, v.Header.CalMax)
			}
		})
	}
}

// TestSaveLoadRoundTrip verifies that a saved volume reads back
// bit-identically, with and without gzip compression.
func TestSaveLoadRoundTrip(t *testing.T) {
	for _, ext := range []string{".nii", ".nii.gz"} {
		t.Run(ext, func(t *testing.T) {
			tmpDir := t.TempDir()

			dims := [3]int{5, 4, 3}
			v := testVolume(t, dims, func(x, y, z int) float32 {
				return float32(x) - 0.5*float32(y) + 0.25*float32(z)
			})

			path := filepath.Join(tmpDir, "volume"+ext)
			if err := Save(path, v); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			if loaded.Dims != dims {
				t.Fatalf("Expected dims %v, got %v", dims, loaded.Dims)
			}
			for i := range v.Data {
				if loaded.Data[i] != v.Data[i] {
					t.Fatalf("Data mismatch at %d: %f != %f", i, loaded.Data[i], v.Data[i])
				}
			}
			if loaded.Header.CalMin != v.Header.CalMin || loaded.Header.CalMax != v.Header.CalMax {
				t.Errorf("Calibration not preserved: [%f, %f] vs [%f, %f]",
					loaded.Header.CalMin, loaded.Header.CalMax, v.Header.CalMin, v.Header.CalMax)
			}
			if !mat.Equal(loaded.Affine(), v.Affine()) {
				t.Errorf("Affine not preserved")
			}
		})
	}
}

// TestSaveIsDeterministic verifies that saving the same volume twice
// produces identical bytes, the property the skip-if-exists cache
// relies on.
func TestSaveIsDeterministic(t *testing.T) {
	v := testVolume(t, [3]int{4, 4, 4}, func(x, y, z int) float32 {
		return float32(x*y*z) * 0.1
	})

	a, err := Encode(v)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	b, err := Encode(v)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if len(a) != len(b) {
		t.Fatalf("Encoded lengths differ: %d != %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Encoded bytes differ at offset %d", i)
		}
	}
}

// TestEncodeRejectsOversizedDims verifies that dimensions beyond the
// int16 header range are rejected instead of truncated into a corrupt
// header.
func TestEncodeRejectsOversizedDims(t *testing.T) {
	var hdr Header
	hdr.PixDim = [8]float32{1, 1, 1, 1, 1, 1, 1, 1}

	v, err := NewVolume(make([]float32, 40000), [3]int{40000, 1, 1}, &hdr)
	if err != nil {
		t.Fatalf("Failed to build volume: %v", err)
	}
	if _, err := Encode(v); err == nil {
		t.Error("Expected an error for a dimension beyond 32767")
	}

	frames := &Volume{Data: make([]float32, 40000), Dims: [3]int{1, 1, 1}, Frames: 40000, Header: hdr}
	if _, err := Encode(frames); err == nil {
		t.Error("Expected an error for a frame count beyond 32767")
	}
}

// TestDecodeRejectsCorruptHeaders verifies the header validation.
func TestDecodeRejectsCorruptHeaders(t *testing.T) {
	v := testVolume(t, [3]int{2, 2, 2}, func(x, y, z int) float32 { return 1 })
	raw, err := Encode(v)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	testCases := []struct {
		name    string
		corrupt func(b []byte)
	}{
		{"truncated", func(b []byte) {}},
		{"bad magic", func(b []byte) { b[344] = 'x' }},
		{"bad header size", func(b []byte) { b[0] = 99 }},
		// bitpix 8 disagrees with the float32 datatype; without the
		// agreement check the voxel slice would be sized too short.
		{"bitpix datatype mismatch", func(b []byte) { b[72] = 8; b[73] = 0 }},
		// dim[2] = -3 makes the voxel count negative.
		{"negative dimension", func(b []byte) { b[44] = 0xFD; b[45] = 0xFF }},
		{"zero dimension", func(b []byte) { b[44] = 0; b[45] = 0 }},
		{"unsupported datatype", func(b []byte) { b[70] = 99; b[71] = 0 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			bad := make([]byte, len(raw))
			copy(bad, raw)
			tc.corrupt(bad)
			if tc.name == "truncated" {
				bad = bad[:100]
			}
			if _, err := Decode(bad); err == nil {
				t.Error("Expected decoding error")
			}
		})
	}
}

// TestAffineFallbacks verifies the sform/qform/pixdim precedence.
func TestAffineFallbacks(t *testing.T) {
	t.Run("sform preferred", func(t *testing.T) {
		v := testVolume(t, [3]int{2, 2, 2}, func(x, y, z int) float32 { return 0 })
		aff := v.Affine()
		if got := aff.At(0, 3); got != -32 {
			t.Errorf("Expected sform x offset -32, got %f", got)
		}
	})

	t.Run("pixdim scaling", func(t *testing.T) {
		data := make([]float32, 8)
		var hdr Header
		hdr.PixDim = [8]float32{1, 0.5, 0.7, 2.0, 1, 1, 1, 1}
		v, err := NewVolume(data, [3]int{2, 2, 2}, &hdr)
		if err != nil {
			t.Fatalf("Failed to build volume: %v", err)
		}
		aff := v.Affine()
		want := []float64{0.5, 0.7, 2.0}
		for i, w := range want {
			if got := aff.At(i, i); math.Abs(got-w) > 1e-6 {
				t.Errorf("Expected diagonal[%d]=%f, got %f", i, w, got)
			}
		}
	})

	t.Run("qform identity quaternion", func(t *testing.T) {
		data := make([]float32, 8)
		var hdr Header
		hdr.PixDim = [8]float32{1, 1, 1, 1, 1, 1, 1, 1}
		hdr.QFormCode = 1
		hdr.QOffsetX = 3
		v, err := NewVolume(data, [3]int{2, 2, 2}, &hdr)
		if err != nil {
			t.Fatalf("Failed to build volume: %v", err)
		}
		aff := v.Affine()
		// b=c=d=0 means identity rotation.
		for i := 0; i < 3; i++ {
			if got := aff.At(i, i); math.Abs(got-1) > 1e-6 {
				t.Errorf("Expected identity diagonal, got %f at %d", got, i)
			}
		}
		if got := aff.At(0, 3); got != 3 {
			t.Errorf("Expected x offset 3, got %f", got)
		}
	})
}

// TestRef verifies path and in-memory reference resolution.
func TestRef(t *testing.T) {
	tmpDir := t.TempDir()

	v := testVolume(t, [3]int{2, 3, 4}, func(x, y, z int) float32 {
		return float32(x + y + z)
	})
	path := filepath.Join(tmpDir, "ref.nii.gz")
	if err := Save(path, v); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	t.Run("from file", func(t *testing.T) {
		ref := FromFile(path)
		if ref.Path() != path {
			t.Errorf("Expected path %s, got %s", path, ref.Path())
		}
		loaded, err := ref.Volume()
		if err != nil {
			t.Fatalf("Volume failed: %v", err)
		}
		if loaded.Dims != v.Dims {
			t.Errorf("Expected dims %v, got %v", v.Dims, loaded.Dims)
		}
	})

	t.Run("from volume", func(t *testing.T) {
		ref := FromVolume(v)
		if ref.Path() != "" {
			t.Errorf("Expected empty path, got %s", ref.Path())
		}
		got, err := ref.Volume()
		if err != nil {
			t.Fatalf("Volume failed: %v", err)
		}
		if got != v {
			t.Error("Expected the in-memory volume back")
		}
	})

	t.Run("named volume", func(t *testing.T) {
		ref := FromVolumeNamed(v, "subject01.nii.gz")
		if ref.Path() != "subject01.nii.gz" {
			t.Errorf("Unexpected path %s", ref.Path())
		}
	})

	t.Run("empty", func(t *testing.T) {
		var ref Ref
		if !ref.Zero() {
			t.Error("Zero Ref should report Zero")
		}
		if _, err := ref.Volume(); err == nil {
			t.Error("Expected error resolving empty Ref")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		ref := FromFile(filepath.Join(tmpDir, "missing.nii"))
		if _, err := ref.Volume(); err == nil {
			t.Error("Expected error for missing file")
		}
	})
}

// TestLoadAppliesScaling verifies that scl_slope and scl_inter are
// applied when reading.
func TestLoadAppliesScaling(t *testing.T) {
	v := testVolume(t, [3]int{2, 2, 2}, func(x, y, z int) float32 {
		return float32(x + y + z)
	})
	raw, err := Encode(v)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	// Patch scl_slope=2.0 (offset 112) and scl_inter=1.0 (offset 116)
	// directly in the encoded header.
	putFloat32(raw[112:], 2.0)
	putFloat32(raw[116:], 1.0)

	loaded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	for i := range v.Data {
		want := 2*v.Data[i] + 1
		if loaded.Data[i] != want {
			t.Fatalf("Scaling not applied at %d: expected %f, got %f", i, want, loaded.Data[i])
		}
	}
}

func putFloat32(b []byte, f float32) {
	bits := math.Float32bits(f)
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
	b[2] = byte(bits >> 16)
	b[3] = byte(bits >> 24)
}

// TestVolumeCheck verifies the dimension/data consistency checks.
func TestVolumeCheck(t *testing.T) {
	hdr := testHeader()

	testCases := []struct {
		name    string
		data    []float32
		dims    [3]int
		wantErr bool
	}{
		{"consistent", make([]float32, 24), [3]int{2, 3, 4}, false},
		{"short data", make([]float32, 23), [3]int{2, 3, 4}, true},
		{"zero dimension", make([]float32, 0), [3]int{0, 3, 4}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewVolume(tc.data, tc.dims, &hdr)
			if (err != nil) != tc.wantErr {
				t.Errorf("NewVolume error = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}
