package nifti

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Volume is an in-memory volumetric image: float32 voxel samples plus
// the NIfTI-1 header carrying the affine transform, voxel sizes and
// display calibration.
//
// Data is stored in column-major order: the x index varies fastest, so
// the voxel at (x, y, z, t) lives at
// x + Dims[0]*(y + Dims[1]*(z + Dims[2]*t)). This matches the NIfTI
// on-disk layout and is the ordering expected by the native runtime.
type Volume struct {
	// Data holds the voxel samples in column-major order.
	Data []float32

	// Dims are the spatial dimensions (nx, ny, nz).
	Dims [3]int

	// Frames is the length of the 4th dimension; 1 for a 3D volume.
	Frames int

	// Header is the NIfTI-1 header associated with the volume.
	Header Header
}

// NewVolume builds a 3D volume around data, copying the header from ref
// so that the affine transform and voxel sizes are carried over. The
// display calibration is updated to the data's nan-excluded range.
func NewVolume(data []float32, dims [3]int, ref *Header) (*Volume, error) {
	v := &Volume{
		Data:   data,
		Dims:   dims,
		Frames: 1,
	}
	if ref != nil {
		v.Header = *ref
	}
	if err := v.check(); err != nil {
		return nil, err
	}
	v.UpdateCalibration()
	return v, nil
}

func (v *Volume) check() error {
	if v.Dims[0] <= 0 || v.Dims[1] <= 0 || v.Dims[2] <= 0 {
		return fmt.Errorf("invalid dimensions %v", v.Dims)
	}
	if v.Frames <= 0 {
		return fmt.Errorf("invalid frame count %d", v.Frames)
	}
	want := v.Dims[0] * v.Dims[1] * v.Dims[2] * v.Frames
	if len(v.Data) != want {
		return fmt.Errorf("data length %d does not match dimensions %v x %d frames (want %d)",
			len(v.Data), v.Dims, v.Frames, want)
	}
	return nil
}

// NVoxels returns the number of voxels in a single frame.
func (v *Volume) NVoxels() int {
	return v.Dims[0] * v.Dims[1] * v.Dims[2]
}

// At returns the sample at (x, y, z) in the first frame.
func (v *Volume) At(x, y, z int) float32 {
	return v.Data[x+v.Dims[0]*(y+v.Dims[1]*z)]
}

// SetAt stores a sample at (x, y, z) in the first frame.
func (v *Volume) SetAt(x, y, z int, value float32) {
	v.Data[x+v.Dims[0]*(y+v.Dims[1]*z)] = value
}

// FlattenColumnMajor returns a copy of the voxel data flattened with
// the first index varying fastest. This is the exact ordering pushed
// across the native bridge and must never change: cached outputs are
// byte-compatible only while flatten and reshape agree.
func (v *Volume) FlattenColumnMajor() []float32 {
	flat := make([]float32, len(v.Data))
	copy(flat, v.Data)
	return flat
}

// ReshapeColumnMajor wraps a flat column-major array returned by the
// native runtime back into a 3D volume with the given dimensions,
// carrying header metadata from ref.
func ReshapeColumnMajor(flat []float32, dims [3]int, ref *Header) (*Volume, error) {
	if len(flat) != dims[0]*dims[1]*dims[2] {
		return nil, fmt.Errorf("flat length %d does not match dimensions %v", len(flat), dims)
	}
	return NewVolume(flat, dims, ref)
}

// UpdateCalibration sets the header display range (cal_min, cal_max) to
// the minimum and maximum of the voxel data, ignoring NaNs.
func (v *Volume) UpdateCalibration() {
	min := float32(math.Inf(1))
	max := float32(math.Inf(-1))
	seen := false
	for _, s := range v.Data {
		if math.IsNaN(float64(s)) {
			continue
		}
		seen = true
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	if !seen {
		min, max = 0, 0
	}
	v.Header.CalMin = min
	v.Header.CalMax = max
}

// Affine returns the 4x4 voxel-to-world transform: the sform when set,
// otherwise the qform derived from the header quaternion, otherwise a
// plain voxel-size scaling.
func (v *Volume) Affine() *mat.Dense {
	h := &v.Header

	if h.SFormCode > 0 {
		return mat.NewDense(4, 4, []float64{
			float64(h.SRowX[0]), float64(h.SRowX[1]), float64(h.SRowX[2]), float64(h.SRowX[3]),
			float64(h.SRowY[0]), float64(h.SRowY[1]), float64(h.SRowY[2]), float64(h.SRowY[3]),
			float64(h.SRowZ[0]), float64(h.SRowZ[1]), float64(h.SRowZ[2]), float64(h.SRowZ[3]),
			0, 0, 0, 1,
		})
	}

	if h.QFormCode > 0 {
		return qformAffine(h)
	}

	zooms := h.Zooms()
	return mat.NewDense(4, 4, []float64{
		zooms[0], 0, 0, 0,
		0, zooms[1], 0, 0,
		0, 0, zooms[2], 0,
		0, 0, 0, 1,
	})
}

// qformAffine reconstructs the rotation from the stored quaternion, per
// the NIfTI-1 reference method: a = sqrt(1 - b^2 - c^2 - d^2), qfac in
// pixdim[0] flips the z column when negative.
func qformAffine(h *Header) *mat.Dense {
	b := float64(h.QuaternB)
	c := float64(h.QuaternC)
	d := float64(h.QuaternD)

	a := 1.0 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// Special case: 180 degree rotation, normalize the vector part.
		n := math.Sqrt(b*b + c*c + d*d)
		b, c, d = b/n, c/n, d/n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	zooms := h.Zooms()
	qfac := 1.0
	if h.PixDim[0] < 0 {
		qfac = -1.0
	}

	rot := mat.NewDense(3, 3, []float64{
		a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c),
		2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b),
		2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - b*b - c*c,
	})

	aff := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		aff.Set(i, 0, rot.At(i, 0)*zooms[0])
		aff.Set(i, 1, rot.At(i, 1)*zooms[1])
		aff.Set(i, 2, rot.At(i, 2)*zooms[2]*qfac)
	}
	aff.Set(0, 3, float64(h.QOffsetX))
	aff.Set(1, 3, float64(h.QOffsetY))
	aff.Set(2, 3, float64(h.QOffsetZ))
	aff.Set(3, 3, 1)
	return aff
}

// Ref identifies an input volume: either a file path, an in-memory
// volume, or both. Adapters accept Refs so callers can chain outputs of
// one operation into the next without a round-trip through disk, while
// file-backed inputs keep their name available for deriving cached
// output names.
type Ref struct {
	path string
	vol  *Volume
}

// FromFile references a volume stored at path, loaded on first use.
func FromFile(path string) Ref {
	return Ref{path: path}
}

// FromVolume references an in-memory volume.
func FromVolume(v *Volume) Ref {
	return Ref{vol: v}
}

// FromVolumeNamed references an in-memory volume while retaining a file
// name for output-name derivation.
func FromVolumeNamed(v *Volume, name string) Ref {
	return Ref{vol: v, path: name}
}

// Zero reports whether the Ref references nothing.
func (r Ref) Zero() bool {
	return r.path == "" && r.vol == nil
}

// Path returns the file path associated with the reference, which may
// be empty for purely in-memory volumes.
func (r Ref) Path() string {
	return r.path
}

// Volume resolves the reference, loading from disk when no in-memory
// volume is attached. Each call on a path-only Ref loads fresh; volumes
// are not cached in memory across calls.
func (r Ref) Volume() (*Volume, error) {
	if r.vol != nil {
		return r.vol, nil
	}
	if r.path == "" {
		return nil, fmt.Errorf("empty volume reference")
	}
	return Load(r.path)
}
