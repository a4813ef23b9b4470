// Package nifti reads and writes volumetric images in the NIfTI-1
// single-file format (.nii, .nii.gz) and provides the Volume type used
// to pass image data between the processing adapters and the native
// algorithm runtime.
//
// The on-disk voxel ordering is column-major (first index varies
// fastest). Volume keeps its data in the same order, and the
// FlattenColumnMajor/ReshapeColumnMajor pair makes that convention an
// explicit contract: cached outputs must stay byte-compatible across
// runs.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// NIfTI-1 datatype codes for the voxel data supported by this codec.
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
)

const (
	headerSize = 348
	// voxOffset is the data offset written for single-file volumes:
	// the 348-byte header plus the 4-byte extension pad.
	voxOffset = 352
)

// Header is the NIfTI-1 header, laid out field for field so that it can
// be read and written with encoding/binary in a single call.
type Header struct {
	SizeOfHdr          int32    // must be 348
	UnusedDataType     [10]byte // unused
	UnusedDbName       [18]byte // unused
	UnusedExtents      int32    // unused
	UnusedSessionError int16    // unused
	UnusedRegular      byte     // unused
	DimInfo            byte     // MRI slice ordering

	Dim           [8]int16   // data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // voxel datatype code
	BitPix        int16      // bits per voxel
	SliceStart    int16      // first slice index
	PixDim        [8]float32 // grid spacing
	VoxOffset     float32    // offset into .nii file
	SclSlope      float32    // data scaling: slope
	SclInter      float32    // data scaling: offset
	SliceEnd      int16      // last slice index
	SliceCode     byte       // slice timing order
	XYZTUnits     byte       // units of pixdim[1..4]
	CalMax        float32    // max display intensity
	CalMin        float32    // min display intensity
	SliceDuration float32    // time for one slice
	TOffset       float32    // time axis shift
	UnusedGlmax   int32      // unused
	UnusedGlmin   int32      // unused

	Descrip [80]byte // free text
	AuxFile [24]byte // auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // quaternion b param
	QuaternC float32 // quaternion c param
	QuaternD float32 // quaternion d param
	QOffsetX float32 // quaternion x shift
	QOffsetY float32 // quaternion y shift
	QOffsetZ float32 // quaternion z shift

	SRowX [4]float32 // 1st row of affine transform
	SRowY [4]float32 // 2nd row of affine transform
	SRowZ [4]float32 // 3rd row of affine transform

	IntentName [16]byte // meaning of the data

	Magic [4]byte // "n+1\0" for single-file volumes
}

// Zooms returns the voxel sizes along x, y, z in header units.
func (h *Header) Zooms() [3]float64 {
	return [3]float64{
		float64(h.PixDim[1]),
		float64(h.PixDim[2]),
		float64(h.PixDim[3]),
	}
}

// Load reads a NIfTI-1 volume from path. Gzip compression is detected
// from the .gz extension. The voxel data is converted to float32 and
// the header scaling (scl_slope, scl_inter) is applied when set.
func Load(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read volume %s: %w", path, err)
	}

	return Decode(raw)
}

// Decode parses a NIfTI-1 volume from an uncompressed byte stream.
func Decode(raw []byte) (*Volume, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("truncated header: %d bytes", len(raw))
	}

	hdr, order, err := decodeHeader(raw[:headerSize])
	if err != nil {
		return nil, err
	}

	dims, frames, err := headerDims(hdr)
	if err != nil {
		return nil, err
	}
	nvox := dims[0] * dims[1] * dims[2] * frames

	offset := int(hdr.VoxOffset)
	if offset < voxOffset {
		offset = voxOffset
	}

	bytesPerVoxel, err := voxelSize(hdr.DataType)
	if err != nil {
		return nil, err
	}
	if int(hdr.BitPix) != 8*bytesPerVoxel {
		return nil, fmt.Errorf("bitpix %d disagrees with datatype code %d (want %d)",
			hdr.BitPix, hdr.DataType, 8*bytesPerVoxel)
	}
	need := offset + nvox*bytesPerVoxel
	if len(raw) < need {
		return nil, fmt.Errorf("truncated voxel data: have %d bytes, need %d", len(raw), need)
	}

	data, err := decodeVoxels(raw[offset:need], hdr, order, nvox)
	if err != nil {
		return nil, err
	}

	// Apply header scaling. A zero slope means "no scaling stored".
	if hdr.SclSlope != 0 && !(hdr.SclSlope == 1 && hdr.SclInter == 0) {
		for i := range data {
			data[i] = hdr.SclSlope*data[i] + hdr.SclInter
		}
	}

	log.WithFields(log.Fields{
		"dims":     dims,
		"frames":   frames,
		"datatype": hdr.DataType,
	}).Debug("decoded volume")

	// The in-memory representation is always float32 without scaling.
	hdr.DataType = DTFloat32
	hdr.BitPix = 32
	hdr.SclSlope = 0
	hdr.SclInter = 0

	return &Volume{
		Data:   data,
		Dims:   dims,
		Frames: frames,
		Header: *hdr,
	}, nil
}

// decodeHeader reads the 348-byte header, inferring the byte order by
// probing dim[0], which must fall in [1,7] when read with the correct
// endianness.
func decodeHeader(raw []byte) (*Header, binary.ByteOrder, error) {
	var hdr Header
	var order binary.ByteOrder = binary.LittleEndian

	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if hdr.Dim[0] < 1 || hdr.Dim[0] > 7 {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
			return nil, nil, fmt.Errorf("failed to parse header: %w", err)
		}
		if hdr.Dim[0] < 1 || hdr.Dim[0] > 7 {
			return nil, nil, fmt.Errorf("cannot infer byte order: dim[0]=%d not in [1,7]", hdr.Dim[0])
		}
	}

	if hdr.SizeOfHdr != headerSize {
		return nil, nil, fmt.Errorf("invalid header size %d, want %d", hdr.SizeOfHdr, headerSize)
	}
	if hdr.Magic != [4]byte{'n', '+', '1', 0} {
		return nil, nil, fmt.Errorf("invalid magic %q: only single-file NIfTI-1 is supported", hdr.Magic[:3])
	}

	return &hdr, order, nil
}

func headerDims(hdr *Header) ([3]int, int, error) {
	dims := [3]int{int(hdr.Dim[1]), 1, 1}
	if hdr.Dim[0] >= 2 {
		dims[1] = int(hdr.Dim[2])
	}
	if hdr.Dim[0] >= 3 {
		dims[2] = int(hdr.Dim[3])
	}
	for i, d := range dims {
		if d <= 0 {
			return dims, 0, fmt.Errorf("invalid dimension dim[%d]=%d, must be positive", i+1, d)
		}
	}
	frames := 1
	if hdr.Dim[0] >= 4 && hdr.Dim[4] > 1 {
		frames = int(hdr.Dim[4])
	}
	return dims, frames, nil
}

// voxelSize returns the per-voxel byte count for a datatype code.
func voxelSize(datatype int16) (int, error) {
	switch datatype {
	case DTUint8:
		return 1, nil
	case DTInt16:
		return 2, nil
	case DTInt32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported datatype code %d", datatype)
	}
}

func decodeVoxels(raw []byte, hdr *Header, order binary.ByteOrder, nvox int) ([]float32, error) {
	data := make([]float32, nvox)

	switch hdr.DataType {
	case DTUint8:
		for i := 0; i < nvox; i++ {
			data[i] = float32(raw[i])
		}
	case DTInt16:
		for i := 0; i < nvox; i++ {
			data[i] = float32(int16(order.Uint16(raw[2*i:])))
		}
	case DTInt32:
		for i := 0; i < nvox; i++ {
			data[i] = float32(int32(order.Uint32(raw[4*i:])))
		}
	case DTFloat32:
		for i := 0; i < nvox; i++ {
			data[i] = math.Float32frombits(order.Uint32(raw[4*i:]))
		}
	case DTFloat64:
		for i := 0; i < nvox; i++ {
			data[i] = float32(math.Float64frombits(order.Uint64(raw[8*i:])))
		}
	default:
		return nil, fmt.Errorf("unsupported datatype code %d", hdr.DataType)
	}

	return data, nil
}

// Save writes the volume to path as float32 voxel data, gzip-compressed
// when the path ends in .gz. An existing file is overwritten.
func Save(path string, v *Volume) error {
	raw, err := Encode(v)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to write volume %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream %s: %w", path, err)
		}
	}

	log.WithField("path", path).Debug("saved volume")
	return nil
}

// Encode serializes the volume as an uncompressed single-file NIfTI-1
// byte stream in little-endian order.
func Encode(v *Volume) ([]byte, error) {
	if err := v.check(); err != nil {
		return nil, err
	}

	hdr := v.Header
	hdr.SizeOfHdr = headerSize
	hdr.DataType = DTFloat32
	hdr.BitPix = 32
	hdr.VoxOffset = voxOffset
	hdr.SclSlope = 0
	hdr.SclInter = 0
	hdr.Magic = [4]byte{'n', '+', '1', 0}

	// The header stores dimensions as int16.
	for i, d := range v.Dims {
		if d > math.MaxInt16 {
			return nil, fmt.Errorf("dimension %d is %d, exceeds the representable maximum %d", i, d, math.MaxInt16)
		}
	}
	if v.Frames > math.MaxInt16 {
		return nil, fmt.Errorf("frame count %d exceeds the representable maximum %d", v.Frames, math.MaxInt16)
	}

	ndim := int16(3)
	if v.Frames > 1 {
		ndim = 4
	}
	hdr.Dim = [8]int16{ndim, int16(v.Dims[0]), int16(v.Dims[1]), int16(v.Dims[2]), int16(v.Frames), 1, 1, 1}

	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	// Extension pad: no extensions.
	buf.Write([]byte{0, 0, 0, 0})

	if err := binary.Write(buf, binary.LittleEndian, v.Data); err != nil {
		return nil, fmt.Errorf("failed to encode voxel data: %w", err)
	}

	return buf.Bytes(), nil
}
