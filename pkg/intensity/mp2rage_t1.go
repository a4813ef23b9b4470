package intensity

import (
	"errors"
	"fmt"

	"mriproc/internal/models"
	"mriproc/pkg/native"
	"mriproc/pkg/nifti"
	"mriproc/pkg/pipeline"
)

// ErrMissingB1Map is returned when B1 correction is requested without a
// B1 map. Detected before any native call.
var ErrMissingB1Map = errors.New("B1 correction requested but no B1 map supplied")

// Output file suffixes for MP2RAGE T1 mapping.
const (
	suffixT1  = "qt1map-t1"
	suffixR1  = "qt1map-r1"
	suffixUNI = "qt1map-uni"
)

// MP2RAGET1Params holds the inputs for MP2RAGE T1 mapping.
type MP2RAGET1Params struct {
	// FirstInversion holds the {magnitude, phase} images of the first
	// inversion.
	FirstInversion [2]nifti.Ref

	// SecondInversion holds the {magnitude, phase} images of the
	// second inversion.
	SecondInversion [2]nifti.Ref

	// InversionTimes lists the {first, second} inversion times.
	InversionTimes [2]float64

	// FlipAngles lists the {first, second} flip angles in degrees.
	FlipAngles [2]float64

	// InversionTR is the inversion repetition time.
	InversionTR float64

	// ExcitationTR lists the {first, second} excitation repetition
	// times.
	ExcitationTR [2]float64

	// NExcitations is the number of excitations per inversion.
	NExcitations int

	// Efficiency is the inversion efficiency.
	Efficiency float64

	// CorrectB1 enables correction of B1 inhomogeneities using B1Map.
	CorrectB1 bool

	// B1Map is the computed B1 map, required when CorrectB1 is set.
	B1Map nifti.Ref

	// Save controls output persistence and caching.
	Save pipeline.SaveOptions
}

// NewMP2RAGET1Params returns parameters with the documented defaults
// filled in.
func NewMP2RAGET1Params() *MP2RAGET1Params {
	return &MP2RAGET1Params{
		Efficiency: 0.96,
	}
}

// MP2RAGET1Result collects the T1 mapping outputs. Output file suffixes
// in brackets.
type MP2RAGET1Result struct {
	// T1 is the map of estimated T1 times (qt1map-t1).
	T1 *nifti.Volume

	// R1 is the map of estimated R1 relaxation rates (qt1map-r1).
	R1 *nifti.Volume

	// UNI is the estimated uniform T1-weighted image (qt1map-uni).
	UNI *nifti.Volume
}

// MapMP2RAGET1 estimates T1/R1 from MP2RAGE data with a look-up table
// method running inside the native library.
func MapMP2RAGET1(params *MP2RAGET1Params) (*MP2RAGET1Result, error) {
	fmt.Println("\nT1 Mapping")

	if params.CorrectB1 && params.B1Map.Zero() {
		return nil, ErrMissingB1Map
	}

	root := params.FirstInversion[0]

	var t1File, r1File, uniFile string
	if params.Save.SaveData {
		dir, err := pipeline.OutputDir(params.Save, root)
		if err != nil {
			return nil, err
		}
		t1File = pipeline.OutputFile(dir, params.Save, root, suffixT1)
		r1File = pipeline.OutputFile(dir, params.Save, root, suffixR1)
		uniFile = pipeline.OutputFile(dir, params.Save, root, suffixUNI)

		if pipeline.SkipComputation(params.Save, t1File, r1File, uniFile) {
			out := &MP2RAGET1Result{}
			for _, load := range []struct {
				path string
				dst  **nifti.Volume
			}{
				{t1File, &out.T1},
				{r1File, &out.R1},
				{uniFile, &out.UNI},
			} {
				vol, err := nifti.Load(load.path)
				if err != nil {
					return nil, fmt.Errorf("failed to load cached result %s: %w", load.path, err)
				}
				*load.dst = vol
			}
			return out, nil
		}
	}

	rt := native.Default()
	if err := rt.Init(native.DefaultOptions()); err != nil {
		return nil, err
	}

	first, err := root.Volume()
	if err != nil {
		return nil, err
	}
	geom := models.GeometryOf(first)

	req := native.NewRequest("intensity.mp2rage-t1-mapping", geom.Dims, geom.Resolution)
	req.Scalars["firstInversionTime"] = params.InversionTimes[0]
	req.Scalars["secondInversionTime"] = params.InversionTimes[1]
	req.Scalars["firstFlipAngle"] = params.FlipAngles[0]
	req.Scalars["secondFlipAngle"] = params.FlipAngles[1]
	req.Scalars["inversionRepetitionTime"] = params.InversionTR
	req.Scalars["firstExcitationRepetitionTime"] = params.ExcitationTR[0]
	req.Scalars["secondExcitationRepetitionTime"] = params.ExcitationTR[1]
	req.Scalars["inversionEfficiency"] = params.Efficiency
	req.Ints["excitationCount"] = params.NExcitations
	req.Flags["correctB1"] = params.CorrectB1

	req.BindImage("firstInversionMagnitude", first.FlattenColumnMajor())
	for _, in := range []struct {
		slot string
		ref  nifti.Ref
	}{
		{"firstInversionPhase", params.FirstInversion[1]},
		{"secondInversionMagnitude", params.SecondInversion[0]},
		{"secondInversionPhase", params.SecondInversion[1]},
	} {
		vol, err := in.ref.Volume()
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", in.slot, err)
		}
		if err := geom.CheckVolume(vol); err != nil {
			return nil, fmt.Errorf("%s: %w", in.slot, err)
		}
		req.BindImage(in.slot, vol.FlattenColumnMajor())
	}

	if params.CorrectB1 {
		b1, err := params.B1Map.Volume()
		if err != nil {
			return nil, fmt.Errorf("failed to load B1 map: %w", err)
		}
		if err := geom.CheckVolume(b1); err != nil {
			return nil, fmt.Errorf("B1 map: %w", err)
		}
		req.BindImage("b1Map", b1.FlattenColumnMajor())
	}

	res, err := rt.Execute(req)
	if err != nil {
		return nil, err
	}

	out := &MP2RAGET1Result{}
	for _, bind := range []struct {
		slot string
		dst  **nifti.Volume
	}{
		{"t1", &out.T1},
		{"r1", &out.R1},
		{"uni", &out.UNI},
	} {
		flat, err := res.Image(bind.slot)
		if err != nil {
			return nil, err
		}
		vol, err := nifti.ReshapeColumnMajor(flat, geom.Dims, &first.Header)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", bind.slot, err)
		}
		*bind.dst = vol
	}

	if params.Save.SaveData {
		for _, save := range []struct {
			path string
			vol  *nifti.Volume
		}{
			{t1File, out.T1},
			{r1File, out.R1},
			{uniFile, out.UNI},
		} {
			if err := pipeline.SaveVolume(save.path, save.vol); err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}
