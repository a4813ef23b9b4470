// Package parcellation provides multi-atlas subcortical parcellation
// entry points.
package parcellation

import (
	"fmt"

	"mriproc/internal/models"
	"mriproc/pkg/native"
	"mriproc/pkg/nifti"
	"mriproc/pkg/pipeline"
)

// Output file suffixes for MASSP parcellation.
const (
	suffixMaxProba = "massp-proba"
	suffixMaxLabel = "massp-label"
)

// MASSPParams holds the inputs for multi-contrast subcortical
// parcellation.
type MASSPParams struct {
	// TargetImages are the subject contrasts to parcellate, up to
	// three (e.g. qR1, qR2*, QSM), all sharing one geometry.
	TargetImages []nifti.Ref

	// MapToTarget optionally supplies the coordinate mapping from
	// atlas space to the target, as computed by a prior registration.
	MapToTarget nifti.Ref

	// ShapeProbas and ShapeLabels are the shape atlas prior volumes.
	ShapeProbas nifti.Ref
	ShapeLabels nifti.Ref

	// IntensityHistogram is the intensity atlas prior.
	IntensityHistogram nifti.Ref

	// SkeletonProbas and SkeletonLabels are the skeleton atlas prior
	// volumes.
	SkeletonProbas nifti.Ref
	SkeletonLabels nifti.Ref

	// MaxIterations bounds the message-passing iterations.
	MaxIterations int

	// MaxDifference is the convergence threshold.
	MaxDifference float64

	// Save controls output persistence and caching.
	Save pipeline.SaveOptions
}

// NewMASSPParams returns parcellation parameters with the documented
// defaults.
func NewMASSPParams() *MASSPParams {
	return &MASSPParams{
		MaxIterations: 120,
		MaxDifference: 0.1,
	}
}

// MASSPResult collects the parcellation outputs. Output file suffixes
// in brackets.
type MASSPResult struct {
	// MaxProba is the maximum structure probability map (massp-proba).
	MaxProba *nifti.Volume

	// MaxLabel is the parcellation label map; values index into
	// Structures17Labels (massp-label).
	MaxLabel *nifti.Volume
}

// MASSP parcellates subcortical structures from multi-contrast
// quantitative images using shape, intensity and skeleton atlas priors.
// The message-passing optimization runs inside the native library.
func MASSP(params *MASSPParams) (*MASSPResult, error) {
	fmt.Println("\nMASSP Subcortical Parcellation")

	if len(params.TargetImages) == 0 {
		return nil, fmt.Errorf("no target images")
	}
	if len(params.TargetImages) > 3 {
		return nil, fmt.Errorf("at most 3 target contrasts are supported, got %d", len(params.TargetImages))
	}

	root := params.TargetImages[0]

	var probaFile, labelFile string
	if params.Save.SaveData {
		dir, err := pipeline.OutputDir(params.Save, root)
		if err != nil {
			return nil, err
		}
		probaFile = pipeline.OutputFile(dir, params.Save, root, suffixMaxProba)
		labelFile = pipeline.OutputFile(dir, params.Save, root, suffixMaxLabel)

		if pipeline.SkipComputation(params.Save, probaFile, labelFile) {
			out := &MASSPResult{}
			var err error
			if out.MaxProba, err = nifti.Load(probaFile); err != nil {
				return nil, fmt.Errorf("failed to load cached result %s: %w", probaFile, err)
			}
			if out.MaxLabel, err = nifti.Load(labelFile); err != nil {
				return nil, fmt.Errorf("failed to load cached result %s: %w", labelFile, err)
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

	req := native.NewRequest("parcellation.massp", geom.Dims, geom.Resolution)
	req.Ints["contrastCount"] = len(params.TargetImages)
	req.Ints["maxIterations"] = params.MaxIterations
	req.Scalars["maxDifference"] = params.MaxDifference

	for idx, ref := range params.TargetImages {
		vol := first
		if idx > 0 {
			if vol, err = ref.Volume(); err != nil {
				return nil, fmt.Errorf("failed to load contrast %d: %w", idx, err)
			}
		}
		if err := geom.CheckVolume(vol); err != nil {
			return nil, fmt.Errorf("contrast %d: %w", idx, err)
		}
		req.BindImage(native.Slot("contrast", idx), vol.FlattenColumnMajor())
	}

	// Atlas priors and the coordinate mapping live in atlas space, not
	// target space; they are bound as auxiliary arrays with their
	// frames flattened after the spatial dimensions in the same
	// column-major order.
	for _, in := range []struct {
		slot string
		ref  nifti.Ref
	}{
		{"mapToTarget", params.MapToTarget},
		{"shapeProbas", params.ShapeProbas},
		{"shapeLabels", params.ShapeLabels},
		{"intensityHistogram", params.IntensityHistogram},
		{"skeletonProbas", params.SkeletonProbas},
		{"skeletonLabels", params.SkeletonLabels},
	} {
		if in.ref.Zero() {
			continue
		}
		vol, err := in.ref.Volume()
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", in.slot, err)
		}
		if in.slot == "shapeProbas" {
			req.Ints["atlasNx"] = vol.Dims[0]
			req.Ints["atlasNy"] = vol.Dims[1]
			req.Ints["atlasNz"] = vol.Dims[2]
			req.Ints["atlasStructures"] = vol.Frames
		}
		req.BindAux(in.slot, vol.FlattenColumnMajor())
	}

	res, err := rt.Execute(req)
	if err != nil {
		return nil, err
	}

	out := &MASSPResult{}
	for _, bind := range []struct {
		slot string
		dst  **nifti.Volume
	}{
		{"maxProba", &out.MaxProba},
		{"maxLabel", &out.MaxLabel},
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
		if err := pipeline.SaveVolume(probaFile, out.MaxProba); err != nil {
			return nil, err
		}
		if err := pipeline.SaveVolume(labelFile, out.MaxLabel); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// Structures17Labels returns the label names of the 17-structure
// subcortical atlas in label-value order: 13 bilateral structures plus
// 4 midline ones, 30 labels in total. The label volume returned by
// MASSP indexes into this table starting at 1.
func Structures17Labels() []string {
	return []string{
		"Str-l", "Str-r",
		"STN-l", "STN-r",
		"SN-l", "SN-r",
		"RN-l", "RN-r",
		"GPi-l", "GPi-r",
		"GPe-l", "GPe-r",
		"Tha-l", "Tha-r",
		"LV-l", "LV-r",
		"3V", "4V",
		"Amg-l", "Amg-r",
		"ic-l", "ic-r",
		"VTA", "fx",
		"PAG-l", "PAG-r",
		"PPN-l", "PPN-r",
		"Cl-l", "Cl-r",
	}
}
