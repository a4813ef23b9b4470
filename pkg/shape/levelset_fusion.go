// Package shape provides the levelset shape processing entry points.
package shape

import (
	"errors"
	"fmt"
	"os"

	"mriproc/internal/models"
	"mriproc/pkg/native"
	"mriproc/pkg/nifti"
	"mriproc/pkg/pipeline"
)

// ErrNoTopologyLUT is returned when topology correction is requested
// without a usable look-up table directory. Detected before any native
// call.
var ErrNoTopologyLUT = errors.New("topology LUT directory not found")

// Output file suffix for levelset fusion.
const suffixFusedLevelset = "lsf-avg"

// FusionParams holds the inputs for levelset fusion.
type FusionParams struct {
	// Levelsets are the levelset surface images to combine.
	Levelsets []nifti.Ref

	// CorrectTopology constrains the average shape to spherical
	// topology.
	CorrectTopology bool

	// TopologyLUTDir is the directory holding the topology look-up
	// tables, required when CorrectTopology is set.
	TopologyLUTDir string

	// Save controls output persistence and caching.
	Save pipeline.SaveOptions
}

// NewFusionParams returns fusion parameters with the documented
// defaults: topology correction enabled.
func NewFusionParams() *FusionParams {
	return &FusionParams{
		CorrectTopology: true,
	}
}

// FusionResult holds the fused surface. Output file suffix in brackets.
type FusionResult struct {
	// Result is the levelset representation of the combined surface
	// (lsf-avg).
	Result *nifti.Volume
}

// FuseLevelsets builds an average levelset surface from a collection of
// levelset images, with the same average volume and, optionally,
// spherical topology. The fusion itself runs inside the native library.
func FuseLevelsets(params *FusionParams) (*FusionResult, error) {
	fmt.Println("\nLevelset Shape Fusion")

	if len(params.Levelsets) == 0 {
		return nil, fmt.Errorf("no input levelsets")
	}
	if params.CorrectTopology {
		info, err := os.Stat(params.TopologyLUTDir)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: %q", ErrNoTopologyLUT, params.TopologyLUTDir)
		}
	}

	var lsFile string
	if params.Save.SaveData {
		dir, err := pipeline.OutputDir(params.Save, params.Levelsets[0])
		if err != nil {
			return nil, err
		}
		lsFile = pipeline.OutputFile(dir, params.Save, params.Levelsets[0], suffixFusedLevelset)

		if pipeline.SkipComputation(params.Save, lsFile) {
			vol, err := nifti.Load(lsFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load cached result %s: %w", lsFile, err)
			}
			return &FusionResult{Result: vol}, nil
		}
	}

	rt := native.Default()
	if err := rt.Init(native.DefaultOptions()); err != nil {
		return nil, err
	}

	first, err := params.Levelsets[0].Volume()
	if err != nil {
		return nil, err
	}
	geom := models.GeometryOf(first)

	req := native.NewRequest("shape.levelset-fusion", geom.Dims, geom.Resolution)
	req.Ints["imageCount"] = len(params.Levelsets)
	req.Flags["correctSkeletonTopology"] = params.CorrectTopology
	req.Strings["topologyLUTDirectory"] = params.TopologyLUTDir

	for idx, ref := range params.Levelsets {
		vol := first
		if idx > 0 {
			if vol, err = ref.Volume(); err != nil {
				return nil, fmt.Errorf("failed to load levelset %d: %w", idx, err)
			}
		}
		if err := geom.CheckVolume(vol); err != nil {
			return nil, fmt.Errorf("levelset %d: %w", idx, err)
		}
		req.BindImage(native.Slot("levelset", idx), vol.FlattenColumnMajor())
	}

	res, err := rt.Execute(req)
	if err != nil {
		return nil, err
	}

	flat, err := res.Image("average")
	if err != nil {
		return nil, err
	}
	fused, err := nifti.ReshapeColumnMajor(flat, geom.Dims, &first.Header)
	if err != nil {
		return nil, fmt.Errorf("output average: %w", err)
	}

	if params.Save.SaveData {
		if err := pipeline.SaveVolume(lsFile, fused); err != nil {
			return nil, err
		}
	}

	return &FusionResult{Result: fused}, nil
}
