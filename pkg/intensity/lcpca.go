package intensity

import (
	"errors"
	"fmt"

	"mriproc/internal/models"
	"mriproc/pkg/native"
	"mriproc/pkg/nifti"
	"mriproc/pkg/pipeline"
)

// ErrPhaseCountMismatch is returned when a phase image list is supplied
// whose length differs from the magnitude list. Detected before any
// native call.
var ErrPhaseCountMismatch = errors.New("mismatch of magnitude and phase images")

// Output file suffixes for LCPCA denoising.
const (
	suffixDenoised  = "lcpca-den"
	suffixLocalDims = "lcpca-dim"
	suffixNoiseFit  = "lcpca-res"
)

// LCPCAParams holds the inputs for local complex-valued PCA denoising.
type LCPCAParams struct {
	// Images are the magnitude images to denoise.
	Images []nifti.Ref

	// Phases optionally supplies matching phase images; the order must
	// match Images and the lengths must agree.
	Phases []nifti.Ref

	// NgbSize is the size of the local PCA neighborhood, to be
	// increased with the number of inputs.
	NgbSize int

	// StdevCutoff is the factor of the local noise level below which
	// PCA components are removed. Higher values remove more.
	StdevCutoff float64

	// MinDimension is the minimum number of kept PCA components.
	MinDimension int

	// MaxDimension is the maximum number of kept PCA components, -1
	// for all.
	MaxDimension int

	// Save controls output persistence and caching.
	Save pipeline.SaveOptions
}

// NewLCPCAParams returns denoising parameters with the documented
// defaults: neighborhood 4, cutoff 1.05, all components kept.
func NewLCPCAParams() *LCPCAParams {
	return &LCPCAParams{
		NgbSize:      4,
		StdevCutoff:  1.05,
		MinDimension: 0,
		MaxDimension: -1,
	}
}

// LCPCAResult collects the denoising outputs. Output file suffixes in
// brackets.
type LCPCAResult struct {
	// Denoised lists the denoised inputs, magnitudes first, then
	// phases when supplied (lcpca-den).
	Denoised []*nifti.Volume

	// LocalDimensions maps the estimated local PCA dimension
	// (lcpca-dim).
	LocalDimensions *nifti.Volume

	// Residuals maps the estimated noise fit between the input and
	// denoised images (lcpca-res).
	Residuals *nifti.Volume
}

// DenoiseLCPCA denoises multi-contrast data with a local complex-valued
// PCA method running inside the native library.
func DenoiseLCPCA(params *LCPCAParams) (*LCPCAResult, error) {
	fmt.Println("\nLCPCA denoising")

	if len(params.Images) == 0 {
		return nil, fmt.Errorf("no input images")
	}
	if len(params.Phases) > 0 && len(params.Phases) != len(params.Images) {
		return nil, fmt.Errorf("%w: %d magnitudes, %d phases",
			ErrPhaseCountMismatch, len(params.Images), len(params.Phases))
	}

	var denFiles []string
	var dimFile, resFile string
	if params.Save.SaveData {
		dir, err := pipeline.OutputDir(params.Save, params.Images[0])
		if err != nil {
			return nil, err
		}
		denFiles = denoisedFiles(dir, params)
		dimFile = pipeline.OutputFile(dir, params.Save, params.Images[0], suffixLocalDims)
		resFile = pipeline.OutputFile(dir, params.Save, params.Images[0], suffixNoiseFit)

		expected := append([]string{dimFile, resFile}, denFiles...)
		if pipeline.SkipComputation(params.Save, expected...) {
			return loadLCPCAResult(denFiles, dimFile, resFile)
		}
	}

	rt := native.Default()
	if err := rt.Init(native.DefaultOptions()); err != nil {
		return nil, err
	}

	first, err := params.Images[0].Volume()
	if err != nil {
		return nil, err
	}
	geom := models.GeometryOf(first)

	req := native.NewRequest("intensity.lcpca-denoising", geom.Dims, geom.Resolution)
	req.Ints["imageCount"] = len(params.Images)
	req.Ints["patchSize"] = params.NgbSize
	req.Ints["minimumDimension"] = params.MinDimension
	req.Ints["maximumDimension"] = params.MaxDimension
	req.Scalars["stdevCutoff"] = params.StdevCutoff
	req.Flags["hasPhase"] = len(params.Phases) > 0

	for idx, ref := range params.Images {
		vol := first
		if idx > 0 {
			if vol, err = ref.Volume(); err != nil {
				return nil, fmt.Errorf("failed to load magnitude %d: %w", idx, err)
			}
		}
		if err := geom.CheckVolume(vol); err != nil {
			return nil, fmt.Errorf("magnitude %d: %w", idx, err)
		}
		req.BindImage(native.Slot("magnitude", idx), vol.FlattenColumnMajor())
	}
	for idx, ref := range params.Phases {
		vol, err := ref.Volume()
		if err != nil {
			return nil, fmt.Errorf("failed to load phase %d: %w", idx, err)
		}
		if err := geom.CheckVolume(vol); err != nil {
			return nil, fmt.Errorf("phase %d: %w", idx, err)
		}
		req.BindImage(native.Slot("phase", idx), vol.FlattenColumnMajor())
	}

	res, err := rt.Execute(req)
	if err != nil {
		return nil, err
	}

	out := &LCPCAResult{}
	for idx := range params.Images {
		flat, err := res.Image(native.Slot("denoised-magnitude", idx))
		if err != nil {
			return nil, err
		}
		vol, err := nifti.ReshapeColumnMajor(flat, geom.Dims, &first.Header)
		if err != nil {
			return nil, fmt.Errorf("denoised magnitude %d: %w", idx, err)
		}
		out.Denoised = append(out.Denoised, vol)
	}
	for idx := range params.Phases {
		flat, err := res.Image(native.Slot("denoised-phase", idx))
		if err != nil {
			return nil, err
		}
		vol, err := nifti.ReshapeColumnMajor(flat, geom.Dims, &first.Header)
		if err != nil {
			return nil, fmt.Errorf("denoised phase %d: %w", idx, err)
		}
		out.Denoised = append(out.Denoised, vol)
	}

	for _, bind := range []struct {
		slot string
		dst  **nifti.Volume
	}{
		{"dimensions", &out.LocalDimensions},
		{"residuals", &out.Residuals},
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
		for idx, vol := range out.Denoised {
			if err := pipeline.SaveVolume(denFiles[idx], vol); err != nil {
				return nil, err
			}
		}
		if err := pipeline.SaveVolume(dimFile, out.LocalDimensions); err != nil {
			return nil, err
		}
		if err := pipeline.SaveVolume(resFile, out.Residuals); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// denoisedFiles derives one output path per input. Each path derives
// from its own input's file name; when a base-name override is set, or
// an input is a path-less in-memory volume, every input would share one
// base, so the suffix is indexed to keep the paths distinct.
func denoisedFiles(dir string, params *LCPCAParams) []string {
	inputs := append(append([]nifti.Ref{}, params.Images...), params.Phases...)
	files := make([]string, 0, len(inputs))
	for idx, ref := range inputs {
		suffix := suffixDenoised
		if params.Save.FileName != "" || ref.Path() == "" {
			suffix = fmt.Sprintf("%s-%d", suffixDenoised, idx)
		}
		files = append(files, pipeline.OutputFile(dir, params.Save, ref, suffix))
	}
	return files
}

func loadLCPCAResult(denFiles []string, dimFile, resFile string) (*LCPCAResult, error) {
	out := &LCPCAResult{}
	for _, path := range denFiles {
		vol, err := nifti.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load cached result %s: %w", path, err)
		}
		out.Denoised = append(out.Denoised, vol)
	}
	var err error
	if out.LocalDimensions, err = nifti.Load(dimFile); err != nil {
		return nil, fmt.Errorf("failed to load cached result %s: %w", dimFile, err)
	}
	if out.Residuals, err = nifti.Load(resFile); err != nil {
		return nil, fmt.Errorf("failed to load cached result %s: %w", resFile, err)
	}
	return out, nil
}
