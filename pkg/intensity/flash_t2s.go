// Package intensity provides the quantitative intensity processing
// entry points: FLASH T2* fitting, MP2RAGE T1 mapping and LCPCA
// denoising. Each function validates its inputs, skips computation when
// all previously saved outputs exist, and otherwise marshals the input
// volumes across the native bridge, runs the algorithm, and wraps the
// returned arrays as volumes carrying the first input's affine.
package intensity

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"mriproc/internal/models"
	"mriproc/pkg/native"
	"mriproc/pkg/nifti"
	"mriproc/pkg/pipeline"
)

// ErrEchoCountMismatch is returned when the number of echo times does
// not match the number of input images. Detected before any native
// call.
var ErrEchoCountMismatch = errors.New("echo time count does not match image count")

// Output file suffixes for FLASH T2* fitting.
const (
	suffixT2s    = "qt2fit-t2s"
	suffixR2s    = "qt2fit-r2s"
	suffixS0     = "qt2fit-s0"
	suffixT2sErr = "qt2fit-err"
)

// FlashT2sParams holds the inputs for FLASH T2* fitting.
type FlashT2sParams struct {
	// Images are the echo images to fit the T2* decay curve on.
	Images []nifti.Ref

	// EchoTimes lists the echo time (TE) of each image, in the same
	// order.
	EchoTimes []float64

	// Save controls output persistence and caching.
	Save pipeline.SaveOptions
}

// FlashT2sResult collects the fitting outputs. Output file suffixes in
// brackets.
type FlashT2sResult struct {
	// T2s is the map of estimated T2* times (qt2fit-t2s).
	T2s *nifti.Volume

	// R2s is the map of estimated R2* relaxation rates (qt2fit-r2s).
	R2s *nifti.Volume

	// S0 is the estimated PD-weighted image at TE=0 (qt2fit-s0).
	S0 *nifti.Volume

	// Residuals are the fit residuals against the input echoes
	// (qt2fit-err).
	Residuals *nifti.Volume
}

// FitFlashT2s estimates T2*/R2* by linear least squares fitting in log
// space. The numerical fit runs inside the native library; outputs are
// shaped exactly like the first input.
func FitFlashT2s(params *FlashT2sParams) (*FlashT2sResult, error) {
	fmt.Println("\nT2* Fitting")

	if len(params.Images) == 0 {
		return nil, fmt.Errorf("no input images")
	}
	if len(params.EchoTimes) != len(params.Images) {
		return nil, fmt.Errorf("%w: %d echo times for %d images",
			ErrEchoCountMismatch, len(params.EchoTimes), len(params.Images))
	}

	var t2sFile, r2sFile, s0File, errFile string
	if params.Save.SaveData {
		dir, err := pipeline.OutputDir(params.Save, params.Images[0])
		if err != nil {
			return nil, err
		}
		t2sFile = pipeline.OutputFile(dir, params.Save, params.Images[0], suffixT2s)
		r2sFile = pipeline.OutputFile(dir, params.Save, params.Images[0], suffixR2s)
		s0File = pipeline.OutputFile(dir, params.Save, params.Images[0], suffixS0)
		errFile = pipeline.OutputFile(dir, params.Save, params.Images[0], suffixT2sErr)

		if pipeline.SkipComputation(params.Save, t2sFile, r2sFile, s0File, errFile) {
			return loadFlashT2sResult(t2sFile, r2sFile, s0File, errFile)
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

	req := native.NewRequest("intensity.flash-t2s-fitting", geom.Dims, geom.Resolution)
	req.Ints["echoCount"] = len(params.Images)

	// Slot indices must match the order echo times are declared.
	for idx, ref := range params.Images {
		vol := first
		if idx > 0 {
			if vol, err = ref.Volume(); err != nil {
				return nil, fmt.Errorf("failed to load echo %d: %w", idx, err)
			}
		}
		if err := geom.CheckVolume(vol); err != nil {
			return nil, fmt.Errorf("echo %d: %w", idx, err)
		}
		req.BindImage(native.Slot("echo", idx), vol.FlattenColumnMajor())
	}
	for idx, te := range params.EchoTimes {
		req.Scalars[native.Slot("echoTime", idx)] = te
	}

	res, err := rt.Execute(req)
	if err != nil {
		return nil, err
	}

	out := &FlashT2sResult{}
	for _, bind := range []struct {
		slot string
		dst  **nifti.Volume
	}{
		{"t2s", &out.T2s},
		{"r2s", &out.R2s},
		{"s0", &out.S0},
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
		for _, save := range []struct {
			path string
			vol  *nifti.Volume
		}{
			{t2sFile, out.T2s},
			{r2sFile, out.R2s},
			{s0File, out.S0},
			{errFile, out.Residuals},
		} {
			if err := pipeline.SaveVolume(save.path, save.vol); err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

func loadFlashT2sResult(t2sFile, r2sFile, s0File, errFile string) (*FlashT2sResult, error) {
	out := &FlashT2sResult{}
	for _, load := range []struct {
		path string
		dst  **nifti.Volume
	}{
		{t2sFile, &out.T2s},
		{r2sFile, &out.R2s},
		{s0File, &out.S0},
		{errFile, &out.Residuals},
	} {
		vol, err := nifti.Load(load.path)
		if err != nil {
			return nil, fmt.Errorf("failed to load cached result %s: %w", load.path, err)
		}
		*load.dst = vol
	}
	log.WithField("algorithm", "intensity.flash-t2s-fitting").Debug("returned cached results")
	return out, nil
}
