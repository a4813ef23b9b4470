// Package metrics computes quality metrics between an input volume and
// a processed result, e.g. to quantify how much a denoising run changed
// the data. The metrics are informational only; they never feed back
// into processing or caching.
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"mriproc/pkg/nifti"
)

// VolumeMetrics holds the comparison metrics between a reference volume
// and a processed volume.
type VolumeMetrics struct {
	// RMSE is the root mean square difference between the voxel
	// intensities.
	RMSE float64

	// EntropyDiff is the absolute difference in histogram entropy,
	// measuring how much information content changed.
	EntropyDiff float64

	// MI approximates the mutual information between the two volumes
	// under a Gaussian assumption. Higher means more shared structure.
	MI float64
}

// histogramBins used for the entropy estimate.
const histogramBins = 256

// Compare computes the metrics between a reference volume and a
// processed volume of the same dimensions. NaN samples are excluded
// pairwise.
func Compare(reference, processed *nifti.Volume) (*VolumeMetrics, error) {
	if reference.Dims != processed.Dims || reference.Frames != processed.Frames {
		return nil, fmt.Errorf("volume dimensions differ: %v x%d vs %v x%d",
			reference.Dims, reference.Frames, processed.Dims, processed.Frames)
	}

	ref := make([]float64, 0, len(reference.Data))
	proc := make([]float64, 0, len(processed.Data))
	for i := range reference.Data {
		a := float64(reference.Data[i])
		b := float64(processed.Data[i])
		if math.IsNaN(a) || math.IsNaN(b) {
			continue
		}
		ref = append(ref, a)
		proc = append(proc, b)
	}
	if len(ref) == 0 {
		return nil, fmt.Errorf("no comparable samples")
	}

	return &VolumeMetrics{
		RMSE:        rmse(ref, proc),
		EntropyDiff: math.Abs(entropy(ref) - entropy(proc)),
		MI:          mutualInformation(ref, proc),
	}, nil
}

func rmse(a, b []float64) float64 {
	mse := 0.0
	for i := range a {
		diff := a[i] - b[i]
		mse += diff * diff
	}
	return math.Sqrt(mse / float64(len(a)))
}

// entropy estimates the Shannon entropy of the intensity distribution
// over a fixed-bin histogram spanning the data range.
func entropy(data []float64) float64 {
	min, max := data[0], data[0]
	for _, v := range data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max == min {
		return 0
	}

	counts := make([]float64, histogramBins)
	scale := float64(histogramBins-1) / (max - min)
	for _, v := range data {
		counts[int((v-min)*scale)]++
	}

	h := 0.0
	n := float64(len(data))
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := c / n
		h -= p * math.Log2(p)
	}
	return h
}

// mutualInformation approximates MI under a joint Gaussian model:
// 0.5 * log(var(X)var(Y) / (var(X)var(Y) - cov(X,Y)^2)).
func mutualInformation(a, b []float64) float64 {
	varA := stat.Variance(a, nil)
	varB := stat.Variance(b, nil)
	cov := stat.Covariance(a, b, nil)

	if varA <= 0 || varB <= 0 {
		return 0
	}
	det := varA*varB - cov*cov
	if det <= 0 {
		return 0
	}
	return 0.5 * math.Log(varA*varB/det)
}
