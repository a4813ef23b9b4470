// Package models holds plain domain types shared by the processing
// adapters.
package models

import (
	"fmt"

	"mriproc/pkg/nifti"
)

// Geometry captures the spatial layout every adapter extracts from its
// first input image: grid dimensions and voxel resolutions. All other
// inputs of a run must share it.
type Geometry struct {
	// Dims are the grid dimensions in voxels (nx, ny, nz).
	Dims [3]int

	// Resolution holds the voxel sizes along each axis in mm.
	Resolution [3]float64
}

// GeometryOf reads the geometry from a loaded volume.
func GeometryOf(v *nifti.Volume) Geometry {
	return Geometry{
		Dims:       v.Dims,
		Resolution: v.Header.Zooms(),
	}
}

// CheckVolume verifies that another input volume matches the run
// geometry before it is pushed across the bridge.
func (g Geometry) CheckVolume(v *nifti.Volume) error {
	if v.Dims != g.Dims {
		return fmt.Errorf("input dimensions %v do not match run dimensions %v", v.Dims, g.Dims)
	}
	return nil
}
