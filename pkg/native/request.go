package native

import (
	"fmt"
)

// Request is the full configuration for one native algorithm run,
// assembled by an adapter and passed atomically to Execute. Image slots
// hold voxel arrays flattened in column-major order as float32; indexed
// slots (built with Slot) bind ordered image lists.
type Request struct {
	// Algorithm names the native routine, e.g.
	// "intensity.flash-t2s-fitting".
	Algorithm string

	// Dims are the spatial dimensions shared by all bound images.
	Dims [3]int

	// Resolution holds the voxel sizes along each axis in mm.
	Resolution [3]float64

	// Images binds column-major flattened voxel arrays to named slots.
	// Every bound image must match Dims.
	Images map[string][]float32

	// Aux binds auxiliary arrays whose geometry is declared by the
	// algorithm itself rather than by Dims, such as atlas priors or
	// coordinate mappings living in a different space. They are only
	// checked to be non-empty.
	Aux map[string][]float32

	// Scalars, Ints, Flags and Strings carry the algorithm parameters.
	Scalars map[string]float64
	Ints    map[string]int
	Flags   map[string]bool
	Strings map[string]string
}

// NewRequest returns an empty request for the named algorithm with the
// given dimensions and resolutions.
func NewRequest(algorithm string, dims [3]int, resolution [3]float64) *Request {
	return &Request{
		Algorithm:  algorithm,
		Dims:       dims,
		Resolution: resolution,
		Images:     map[string][]float32{},
		Aux:        map[string][]float32{},
		Scalars:    map[string]float64{},
		Ints:       map[string]int{},
		Flags:      map[string]bool{},
		Strings:    map[string]string{},
	}
}

// Slot builds the name of an indexed image slot, e.g. Slot("echo", 2)
// is "echo[2]". The index ordering is part of the bridge contract and
// must match the order scalars were declared for the same index.
func Slot(name string, idx int) string {
	return fmt.Sprintf("%s[%d]", name, idx)
}

// BindImage attaches a flattened voxel array to a slot.
func (r *Request) BindImage(slot string, flat []float32) {
	r.Images[slot] = flat
}

// BindAux attaches an auxiliary array to a slot.
func (r *Request) BindAux(slot string, flat []float32) {
	r.Aux[slot] = flat
}

// Validate checks the request before it crosses the bridge: positive
// dimensions and resolutions, a named algorithm, and every bound image
// sized as a positive multiple of one spatial frame.
func (r *Request) Validate() error {
	if r.Algorithm == "" {
		return fmt.Errorf("missing algorithm name")
	}
	for i, d := range r.Dims {
		if d <= 0 {
			return fmt.Errorf("dimension %d is %d, must be positive", i, d)
		}
	}
	for i, res := range r.Resolution {
		if res <= 0 {
			return fmt.Errorf("resolution %d is %g, must be positive", i, res)
		}
	}

	frame := r.Dims[0] * r.Dims[1] * r.Dims[2]
	for slot, img := range r.Images {
		if len(img) == 0 {
			return fmt.Errorf("image slot %s is empty", slot)
		}
		if len(img)%frame != 0 {
			return fmt.Errorf("image slot %s has %d samples, not a multiple of frame size %d",
				slot, len(img), frame)
		}
	}
	for slot, img := range r.Aux {
		if len(img) == 0 {
			return fmt.Errorf("auxiliary slot %s is empty", slot)
		}
	}
	return nil
}

// Result carries the output arrays of a completed native run, one
// column-major flattened float32 array per named output slot.
type Result struct {
	Images map[string][]float32
}

// Image returns the output array bound to slot, or an error when the
// native run did not produce it.
func (r *Result) Image(slot string) ([]float32, error) {
	img, ok := r.Images[slot]
	if !ok {
		return nil, fmt.Errorf("native result is missing output %s", slot)
	}
	return img, nil
}
