// Package validation compares the outputs of multi-device pipeline executions against
// references: either a reference execution of the same logic (computed-reference mode)
// or caller-supplied expected values (prescribed-value mode).
//
// Mismatches are reported, not fatal: a Report lists every differing element (up to a
// cap) with its output name, indices and magnitudes, and the caller decides how to
// react. Configuration problems (missing references, shape or dtype disagreements) are
// errors: they mean the comparison itself is meaningless.
package validation

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/multidevice/types/tensors"
	"github.com/gomlx/multidevice/types/xslices"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// ErrMismatch is the sentinel error wrapped by Report.Err when a validation found
// differing elements. Check for it with errors.Is.
var ErrMismatch = errors.New("validation mismatch")

// DefaultTolerance returns the absolute tolerance used when comparing elements of the
// given dtype, when the Validator doesn't override it. The 16-bit float formats get a
// much wider margin: they lose precision on every store.
func DefaultTolerance(dt dtypes.DType) float64 {
	switch dt {
	case dtypes.Float16, dtypes.BFloat16:
		return 1e-2
	case dtypes.Float32:
		return 1e-4
	case dtypes.Float64:
		return 1e-7
	default:
		return 0
	}
}

// Mismatch is one element that differed beyond tolerance.
type Mismatch struct {
	// Output is the name of the output tensor the element belongs to.
	Output string

	// Indices of the element within the tensor, one per axis.
	Indices []int

	// Got is the executed value, Want the reference value.
	Got, Want float64
}

// String implements the fmt.Stringer interface.
func (m Mismatch) String() string {
	return fmt.Sprintf("%s%v: got %v, want %v (diff %v)",
		m.Output, m.Indices, m.Got, m.Want, math.Abs(m.Got-m.Want))
}

// Report is the outcome of one validation.
type Report struct {
	// RunID of the execution that was validated, when known.
	RunID string

	// ElementsChecked is the total number of elements compared, over all outputs.
	ElementsChecked int

	// Mismatches lists the differing elements, in output name order, capped at the
	// Validator's MaxMismatchesPerOutput per output.
	Mismatches []Mismatch

	// TotalMismatches counts all differing elements, including those beyond the cap.
	TotalMismatches int
}

// OK reports whether the validation passed: no element differed beyond tolerance.
func (r *Report) OK() bool { return r.TotalMismatches == 0 }

// Err returns nil if the validation passed, otherwise an error wrapping ErrMismatch
// that summarizes the report.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	return errors.Wrap(ErrMismatch, r.String())
}

// String implements the fmt.Stringer interface.
func (r *Report) String() string {
	if r.OK() {
		return fmt.Sprintf("validation passed: %s elements checked",
			humanize.Comma(int64(r.ElementsChecked)))
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "validation failed: %s of %s elements differ",
		humanize.Comma(int64(r.TotalMismatches)), humanize.Comma(int64(r.ElementsChecked)))
	for _, m := range r.Mismatches {
		sb.WriteString("\n\t")
		sb.WriteString(m.String())
	}
	if r.TotalMismatches > len(r.Mismatches) {
		_, _ = fmt.Fprintf(&sb, "\n\t... and %s more",
			humanize.Comma(int64(r.TotalMismatches-len(r.Mismatches))))
	}
	return sb.String()
}

// Validator compares executed outputs against reference values, element by element,
// within per-dtype absolute tolerances.
//
// The zero value is valid and uses the defaults.
type Validator struct {
	// Tolerances overrides DefaultTolerance for the dtypes it lists.
	Tolerances map[dtypes.DType]float64

	// MaxMismatchesPerOutput caps how many mismatches are recorded per output; 0 means
	// the default of 16. The total count is always exact.
	MaxMismatchesPerOutput int
}

const defaultMaxMismatchesPerOutput = 16

func (v *Validator) tolerance(dt dtypes.DType) float64 {
	if tol, found := v.Tolerances[dt]; found {
		return tol
	}
	return DefaultTolerance(dt)
}

// Compare validates outputs against references, matched by name. Every output must have
// a reference with the same shape; extra references are ignored. It returns an error
// only when the comparison itself is impossible; differing values go in the Report.
func (v *Validator) Compare(outputs, references map[string]*tensors.Tensor) (*Report, error) {
	maxPerOutput := v.MaxMismatchesPerOutput
	if maxPerOutput <= 0 {
		maxPerOutput = defaultMaxMismatchesPerOutput
	}
	report := &Report{}
	for _, name := range xslices.SortedKeys(outputs) {
		output := outputs[name]
		reference, found := references[name]
		if !found {
			return nil, errors.Errorf("output %q has no reference value", name)
		}
		if !output.Shape().Equal(reference.Shape()) {
			return nil, errors.Errorf("output %q has shape %s but its reference has shape %s",
				name, output.Shape(), reference.Shape())
		}
		got, err := toFloat64Slice(output)
		if err != nil {
			return nil, errors.WithMessagef(err, "output %q", name)
		}
		want, err := toFloat64Slice(reference)
		if err != nil {
			return nil, errors.WithMessagef(err, "reference for output %q", name)
		}
		tolerance := v.tolerance(output.DType())
		recorded := 0
		for i := range got {
			report.ElementsChecked++
			if math.Abs(got[i]-want[i]) <= tolerance ||
				(math.IsNaN(got[i]) && math.IsNaN(want[i])) {
				continue
			}
			report.TotalMismatches++
			if recorded < maxPerOutput {
				recorded++
				report.Mismatches = append(report.Mismatches, Mismatch{
					Output:  name,
					Indices: output.Shape().FlatToIndices(i),
					Got:     got[i],
					Want:    want[i],
				})
			}
		}
	}
	if !report.OK() {
		klog.V(1).Infof("validation: %s", report)
	}
	return report, nil
}

// toFloat64Slice widens the tensor's flat data to float64 for comparison.
func toFloat64Slice(t *tensors.Tensor) ([]float64, error) {
	out := make([]float64, t.Size())
	switch t.DType() {
	case dtypes.Float64:
		tensors.ConstFlatData(t, func(flat []float64) { copy(out, flat) })
	case dtypes.Float32:
		tensors.ConstFlatData(t, func(flat []float32) {
			for i, v := range flat {
				out[i] = float64(v)
			}
		})
	case dtypes.Int32:
		tensors.ConstFlatData(t, func(flat []int32) {
			for i, v := range flat {
				out[i] = float64(v)
			}
		})
	case dtypes.Int64:
		tensors.ConstFlatData(t, func(flat []int64) {
			for i, v := range flat {
				out[i] = float64(v)
			}
		})
	case dtypes.Float16:
		tensors.ConstFlatData(t, func(flat []float16.Float16) {
			for i, v := range flat {
				out[i] = float64(v.Float32())
			}
		})
	case dtypes.BFloat16:
		tensors.ConstFlatData(t, func(flat []bfloat16.BFloat16) {
			for i, v := range flat {
				out[i] = float64(v.Float32())
			}
		})
	default:
		return nil, errors.Errorf("dtype %s cannot be validated", t.DType())
	}
	return out, nil
}
