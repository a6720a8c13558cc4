package tensors

import (
	"encoding/gob"
	"reflect"

	"github.com/gomlx/multidevice/types/shapes"
	"github.com/pkg/errors"
)

// GobSerialize Tensor in binary format: first the shape, then the flat data.
// This is the wire format used when tensors cross device (rank) boundaries: it carries the
// element type, the dimensions and the row-major contiguous data, enough to rebuild the
// tensor without ambiguity on the receiving side.
//
// It returns an error for I/O errors.
// It panics for invalid tensors.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) (err error) {
	if t == nil {
		panic(errors.New("Tensor is nil"))
	}
	t.AssertValid()
	err = t.shape.GobSerialize(encoder)
	if err != nil {
		return
	}
	t.ConstFlatData(func(flat any) {
		err = encoder.Encode(flat)
		if err != nil {
			err = errors.Wrapf(err, "failed to write tensor data")
		}
	})
	return
}

// GobDeserialize a Tensor from the decoder. Returns a newly allocated tensor.
func GobDeserialize(decoder *gob.Decoder) (t *Tensor, err error) {
	shape, err := shapes.GobDeserialize(decoder)
	if err != nil {
		err = errors.Wrapf(err, "failed to deserialize Tensor shape data")
		return
	}
	flatPtrV := reflect.New(reflect.SliceOf(shape.DType.GoType()))
	err = decoder.Decode(flatPtrV.Interface())
	if err != nil {
		err = errors.Wrapf(err, "failed to deserialize Tensor data")
		return
	}
	if flatPtrV.Elem().Len() != shape.Size() {
		err = errors.Errorf("deserialized Tensor data has %d elements, but shape %s requires %d",
			flatPtrV.Elem().Len(), shape, shape.Size())
		return
	}
	// Build new tensor using the data returned by the decoder (to avoid a copy).
	t = newTensor(shape)
	t.flat = flatPtrV.Elem().Interface()
	return
}
