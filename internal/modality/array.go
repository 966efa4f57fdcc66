package modality

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Array is a dense row-major float32 array.
type Array struct {
	Shape []int
	Data  []float32
}

// NewArray checks that data fills shape exactly.
func NewArray(shape []int, data []float32) (Array, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return Array{}, fmt.Errorf("invalid dimension %d in shape %v", d, shape)
		}
		n *= d
	}
	if n != len(data) {
		return Array{}, fmt.Errorf("shape %v needs %d values, got %d", shape, n, len(data))
	}
	return Array{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Clone returns a deep copy.
func (a Array) Clone() Array {
	return Array{
		Shape: append([]int(nil), a.Shape...),
		Data:  append([]float32(nil), a.Data...),
	}
}

// Equal reports element-wise equality of shape and bits.
func (a Array) Equal(b Array) bool {
	if len(a.Shape) != len(b.Shape) || len(a.Data) != len(b.Data) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	for i := range a.Data {
		if math.Float32bits(a.Data[i]) != math.Float32bits(b.Data[i]) {
			return false
		}
	}
	return true
}

// Float64s returns the data widened to float64.
func (a Array) Float64s() []float64 {
	out := make([]float64, len(a.Data))
	for i, v := range a.Data {
		out[i] = float64(v)
	}
	return out
}

var arrayMagic = [4]byte{'A', 'R', 'R', '1'}

// MarshalBinary encodes the array as: magic, uint32 rank, uint32 dims,
// little-endian float32 values.
func (a Array) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 8+4*len(a.Shape)+4*len(a.Data))
	buf = append(buf, arrayMagic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(a.Shape)))
	for _, d := range a.Shape {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(d))
	}
	for _, v := range a.Data {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf, nil
}

// UnmarshalBinary decodes the MarshalBinary format.
func (a *Array) UnmarshalBinary(b []byte) error {
	if len(b) < 8 || [4]byte(b[:4]) != arrayMagic {
		return errors.New("not an encoded array")
	}
	rank := int(binary.LittleEndian.Uint32(b[4:8]))
	b = b[8:]
	if rank > 8 || len(b) < 4*rank {
		return errors.New("truncated array header")
	}
	shape := make([]int, rank)
	for i := range shape {
		shape[i] = int(binary.LittleEndian.Uint32(b[4*i:]))
	}
	b = b[4*rank:]
	if len(b)%4 != 0 {
		return errors.New("truncated array data")
	}
	data := make([]float32, len(b)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	arr, err := NewArray(shape, data)
	if err != nil {
		return err
	}
	*a = arr
	return nil
}
