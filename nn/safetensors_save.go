package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/x448/float16"
)

// SaveSafetensors writes tensors to a safetensors file
func SaveSafetensors(filepath string, tensors map[string]TensorWithShape) error {
	data, err := SerializeSafetensors(tensors)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, data, 0644)
}

// SerializeSafetensors converts tensors to safetensors format bytes. An
// empty DType is written as F32.
func SerializeSafetensors(tensors map[string]TensorWithShape) ([]byte, error) {
	// Sort names for deterministic order
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]TensorInfo, len(names))
	currentOffset := 0
	for _, name := range names {
		tensor := tensors[name]
		dtype := tensor.DType
		if dtype == "" {
			dtype = "F32"
		}
		width := getBytesPerElement(dtype)
		if width == 0 {
			return nil, fmt.Errorf("tensor %s: unsupported dtype: %s", name, dtype)
		}
		numElements, err := elementCount(tensor.Shape)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if numElements != len(tensor.Values) {
			return nil, fmt.Errorf("tensor %s: shape %v holds %d values, got %d", name, tensor.Shape, numElements, len(tensor.Values))
		}
		dataSize := numElements * width
		header[name] = TensorInfo{
			DType:  dtype,
			Shape:  tensor.Shape,
			Offset: []int{currentOffset, currentOffset + dataSize},
		}
		currentOffset += dataSize
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	// Build file: [header_size (8 bytes)] [header JSON] [tensor data]
	headerSize := uint64(len(headerJSON))
	result := make([]byte, 8+headerSize+uint64(currentOffset))
	binary.LittleEndian.PutUint64(result[0:8], headerSize)
	copy(result[8:8+headerSize], headerJSON)

	dataStart := 8 + int(headerSize)
	for _, name := range names {
		info := header[name]
		writeTensorData(result[dataStart+info.Offset[0]:dataStart+info.Offset[1]], info.DType, tensors[name].Values)
	}
	return result, nil
}

// getBytesPerElement returns bytes per element for a supported float
// dtype and 0 for anything else.
func getBytesPerElement(dtype string) int {
	switch dtype {
	case "F64":
		return 8
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	default:
		return 0
	}
}

// writeTensorData encodes values into dest in the given float dtype.
func writeTensorData(dest []byte, dtype string, values []float64) {
	for i, val := range values {
		switch dtype {
		case "F32":
			binary.LittleEndian.PutUint32(dest[i*4:], math.Float32bits(float32(val)))
		case "F64":
			binary.LittleEndian.PutUint64(dest[i*8:], math.Float64bits(val))
		case "F16":
			binary.LittleEndian.PutUint16(dest[i*2:], float16.Fromfloat32(float32(val)).Bits())
		case "BF16":
			binary.LittleEndian.PutUint16(dest[i*2:], float32ToBFloat16(float32(val)))
		}
	}
}

// float32ToBFloat16 rounds to nearest even on the dropped mantissa bits.
func float32ToBFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	if f != f {
		return uint16(bits>>16) | 0x40 // keep NaN quiet
	}
	rounding := uint32(0x7FFF) + (bits>>16)&1
	return uint16((bits + rounding) >> 16)
}
