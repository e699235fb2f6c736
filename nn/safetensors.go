package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/x448/float16"
)

// TensorWithShape is one named safetensors entry. Values are held as
// float64 so every supported dtype decodes exactly; DType selects the
// on-disk encoding.
type TensorWithShape struct {
	Values []float64
	Shape  []int
	DType  string
}

// TensorInfo describes a tensor's properties
type TensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

// LoadSafetensors reads a safetensors file and returns tensors by name
func LoadSafetensors(filepath string) (map[string]TensorWithShape, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return LoadSafetensorsFromBytes(data)
}

// LoadSafetensorsFromBytes reads safetensors data from a byte slice and
// returns tensors by name. F32, F64, F16 and BF16 entries are decoded;
// other dtypes are skipped with a warning.
func LoadSafetensorsFromBytes(data []byte) (map[string]TensorWithShape, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short: need at least 8 bytes for header size")
	}

	// Read header size (first 8 bytes, little-endian)
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if headerSize > uint64(len(data)-8) {
		return nil, fmt.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	// Tensor data starts after header
	allData := data[8+headerSize:]

	tensors := make(map[string]TensorWithShape, len(rawHeader))
	for name, raw := range rawHeader {
		if name == "__metadata__" {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: bad header entry: %w", name, err)
		}

		width := getBytesPerElement(info.DType)
		if width == 0 {
			Logf("safetensors: skipping tensor %s with unsupported dtype %s", name, info.DType)
			continue
		}
		if len(info.Offset) != 2 {
			return nil, fmt.Errorf("tensor %s: data_offsets must have two entries, got %d", name, len(info.Offset))
		}

		numElements, err := elementCount(info.Shape)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		start, end := info.Offset[0], info.Offset[1]
		if start < 0 || start > end || end > len(allData) {
			return nil, fmt.Errorf("tensor %s: data offsets [%d, %d] out of bounds", name, start, end)
		}
		if end-start != numElements*width {
			return nil, fmt.Errorf("tensor %s: %d bytes for %d %s elements", name, end-start, numElements, info.DType)
		}

		values := make([]float64, numElements)
		buf := allData[start:end]
		for i := range values {
			switch info.DType {
			case "F32":
				values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
			case "F64":
				values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
			case "F16":
				values[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32())
			case "BF16":
				// bfloat16 is the top half of a float32
				values[i] = float64(math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[i*2:])) << 16))
			}
		}
		tensors[name] = TensorWithShape{Values: values, Shape: info.Shape, DType: info.DType}
	}

	return tensors, nil
}

// maxElements bounds a single tensor so byte sizes cannot overflow int.
const maxElements = math.MaxInt32

// elementCount multiplies out a shape, rejecting negative dims and counts
// too large to address.
func elementCount(shape []int) (int, error) {
	n := 1
	for _, dim := range shape {
		if dim < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}
		if dim > 0 && n > maxElements/dim {
			return 0, fmt.Errorf("shape %v is too large", shape)
		}
		n *= dim
	}
	return n, nil
}
