package nn

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// StateDict exports every parameter and buffer of l under its checkpoint
// name, encoded as dtype ("" means F32).
func StateDict[T Float](l Layer[T], dtype string) map[string]TensorWithShape {
	out := make(map[string]TensorWithShape)
	for _, p := range l.Parameters() {
		out[p.Name] = TensorWithShape{
			Values: toFloat64s(p.Value.Data),
			Shape:  slices.Clone(p.Value.Shape),
			DType:  dtype,
		}
	}
	return out
}

// LoadStateDict copies tensors into the parameters of l by name. Element
// counts must match. In strict mode missing and unexpected keys are errors;
// otherwise they are logged and skipped. No parameter is written unless
// every matched tensor is valid.
func LoadStateDict[T Float](l Layer[T], tensors map[string]TensorWithShape, strict bool) error {
	params := l.Parameters()
	seen := make(map[string]bool, len(params))
	var missing []string
	for _, p := range params {
		seen[p.Name] = true
		t, ok := tensors[p.Name]
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		if len(t.Values) != len(p.Value.Data) {
			return fmt.Errorf("%w: %s has %d values (shape %v), parameter needs %d (shape %v)",
				ErrShapeMismatch, p.Name, len(t.Values), t.Shape, len(p.Value.Data), p.Value.Shape)
		}
	}
	var unexpected []string
	for name := range tensors {
		if !seen[name] {
			unexpected = append(unexpected, name)
		}
	}
	sort.Strings(unexpected)

	if strict && (len(missing) > 0 || len(unexpected) > 0) {
		return fmt.Errorf("%w: state dict mismatch: missing [%s], unexpected [%s]",
			ErrConfig, strings.Join(missing, ", "), strings.Join(unexpected, ", "))
	}
	if len(missing) > 0 {
		Logf("state dict: %d parameters not in checkpoint: %s", len(missing), strings.Join(missing, ", "))
	}
	if len(unexpected) > 0 {
		Logf("state dict: ignoring %d unexpected tensors: %s", len(unexpected), strings.Join(unexpected, ", "))
	}

	for _, p := range params {
		if t, ok := tensors[p.Name]; ok {
			copy(p.Value.Data, fromFloat64s[T](t.Values))
		}
	}
	return nil
}
