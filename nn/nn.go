// Package nn provides the building blocks of spatial directional network
// (SDN) image-to-image models with explicit CPU and GPU execution.
//
// Tensors are 4D (batch, channels, height, width) and generic over the
// float type. Every layer has a Forward pass and an explicit Backward pass
// that consumes the caches recorded by the most recent Forward:
//   - Conv2D: convolution or transposed convolution (stride, padding, dilation)
//   - BatchNorm2D: per-channel normalization over batch and spatial axes
//   - Activation: ReLU, Sigmoid, Tanh, LeakyReLU, Softplus
//   - GRUCell / SDNCell: gated recurrent update over neighbor triples
//   - CorrectionLayer: one directional sweep of the SDN cell over a grid
//   - SDNLayer: project-in, four directional sweeps, project-out
//   - ResSDNLayer: learned per-pixel gate between a convolution and an SDN path
//   - Sequential, spatial blocks and DilatedSpatialBlock built from the above
//
// Parameter names follow the usual checkpoint keys (for example
// "sdn.sdn_correction_stage.0.cell.gru.weight_ih"), so StateDict,
// LoadStateDict and the safetensors helpers interoperate with exported
// weights.
//
// The correction sweep is a sequential recurrence along the swept axis.
// Positions inside one line are updated as a single batched cell step;
// successive lines are never reordered or run concurrently.
//
// Example usage:
//
//	layer, _ := nn.NewResSDNLayer[float32](nn.SDNConfig{
//		InChannels: 3, OutChannels: 8, NumFeatures: 16,
//		KernelSize: 3, Stride: 1, Padding: 1,
//	}, nn.NewSource(1))
//
//	x := nn.NewTensor[float32](1, 3, 8, 8)
//	out, _ := layer.Forward(x)        // (1, 8, 8, 8)
//	gradIn, _ := layer.Backward(gradOut)
package nn
