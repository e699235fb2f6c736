package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand/v2"

	"github.com/klauspost/cpuid/v2"

	"github.com/openfluke/sdn/internal/config"
	"github.com/openfluke/sdn/nn"
)

func main() {
	configPath := flag.String("config", "", "layer config JSON (defaults to a 3→8 ResSDN layer)")
	weightsPath := flag.String("weights", "", "safetensors checkpoint to load before running")
	savePath := flag.String("save", "", "write the layer's parameters to this safetensors file")
	saveDType := flag.String("dtype", "F32", "dtype for -save: F32, F64, F16 or BF16")
	strict := flag.Bool("strict", true, "require checkpoint keys to match the layer exactly")
	useGPU := flag.Bool("gpu", false, "place the input on the GPU device (overrides config)")
	backward := flag.Bool("backward", false, "also run a backward pass with a ones gradient")
	eval := flag.Bool("eval", false, "run batch norm layers with running statistics")
	quiet := flag.Bool("quiet", false, "silence library diagnostics")
	flag.Parse()

	if *quiet {
		nn.SetLogger(nil)
	}

	cfg := config.DefaultLayerConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadLayerConfig(*configPath); err != nil {
			log.Fatalf("❌ %v", err)
		}
	}
	device, err := nn.ParseDevice(cfg.GetDevice())
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	if *useGPU {
		device = nn.DeviceGPU
	}

	log.Printf("🖥️  %s: %d physical cores, %d logical, AVX2=%v",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, cpuid.CPU.Supports(cpuid.AVX2))

	layer, err := buildLayer(cfg)
	if err != nil {
		log.Fatalf("❌ build %s: %v", cfg.GetKind(), err)
	}
	log.Printf("🧱 %s: %d parameters", cfg.GetKind(), nn.ParameterCount(layer))
	if *eval {
		nn.SetTraining(layer, false)
	}

	if *weightsPath != "" {
		tensors, err := nn.LoadSafetensors(*weightsPath)
		if err != nil {
			log.Fatalf("❌ load weights: %v", err)
		}
		if err := nn.LoadStateDict(layer, tensors, *strict); err != nil {
			log.Fatalf("❌ load weights: %v", err)
		}
		log.Printf("📦 loaded %d tensors from %s", len(tensors), *weightsPath)
	}

	shape := cfg.GetInputShape()
	x := nn.NewTensor[float32](shape...)
	rng := rand.New(nn.NewSource(cfg.GetSeed() + 1))
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64())
	}
	x.Device = device

	out, err := layer.Forward(x)
	if err != nil {
		log.Fatalf("❌ forward: %v", err)
	}
	report("output", out)

	if *backward {
		grad := nn.NewTensor[float32](out.Shape...)
		for i := range grad.Data {
			grad.Data[i] = 1
		}
		gradIn, err := layer.Backward(grad)
		if err != nil {
			log.Fatalf("❌ backward: %v", err)
		}
		report("input grad", gradIn)
	}

	if *savePath != "" {
		if err := nn.SaveSafetensors(*savePath, nn.StateDict(layer, *saveDType)); err != nil {
			log.Fatalf("❌ save weights: %v", err)
		}
		log.Printf("💾 saved parameters to %s", *savePath)
	}

	if out.Device == nn.DeviceGPU {
		log.Printf("ℹ️  only convolution forward passes run on the GPU")
	}
}

func report(name string, t *nn.Tensor[float32]) {
	s := nn.Summarize(t)
	log.Printf("📊 %s %v: min=%.4f max=%.4f mean=%.4f std=%.4f non-finite=%d",
		name, t.Shape, s.Min, s.Max, s.Mean, s.StdDev, s.NonFinite)
}

// buildLayer constructs the block named by cfg.Kind.
func buildLayer(cfg *config.LayerConfig) (nn.Layer[float32], error) {
	src := nn.NewSource(cfg.GetSeed())
	in, out := cfg.GetInChannels(), cfg.GetOutChannels()
	sdnCfg := nn.SDNConfig{
		InChannels:  in,
		OutChannels: out,
		NumFeatures: cfg.GetNumFeatures(),
		Dirs:        cfg.GetDirs(),
		KernelSize:  cfg.GetKernelSize(),
		Stride:      cfg.GetStride(),
		Padding:     cfg.GetPadding(),
		Upsample:    cfg.GetUpsample(),
	}

	switch cfg.GetKind() {
	case config.KindSDN:
		return nn.NewSDNLayer[float32](sdnCfg, src)
	case config.KindResSDN:
		return nn.NewResSDNLayer[float32](sdnCfg, src)
	case config.KindSpatial:
		return nn.NewSpatialBlock[float32](in, out, cfg.GetUpsample(), src)
	case config.KindVGGSpatial:
		return nn.NewVGGSpatialBlock[float32](in, cfg.GetMidChannels(), out, cfg.GetUpsample(), src)
	case config.KindUNetSpatial:
		padding := cfg.GetPadding()
		return nn.NewUNetConv2Spatial[float32](nn.UNetConv2SpatialConfig{
			InChannels:  in,
			OutChannels: out,
			BatchNorm:   cfg.GetBatchNorm(),
			Stages:      cfg.GetStages(),
			KernelSize:  cfg.GetKernelSize(),
			Stride:      cfg.GetStride(),
			Padding:     &padding,
			Upsample:    cfg.GetUpsample(),
		}, src)
	case config.KindDilatedSpatial:
		return nn.NewDilatedSpatialBlock[float32](in, out, cfg.GetUpsample(), src)
	}
	return nil, fmt.Errorf("unknown kind %q", cfg.GetKind())
}
