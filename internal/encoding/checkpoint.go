package encoding

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/samcharles93/bergman/internal/rgma"
	"github.com/samcharles93/bergman/internal/safetensors"
)

const (
	checkpointFormat = "bergman-rgma"
	metaFormat       = "format"
	metaConfig       = "bergman.config"
)

// SaveCheckpoint writes the encoder's config and a snapshot of its
// parameters to path as F64 safetensors.
func SaveCheckpoint(path string, enc *rgma.Encoder) error {
	params, err := enc.Parameters()
	if err != nil {
		return err
	}
	cfgJSON, err := json.Marshal(enc.Config())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	named := params.Tensors()
	tensors := make([]safetensors.Tensor, len(named))
	for i, nt := range named {
		tensors[i] = safetensors.Tensor{Name: nt.Name, Shape: nt.Shape, Data: nt.Data}
	}
	meta := map[string]string{
		metaFormat: checkpointFormat,
		metaConfig: string(cfgJSON),
	}
	return safetensors.WriteFile(path, tensors, meta)
}

// LoadCheckpoint rebuilds an encoder from a file written by SaveCheckpoint.
func LoadCheckpoint(path string) (*rgma.Encoder, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	cfg, err := checkpointConfig(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	params, err := rgma.LoadParameters(cfg, func(name string) ([]float64, []int, error) {
		data, info, err := f.ReadTensorF64(name)
		return data, info.Shape, err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rgma.NewEncoderWithParameters(cfg, params)
}

func checkpointConfig(f *safetensors.File) (rgma.Config, error) {
	if got := f.Metadata[metaFormat]; got != checkpointFormat {
		return rgma.Config{}, fmt.Errorf("not a bergman checkpoint (format %q)", got)
	}
	raw, ok := f.Metadata[metaConfig]
	if !ok {
		return rgma.Config{}, fmt.Errorf("checkpoint has no %s metadata", metaConfig)
	}
	var cfg rgma.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return rgma.Config{}, fmt.Errorf("decode %s: %w", metaConfig, err)
	}
	return cfg, nil
}
