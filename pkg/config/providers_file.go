package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/catboxer/qart/pkg/provider"
)

// ProvidersFile is the YAML document named by QART_PROVIDERS_FILE. Provider
// order in the file is priority order. Credentials never come from the file.
//
//	providers:
//	  - name: lfdr
//	    type: lfdr
//	    endpoint: https://lfdr.de/qrng_api/qrng
//	    timeout: 2s
type ProvidersFile struct {
	Providers []provider.Spec `yaml:"providers"`
}

// LoadProvidersFile reads and validates a providers file. Omitted fields are
// taken from the built-in spec with the same type.
func LoadProvidersFile(path string) ([]provider.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load providers file: %w", err)
	}

	var file ProvidersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse providers file %s: %w", path, err)
	}
	if len(file.Providers) == 0 {
		return nil, fmt.Errorf("providers file %s: no providers listed", path)
	}

	defaults := make(map[provider.Type]provider.Spec)
	for _, s := range provider.DefaultSpecs() {
		defaults[s.Type] = s
	}

	specs := make([]provider.Spec, 0, len(file.Providers))
	for i, s := range file.Providers {
		def, ok := defaults[s.Type]
		if !ok {
			return nil, fmt.Errorf("providers file %s: entry %d: unknown type %q", path, i, s.Type)
		}
		if s.Name == "" {
			s.Name = string(s.Type)
		}
		if s.Endpoint == "" {
			s.Endpoint = def.Endpoint
		}
		if s.Timeout <= 0 {
			s.Timeout = def.Timeout
		}
		if s.ValidationTimeout <= 0 {
			s.ValidationTimeout = def.ValidationTimeout
		}
		if s.Decoding == "" {
			s.Decoding = s.Type.NativeDecoding()
		}
		if s.MaxBytes <= 0 {
			s.MaxBytes = def.MaxBytes
		}
		s.CredentialRequired = s.CredentialRequired || def.CredentialRequired
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("providers file %s: %w", path, err)
		}
		specs = append(specs, s)
	}
	return specs, nil
}
