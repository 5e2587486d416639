// Package provider adapts external randomness services to a single
// byte-fetching interface.
//
// Every adapter decides the class of its own failures (see Kind) so that the
// failover layer never has to inspect error text.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Adapter fetches raw bytes from one external source.
type Adapter interface {
	// Name is the stable identifier used for circuit state and audit records.
	Name() string
	// Fetch returns exactly n bytes or a *Error.
	Fetch(ctx context.Context, n int) ([]byte, error)
}

// Type selects the adapter implementation for a Spec.
type Type string

const (
	TypeANU       Type = "anu"
	TypeLfD       Type = "lfdr"
	TypeOutshift  Type = "outshift"
	TypeRandomOrg Type = "randomorg"
)

// NativeDecoding returns the encoding the service behind t answers with.
func (t Type) NativeDecoding() Decoding {
	switch t {
	case TypeLfD:
		return DecodingHex
	case TypeOutshift:
		return DecodingDecimalRows
	default:
		return DecodingIntArray
	}
}

// Decoding names the provider's native response encoding.
type Decoding string

const (
	DecodingHex         Decoding = "hex"
	DecodingDecimalRows Decoding = "decimal_rows"
	DecodingIntArray    Decoding = "int_array"
)

// Spec identifies one byte source. Specs are built once at start-up and
// never mutated.
type Spec struct {
	Name               string        `yaml:"name" json:"name"`
	Type               Type          `yaml:"type" json:"type"`
	Endpoint           string        `yaml:"endpoint" json:"endpoint"`
	Credential         string        `yaml:"-" json:"-"`
	CredentialRequired bool          `yaml:"credential_required" json:"credential_required"`
	Timeout            time.Duration `yaml:"timeout" json:"timeout"`
	ValidationTimeout  time.Duration `yaml:"validation_timeout" json:"validation_timeout"`
	Decoding           Decoding      `yaml:"decoding" json:"decoding"`
	MaxBytes           int           `yaml:"max_bytes" json:"max_bytes"`
}

// ForValidation returns a copy of the spec whose live timeout is replaced by
// the validation timeout.
func (s Spec) ForValidation() Spec {
	if s.ValidationTimeout > 0 {
		s.Timeout = s.ValidationTimeout
	}
	return s
}

// Validate checks the static shape of the spec. A missing credential is not a
// validation error; it is reported per call as KindUnconfigured.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("provider spec: name is required")
	}
	if s.Endpoint == "" {
		return fmt.Errorf("provider spec %s: endpoint is required", s.Name)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("provider spec %s: timeout must be positive", s.Name)
	}
	switch s.Decoding {
	case DecodingHex, DecodingDecimalRows, DecodingIntArray:
	default:
		return fmt.Errorf("provider spec %s: unknown decoding %q", s.Name, s.Decoding)
	}
	return nil
}

// DefaultSpecs returns the built-in provider table in default priority order.
func DefaultSpecs() []Spec {
	return []Spec{
		{
			Name:               "outshift",
			Type:               TypeOutshift,
			Endpoint:           "https://api.qrng.outshift.com/api/v1/random_numbers",
			CredentialRequired: true,
			Timeout:            3 * time.Second,
			ValidationTimeout:  10 * time.Second,
			Decoding:           DecodingDecimalRows,
			MaxBytes:           1000,
		},
		{
			Name:              "lfdr",
			Type:              TypeLfD,
			Endpoint:          "https://lfdr.de/qrng_api/qrng",
			Timeout:           2 * time.Second,
			ValidationTimeout: 8 * time.Second,
			Decoding:          DecodingHex,
			MaxBytes:          1024,
		},
		{
			Name:              "anu",
			Type:              TypeANU,
			Endpoint:          "https://qrng.anu.edu.au/API/jsonI.php",
			Timeout:           2 * time.Second,
			ValidationTimeout: 8 * time.Second,
			Decoding:          DecodingIntArray,
			MaxBytes:          1024,
		},
		{
			Name:               "randomorg",
			Type:               TypeRandomOrg,
			Endpoint:           "https://api.random.org/json-rpc/4/invoke",
			CredentialRequired: true,
			Timeout:            5 * time.Second,
			ValidationTimeout:  10 * time.Second,
			Decoding:           DecodingIntArray,
			MaxBytes:           10000,
		},
	}
}

// New builds the adapter for spec. The client may be nil.
func New(spec Spec, client *http.Client) (Adapter, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	b := base{spec: spec, client: client}
	switch spec.Type {
	case TypeANU:
		return &anuAdapter{base: b}, nil
	case TypeLfD:
		return &lfdAdapter{base: b}, nil
	case TypeOutshift:
		return &outshiftAdapter{base: b}, nil
	case TypeRandomOrg:
		return &randomOrgAdapter{base: b}, nil
	default:
		return nil, fmt.Errorf("provider spec %s: unknown type %q", spec.Name, spec.Type)
	}
}

// Build constructs adapters for specs, preserving their order.
func Build(specs []Spec, client *http.Client) ([]Adapter, error) {
	adapters := make([]Adapter, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if seen[spec.Name] {
			return nil, fmt.Errorf("provider %s configured twice", spec.Name)
		}
		seen[spec.Name] = true
		a, err := New(spec, client)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}
