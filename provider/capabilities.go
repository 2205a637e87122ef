package provider

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/spf13/cast"
)

// ErrInvalidParams is wrapped by every Validate rejection.
var ErrInvalidParams = errors.New("invalid provider params")

// Range constrains a single param. Numeric bounds and Enum are independent;
// a nil bound is open.
type Range struct {
	Min  *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max  *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Enum []string `json:"enum,omitempty" yaml:"enum,omitempty"`
}

func Between(lo, hi float64) Range {
	return Range{Min: &lo, Max: &hi}
}

func OneOf(values ...string) Range {
	return Range{Enum: values}
}

type Capabilities struct {
	Kind              Kind            `json:"kind"`
	SupportedParams   []Param         `json:"supportedParams"`
	Defaults          map[Param]any   `json:"defaults,omitempty"`
	Ranges            map[Param]Range `json:"ranges,omitempty"`
	MaxConcurrency    int             `json:"maxConcurrency"`
	Timeout           time.Duration   `json:"timeout"`
	AcceptsImageURLs  bool            `json:"acceptsImageUrls"`
	RequestsPerMinute int             `json:"requestsPerMinute,omitempty"`
}

func (c Capabilities) Supports(p Param) bool {
	return slices.Contains(c.SupportedParams, p)
}

// Concurrency never reports less than one slot.
func (c Capabilities) Concurrency() int {
	if c.MaxConcurrency < 1 {
		return 1
	}
	return c.MaxConcurrency
}

func (c Capabilities) Deadline() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout(c.Kind)
}

// Validate returns a copy of params with defaults filled in. Params the
// adapter does not support are removed and reported in dropped; values
// outside a declared range fail with ErrInvalidParams.
func (c Capabilities) Validate(params Params) (Params, []string, error) {
	out := make(Params, len(params)+len(c.Defaults))
	var dropped []string

	for k, v := range params {
		if isPassthrough(k) {
			out[k] = v
			continue
		}
		if !c.Supports(Param(k)) {
			dropped = append(dropped, k)
			continue
		}
		out[k] = v
	}
	for p, v := range c.Defaults {
		if _, ok := out[string(p)]; !ok {
			out[string(p)] = v
		}
	}
	sort.Strings(dropped)

	for p, r := range c.Ranges {
		v, ok := out[string(p)]
		if !ok || v == nil {
			continue
		}
		if err := r.check(v); err != nil {
			return nil, dropped, fmt.Errorf("%w: %s: %v", ErrInvalidParams, p, err)
		}
	}
	return out, dropped, nil
}

func (r Range) check(v any) error {
	if len(r.Enum) > 0 {
		s, err := cast.ToStringE(v)
		if err != nil {
			return err
		}
		if !slices.Contains(r.Enum, s) {
			return fmt.Errorf("%q not in %v", s, r.Enum)
		}
	}
	if r.Min == nil && r.Max == nil {
		return nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return err
	}
	if r.Min != nil && f < *r.Min {
		return fmt.Errorf("%v below minimum %v", f, *r.Min)
	}
	if r.Max != nil && f > *r.Max {
		return fmt.Errorf("%v above maximum %v", f, *r.Max)
	}
	return nil
}

func isPassthrough(key string) bool {
	switch key {
	case KeyPrompt, KeyImageURLs, KeyMessages, KeyReasoningEffort, KeyJSONSchema, KeySchemaName:
		return true
	}
	return false
}
