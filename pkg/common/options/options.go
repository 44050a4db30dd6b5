// Package options loads and validates scheduling variant options.
//
// Options are a flat JSON (or YAML) object, given inline or through a file.
// Every value is checked at construction time: a wrong type, an unknown key or
// an out-of-range value is a configuration error.
package options

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/heyfey/vodabatch/pkg/common/intervalset"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const (
	KeyAllowKillNoticeOverwrite     = "allow_kill_notice_overwrite"
	KeySelectorRange                = "selector_range"
	KeyRJMSDelay                    = "rjms_delay"
	KeyCallMakeDecisionsOnSingleNop = "call_make_decisions_on_single_nop"
	KeyValidateInvariants           = "validate_invariants"
)

// VariantOptions are the validated options of a scheduling variant.
type VariantOptions struct {
	// Kill notices for a job already noticed in the same round replace the
	// previous one instead of being dropped.
	AllowKillNoticeOverwrite bool

	// Candidate machines of the limited-range selector.
	SelectorRange    intervalset.IntervalSet
	HasSelectorRange bool

	// Time the RJMS takes to kill a job, in seconds.
	RJMSDelay                    float64
	CallMakeDecisionsOnSingleNop bool
	ValidateInvariants           bool
}

// Default returns the options used when nothing is specified.
func Default() VariantOptions {
	return VariantOptions{
		AllowKillNoticeOverwrite:     false,
		RJMSDelay:                    0,
		CallMakeDecisionsOnSingleNop: true,
		ValidateInvariants:           true,
	}
}

// Load reads options from filePath if it is set, otherwise from the inline
// JSON object. The file overrides the inline options.
func Load(inline string, filePath string) (VariantOptions, error) {
	v := viper.New()
	if filePath != "" {
		v.SetConfigFile(filePath)
		ext := strings.TrimPrefix(filepath.Ext(filePath), ".")
		if ext == "" {
			v.SetConfigType("json")
		}
		if err := v.ReadInConfig(); err != nil {
			return VariantOptions{}, errors.Wrapf(err, "couldn't read variant options file %s", filePath)
		}
	} else {
		if strings.TrimSpace(inline) == "" {
			inline = "{}"
		}
		if !strings.HasPrefix(strings.TrimSpace(inline), "{") {
			return VariantOptions{}, errors.Errorf("invalid variant options: not a JSON object: %q", inline)
		}
		v.SetConfigType("json")
		if err := v.ReadConfig(bytes.NewBufferString(inline)); err != nil {
			return VariantOptions{}, errors.Wrapf(err, "invalid variant options %q", inline)
		}
	}
	return Parse(v.AllSettings())
}

// Parse validates raw option values.
func Parse(raw map[string]interface{}) (VariantOptions, error) {
	opts := Default()
	var err error
	for key, value := range raw {
		switch strings.ToLower(key) {
		case KeyAllowKillNoticeOverwrite:
			opts.AllowKillNoticeOverwrite, err = toBool(key, value)
		case KeyCallMakeDecisionsOnSingleNop:
			opts.CallMakeDecisionsOnSingleNop, err = toBool(key, value)
		case KeyValidateInvariants:
			opts.ValidateInvariants, err = toBool(key, value)
		case KeyRJMSDelay:
			opts.RJMSDelay, err = toFloat(key, value)
			if err == nil && opts.RJMSDelay < 0 {
				err = errors.Errorf("option %s must be non-negative, got %v", key, opts.RJMSDelay)
			}
		case KeySelectorRange:
			var s string
			s, err = cast.ToStringE(value)
			if err != nil {
				err = errors.Wrapf(err, "option %s must be a string", key)
				break
			}
			opts.SelectorRange, err = intervalset.Parse(s)
			if err == nil && opts.SelectorRange.IsEmpty() {
				err = errors.Errorf("option %s must not be empty", key)
			}
			opts.HasSelectorRange = err == nil
		default:
			err = errors.Errorf("unknown variant option %q", key)
		}
		if err != nil {
			return VariantOptions{}, err
		}
	}
	return opts, nil
}

// toBool only accepts genuine booleans; cast would otherwise turn numbers and
// arbitrary strings into booleans.
func toBool(key string, value interface{}) (bool, error) {
	switch value.(type) {
	case bool, string:
	default:
		return false, errors.Errorf("option %s must be a boolean, got %T", key, value)
	}
	b, err := cast.ToBoolE(value)
	if err != nil {
		return false, errors.Wrapf(err, "option %s must be a boolean", key)
	}
	return b, nil
}

func toFloat(key string, value interface{}) (float64, error) {
	if _, ok := value.(bool); ok {
		return 0, errors.Errorf("option %s must be a number, got bool", key)
	}
	f, err := cast.ToFloat64E(value)
	if err != nil {
		return 0, errors.Wrapf(err, "option %s must be a number", key)
	}
	return f, nil
}
