package component

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"

	"github.com/c360/keybridge/errors"
)

// Limits applied to node configurations before they reach a factory.
const (
	MaxJSONSize     = 1 << 20
	MaxStringLength = 64 << 10
	MaxJSONDepth    = 10
	MaxArraySize    = 1000
	MaxNameLength   = 128
)

var componentNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ValidateComponentName checks an instance name used in configs and URLs.
func ValidateComponentName(name string) error {
	if name == "" || len(name) > MaxNameLength || !componentNameRegex.MatchString(name) {
		return errors.WrapInvalid(fmt.Errorf("%w: invalid node name %q", errors.ErrInvalidConfig, name),
			"ConfigValidator", "ValidateComponentName", "name check")
	}
	return nil
}

// ValidateFactoryConfig bounds size, depth, array length and string content of a
// raw node config. Empty configs are valid.
func ValidateFactoryConfig(rawConfig json.RawMessage) error {
	if len(rawConfig) > MaxJSONSize {
		return errors.WrapInvalid(
			fmt.Errorf("config size %d exceeds maximum %d", len(rawConfig), MaxJSONSize),
			"ConfigValidator", "ValidateConfig", "size check")
	}
	if len(bytes.TrimSpace(rawConfig)) == 0 {
		return nil
	}

	var config any
	decoder := json.NewDecoder(bytes.NewReader(rawConfig))
	decoder.UseNumber()
	if err := decoder.Decode(&config); err != nil {
		return errors.WrapInvalid(err, "ConfigValidator", "ValidateConfig", "JSON parsing")
	}
	return validateValue(config, 0)
}

func validateValue(value any, depth int) error {
	if depth > MaxJSONDepth {
		return errors.WrapInvalid(fmt.Errorf("JSON depth exceeds maximum %d", MaxJSONDepth),
			"ConfigValidator", "validateValue", "depth check")
	}

	switch val := value.(type) {
	case string:
		return validateString(val)
	case []any:
		if len(val) > MaxArraySize {
			return errors.WrapInvalid(fmt.Errorf("array size %d exceeds maximum %d", len(val), MaxArraySize),
				"ConfigValidator", "validateValue", "array size check")
		}
		for i, elem := range val {
			if err := validateValue(elem, depth+1); err != nil {
				return errors.Wrap(err, "ConfigValidator", "validateValue", fmt.Sprintf("array element %d", i))
			}
		}
	case map[string]any:
		for key, elem := range val {
			if err := validateString(key); err != nil {
				return errors.Wrap(err, "ConfigValidator", "validateValue", "key validation")
			}
			if err := validateValue(elem, depth+1); err != nil {
				return errors.Wrap(err, "ConfigValidator", "validateValue", fmt.Sprintf("field %q", key))
			}
		}
	case json.Number, bool, nil:
	default:
		return errors.WrapInvalid(fmt.Errorf("unexpected type %T in config", value),
			"ConfigValidator", "validateValue", "type check")
	}
	return nil
}

func validateString(s string) error {
	if len(s) > MaxStringLength {
		return errors.WrapInvalid(fmt.Errorf("string length %d exceeds maximum %d", len(s), MaxStringLength),
			"ConfigValidator", "validateString", "string length check")
	}
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return errors.WrapInvalid(fmt.Errorf("string contains control character 0x%02x", r),
				"ConfigValidator", "validateString", "control character check")
		}
	}
	return nil
}

// Validatable is implemented by configs that check themselves after decoding.
type Validatable interface {
	Validate() error
}

// SafeUnmarshal validates rawConfig, decodes it into target (a pointer) and runs
// target's Validate method when it has one. An empty config leaves target as is
// but is still validated.
func SafeUnmarshal(rawConfig json.RawMessage, target any) error {
	if err := ValidateFactoryConfig(rawConfig); err != nil {
		return errors.Wrap(err, "ConfigValidator", "SafeUnmarshal", "config validation")
	}
	if reflect.TypeOf(target).Kind() != reflect.Pointer {
		return errors.WrapInvalid(fmt.Errorf("target must be a pointer, got %T", target),
			"ConfigValidator", "SafeUnmarshal", "target type check")
	}
	if len(bytes.TrimSpace(rawConfig)) > 0 {
		if err := json.Unmarshal(rawConfig, target); err != nil {
			return errors.WrapInvalid(err, "ConfigValidator", "SafeUnmarshal", "JSON unmarshaling")
		}
	}
	if v, ok := target.(Validatable); ok {
		if err := v.Validate(); err != nil {
			return errors.Wrap(err, "ConfigValidator", "SafeUnmarshal", "struct validation")
		}
	}
	return nil
}
