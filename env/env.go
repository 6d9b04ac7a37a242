// Package env provides helpers for reading process configuration from
// environment variables, with typed accessors and struct binding.
package env

import (
	"errors"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ErrNotPointer is returned by SetConfigFromEnvVars when the argument is
// not a pointer to a struct.
var ErrNotPointer = errors.New("config must be a pointer to a struct")

// GetenvOrDefault returns the value of the environment variable or the
// provided default when the variable is unset, empty, or whitespace-only.
func GetenvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	return value
}

// GetenvIntOrDefault returns the environment variable parsed as int64 or
// the provided default when the variable is unset or not a valid integer.
func GetenvIntOrDefault(key string, defaultValue int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetenvBoolOrDefault returns the environment variable parsed as bool or
// the provided default when the variable is unset or not a valid bool.
func GetenvBoolOrDefault(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetenvDurationOrDefault returns the environment variable parsed as a
// time.Duration ("250ms", "30s", "5m") or the provided default. A bare
// integer is interpreted as milliseconds.
func GetenvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	if millis, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(millis) * time.Millisecond
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// SetConfigFromEnvVars populates the struct pointed to by config from
// environment variables named by `env:"VAR"` field tags. Supported field
// types are string, bool, int, int64, and time.Duration. Missing or
// unparsable variables leave the field at its current value.
func SetConfigFromEnvVars(config any) error {
	value := reflect.ValueOf(config)
	if value.Kind() != reflect.Ptr || value.Elem().Kind() != reflect.Struct {
		return ErrNotPointer
	}

	elem := value.Elem()
	structType := elem.Type()

	for i := 0; i < elem.NumField(); i++ {
		field := elem.Field(i)

		key := structType.Field(i).Tag.Get("env")
		if key == "" || !field.CanSet() {
			continue
		}

		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}

		setField(field, raw)
	}

	return nil
}

func setField(field reflect.Value, raw string) {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		if millis, err := strconv.ParseInt(raw, 10, 64); err == nil {
			field.SetInt(int64(time.Duration(millis) * time.Millisecond))

			return
		}

		if parsed, err := time.ParseDuration(raw); err == nil {
			field.SetInt(int64(parsed))
		}

		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		if parsed, err := strconv.ParseBool(raw); err == nil {
			field.SetBool(parsed)
		}
	case reflect.Int, reflect.Int64:
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			field.SetInt(parsed)
		}
	default:
	}
}
