package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Secret is a configuration value that is never printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// Print logs every environment backed setting, with secrets masked.
func (c Config) Print(logger log.Logger) {
	logger.Infof("Configuration:")

	v := reflect.ValueOf(c)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" {
			continue
		}
		name := strings.Split(tag, ",")[0]
		logger.Printf("- %s: %s", name, valueString(v.Field(i)))
	}
}

func valueString(v reflect.Value) string {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "<unset>"
		}
		v = v.Elem()
	}
	if v.IsZero() {
		return "<unset>"
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", v.Interface())
}
