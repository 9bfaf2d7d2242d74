package config

import (
	"os"
	"regexp"

	"github.com/pocat-io/messagebus/contracts"
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand replaces ${VAR} references with environment values. Unset variables
// expand to the empty string; a bare $ is left alone.
func Expand(value string) string {
	return envRef.ReplaceAllStringFunc(value, func(ref string) string {
		return os.Getenv(envRef.FindStringSubmatch(ref)[1])
	})
}

// ExpandProperties returns a copy of props with every value expanded
func ExpandProperties(props contracts.Properties) contracts.Properties {
	if props == nil {
		return nil
	}
	out := make(contracts.Properties, len(props))
	for k, v := range props {
		out[k] = Expand(v)
	}
	return out
}
