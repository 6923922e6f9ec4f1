package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

// EnvLine is one KEY=value entry of an env file.
type EnvLine struct {
	Key string
	Val string
}

// ParseEnvFile reads an env file. A missing file yields no entries.
func ParseEnvFile(filename string) ([]EnvLine, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read env file")
	}
	return ParseEnvBuffer(buf), nil
}

// ParseEnvBuffer parses KEY=value lines, skipping blanks and comments.
// Values may be quoted and may reference earlier or later keys with
// ${KEY} or ${KEY:-default}; ${env:KEY} reads the process environment.
func ParseEnvBuffer(buf []byte) []EnvLine {
	var lines []EnvLine
	values := make(map[string]string)
	for _, raw := range strings.Split(string(buf), "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		raw = strings.TrimPrefix(raw, "export ")
		key, val, _ := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		val = interpolate(dequote(strings.TrimSpace(val)), values)
		values[key] = val
		lines = append(lines, EnvLine{Key: key, Val: val})
	}
	// forward references resolve once every key is known
	for i := range lines {
		lines[i].Val = interpolate(lines[i].Val, values)
	}
	return lines
}

// LoadEnvFile exports the entries of filename into the process environment.
// Variables already set win over the file.
func LoadEnvFile(filename string) (int, error) {
	lines, err := ParseEnvFile(filename)
	if err != nil {
		return 0, err
	}
	var n int
	for _, line := range lines {
		if _, ok := os.LookupEnv(line.Key); ok {
			continue
		}
		if err := os.Setenv(line.Key, line.Val); err != nil {
			return n, errors.Wrapf(err, "set %s", line.Key)
		}
		n++
	}
	return n, nil
}

// FlagOrEnv returns the named flag when set, then the environment variable,
// then defaultValue.
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	if v, _ := cmd.Flags().GetString(flagName); v != "" {
		return v
	}
	if v, ok := os.LookupEnv(envName); ok {
		return v
	}
	return defaultValue
}

func dequote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// interpolate expands ${...} references. Unknown references without a
// default are left untouched.
func interpolate(input string, values map[string]string) string {
	if !strings.Contains(input, "${") {
		return input
	}
	var out strings.Builder
	rest := input
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			out.WriteString(rest)
			return out.String()
		}
		end := strings.IndexByte(rest[start+2:], '}')
		if end < 0 {
			out.WriteString(rest)
			return out.String()
		}
		end += start + 2
		out.WriteString(rest[:start])
		ref := rest[start : end+1]
		name, def, _ := strings.Cut(rest[start+2:end], ":-")

		var val string
		if key, ok := strings.CutPrefix(name, "env:"); ok {
			val = os.Getenv(key)
		} else {
			val = values[name]
		}
		switch {
		case val != "":
			out.WriteString(val)
		case def != "":
			out.WriteString(def)
		default:
			out.WriteString(ref)
		}
		rest = rest[end+1:]
	}
}
