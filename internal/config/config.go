// Package config holds the helpers the command line tools share to layer
// defaults, a JSON file, NESTFS_* environment variables and flags.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NESTFS_"

// Duration is a time.Duration that reads "4s"-style strings from JSON.
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string or nanoseconds: %s", b)
		}
		*d = Duration(n)
		return nil
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q:\n%w", s, err)
	}
	*d = Duration(v)

	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// LoadJSON reads a JSON file into v. Fields absent from the file keep their value.
func LoadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file:\n%w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse config file %s:\n%w", path, err)
	}

	return nil
}

// Env returns the value of NESTFS_<name> and whether it is set and non-empty.
func Env(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + name))
	return v, v != ""
}

// EnvString overrides dst with NESTFS_<name> when set.
func EnvString(dst *string, name string) {
	if v, ok := Env(name); ok {
		*dst = v
	}
}

// EnvList overrides dst with the comma list in NESTFS_<name> when set.
func EnvList(dst *[]string, name string) {
	if v, ok := Env(name); ok {
		*dst = SplitList(v)
	}
}

// EnvBool overrides dst with NESTFS_<name> when set.
func EnvBool(dst *bool, name string) {
	if v, ok := Env(name); ok {
		*dst = ParseBool(v)
	}
}

// EnvInt overrides dst with NESTFS_<name> when set to an integer.
func EnvInt(dst *int, name string) error {
	v, ok := Env(name)
	if !ok {
		return nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s:\n%w", EnvPrefix, name, err)
	}
	*dst = n

	return nil
}

// EnvDuration overrides dst with NESTFS_<name> when set to a duration.
func EnvDuration(dst *Duration, name string) error {
	v, ok := Env(name)
	if !ok {
		return nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s:\n%w", EnvPrefix, name, err)
	}
	*dst = Duration(d)

	return nil
}

// ParseBool reads true, 1, yes and on as true.
func ParseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// SplitList splits a comma list and drops empty items.
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}
