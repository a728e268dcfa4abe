package domain

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var argumentRegex = regexp.MustCompile(`(\w+)=("[^"]*"|[^ ]+)`)

// ExtraArg is one user-supplied key/value override
type ExtraArg struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ExtraArgs keeps user overrides in the order they were given
type ExtraArgs []ExtraArg

// ParseExtraArgs parses `key=value` and `key="quoted value"` pairs
func ParseExtraArgs(text string) (ExtraArgs, error) {
	var args ExtraArgs
	for _, match := range argumentRegex.FindAllStringSubmatch(strings.TrimSpace(text), -1) {
		key := match[1]
		value := strings.TrimSuffix(strings.TrimPrefix(match[2], `"`), `"`)
		if _, ok := args.Get(key); ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateArg, key)
		}
		args = append(args, ExtraArg{Key: key, Value: value})
	}
	return args, nil
}

// Get returns the value for key
func (a ExtraArgs) Get(key string) (string, bool) {
	for _, arg := range a {
		if arg.Key == key {
			return arg.Value, true
		}
	}
	return "", false
}

// Validate checks every key against the allow-list and rejects duplicates
func (a ExtraArgs) Validate(allowed []string) error {
	seen := make(map[string]struct{}, len(a))
	for _, arg := range a {
		if _, ok := seen[arg.Key]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateArg, arg.Key)
		}
		seen[arg.Key] = struct{}{}
		if !slices.Contains(allowed, arg.Key) {
			return fmt.Errorf("%w: %s", ErrArgNotAllowed, arg.Key)
		}
	}
	return nil
}

func (a ExtraArgs) String() string {
	parts := make([]string, len(a))
	for i, arg := range a {
		if strings.Contains(arg.Value, " ") {
			parts[i] = fmt.Sprintf("%s=%q", arg.Key, arg.Value)
		} else {
			parts[i] = arg.Key + "=" + arg.Value
		}
	}
	return strings.Join(parts, " ")
}
