// Package census covers the Census Bureau surfaces the pipeline consumes:
// the ACS data API, the TIGERweb boundary services, and TIGER/Line
// shapefile archives for offline use.
package census

import (
	_ "embed"
	"regexp"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed variables.yaml
var variablesYAML []byte

// acsCodeRe matches raw ACS variable codes like B01003_001E.
var acsCodeRe = regexp.MustCompile(`^[A-Z][0-9]{5}_[0-9]{3}[A-Z]$`)

// Variables maps human-readable names to ACS variable codes and back.
type Variables struct {
	forward map[string]string // human -> code
	reverse map[string]string // code -> human
}

var (
	defaultVarsOnce sync.Once
	defaultVars     *Variables
	defaultVarsErr  error
)

// DefaultVariables returns the catalog embedded with the binary.
func DefaultVariables() (*Variables, error) {
	defaultVarsOnce.Do(func() {
		defaultVars, defaultVarsErr = ParseVariables(variablesYAML)
	})
	return defaultVars, defaultVarsErr
}

// ParseVariables loads a catalog from YAML mapping human names to codes.
func ParseVariables(data []byte) (*Variables, error) {
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "census: parse variable catalog")
	}

	v := &Variables{
		forward: make(map[string]string, len(raw)),
		reverse: make(map[string]string, len(raw)),
	}
	for human, code := range raw {
		human = strings.ToLower(strings.TrimSpace(human))
		code = strings.ToUpper(strings.TrimSpace(code))
		if !acsCodeRe.MatchString(code) {
			return nil, eris.Errorf("census: catalog entry %q has malformed code %q", human, code)
		}
		v.forward[human] = code
		v.reverse[code] = human
	}
	return v, nil
}

// Normalize returns the variable code for x, which may be a human name or
// already a code.
func (v *Variables) Normalize(x string) (string, error) {
	trimmed := strings.TrimSpace(x)
	if code, ok := v.forward[strings.ToLower(trimmed)]; ok {
		return code, nil
	}
	upper := strings.ToUpper(trimmed)
	if acsCodeRe.MatchString(upper) {
		return upper, nil
	}
	return "", eris.Errorf("census: unrecognized variable %q", x)
}

// Readable returns the human name for a code, or the code itself when the
// catalog has no entry.
func (v *Variables) Readable(code string) string {
	if human, ok := v.reverse[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return human
	}
	return code
}

// Validate reports whether x is a recognized human name or a well-formed
// ACS code.
func (v *Variables) Validate(x string) bool {
	_, err := v.Normalize(x)
	return err == nil
}
