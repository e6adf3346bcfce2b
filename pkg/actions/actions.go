// Package actions loads the annotated action list and builds the loop plan
// executed once per iteration.
package actions

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethpandaops/browserperf/pkg/failure"
	"github.com/tidwall/gjson"
)

// Type is the kind of browser interaction an action performs.
type Type string

// Supported action types.
const (
	TypeLogin                  Type = "login"
	TypeNavigate               Type = "navigate"
	TypeClick                  Type = "click"
	TypeClickAndType           Type = "clickAndType"
	TypeClickButtonAndNavigate Type = "clickButtonAndNavigate"
	TypeClickAndChoose         Type = "clickAndChoose"
	TypeLogout                 Type = "logout"
)

// Valid reports whether t is a supported action type.
func (t Type) Valid() bool {
	switch t {
	case TypeLogin, TypeNavigate, TypeClick, TypeClickAndType,
		TypeClickButtonAndNavigate, TypeClickAndChoose, TypeLogout:
		return true
	}

	return false
}

// normalizeType maps a case variant such as "clickAndchoose" onto the
// supported type. Unknown types are returned unchanged.
func normalizeType(t Type) Type {
	for _, known := range []Type{
		TypeLogin, TypeNavigate, TypeClick, TypeClickAndType,
		TypeClickButtonAndNavigate, TypeClickAndChoose, TypeLogout,
	} {
		if strings.EqualFold(string(t), string(known)) {
			return known
		}
	}

	return t
}

// WaitFor is the completion policy of a navigating action.
type WaitFor string

// Supported wait policies.
const (
	WaitSpecific    WaitFor = "specific"
	WaitNetworkIdle WaitFor = "networkidle"
	WaitLoad        WaitFor = "load"
)

// Valid reports whether w is a supported wait policy. Empty is valid and
// means load.
func (w WaitFor) Valid() bool {
	switch w {
	case "", WaitSpecific, WaitNetworkIdle, WaitLoad:
		return true
	}

	return false
}

// Spec is one step of the action list. It is immutable once loaded.
type Spec struct {
	Name                string  `json:"name"`
	Type                Type    `json:"type"`
	URL                 string  `json:"url"`
	Selector            string  `json:"selector,omitempty"`
	Selector2           string  `json:"selector2,omitempty"`
	Text                string  `json:"text,omitempty"`
	WaitFor             WaitFor `json:"waitFor,omitempty"`
	WaitUntilURLPattern string  `json:"waitUntilurlPattern,omitempty"`
	LoopID              string  `json:"loopId,omitempty"`
	NumberOfCycles      int     `json:"numberOfCycles,omitempty"`
	GroupWithNextAction bool    `json:"groupWithNextAction,omitempty"`
	LogoutEachLoop      bool    `json:"logoutEachLoop,omitempty"`
	Username            string  `json:"username,omitempty"`
	Password            string  `json:"password,omitempty"`
}

// Cycles returns the configured cycle count, defaulting to 1.
func (s *Spec) Cycles() int {
	if s.NumberOfCycles <= 0 {
		return 1
	}

	return s.NumberOfCycles
}

// Grouped reports whether the action belongs to a loop group.
func (s *Spec) Grouped() bool {
	return s.LoopID != ""
}

// Placeholders are substituted into the raw action file before decoding.
type Placeholders struct {
	Instance string
	Username string
	Password string
}

// Apply replaces {{INSTANCE}}, {{username}} and {{password}} in data.
func (p Placeholders) Apply(data string) string {
	return strings.NewReplacer(
		"{{INSTANCE}}", p.Instance,
		"{{username}}", p.Username,
		"{{password}}", p.Password,
	).Replace(data)
}

// Load reads the action list at path, substitutes placeholders, decodes
// and validates it.
func Load(path string, placeholders Placeholders) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Validation("reading actions file: %w", err)
	}

	return Parse([]byte(placeholders.Apply(string(data))))
}

// Parse decodes and validates an action list document. Field names are
// matched case-insensitively, so "Url" and "logoutEachloop" are accepted.
func Parse(data []byte) ([]Spec, error) {
	if !gjson.ValidBytes(data) {
		return nil, failure.Validation("actions file is not valid JSON")
	}

	if !gjson.ParseBytes(data).IsArray() {
		return nil, failure.Validation("actions file must contain a JSON array")
	}

	var list []Spec
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, failure.Validation("decoding actions: %w", err)
	}

	for i := range list {
		list[i].Type = normalizeType(list[i].Type)
	}

	if err := Validate(list); err != nil {
		return nil, err
	}

	return list, nil
}

// Validate checks an action list for contract violations.
func Validate(list []Spec) error {
	if len(list) == 0 {
		return failure.Validation("action list is empty")
	}

	seen := make(map[string]struct{}, len(list))

	for i := range list {
		a := &list[i]

		if a.Name == "" {
			return failure.Validation("action %d: name is required", i)
		}

		if _, ok := seen[a.Name]; ok {
			return failure.Validation("action %d: duplicate name %q", i, a.Name)
		}

		seen[a.Name] = struct{}{}

		if !a.Type.Valid() {
			return failure.Validation("action %q: unknown type %q", a.Name, a.Type)
		}

		if !a.WaitFor.Valid() {
			return failure.Validation("action %q: unknown waitFor %q", a.Name, a.WaitFor)
		}

		if a.NumberOfCycles < 0 {
			return failure.Validation("action %q: numberOfCycles must not be negative", a.Name)
		}

		if err := validateFields(a); err != nil {
			return err
		}
	}

	return nil
}

// validateFields checks the fields each action type needs.
func validateFields(a *Spec) error {
	missing := func(field string) error {
		return failure.Validation("action %q: %s is required for type %s", a.Name, field, a.Type)
	}

	switch a.Type {
	case TypeLogin, TypeNavigate, TypeLogout:
		if a.URL == "" {
			return missing("url")
		}
	case TypeClick, TypeClickButtonAndNavigate:
		if a.Selector == "" {
			return missing("selector")
		}
	case TypeClickAndType:
		if a.Selector == "" {
			return missing("selector")
		}

		if a.Text == "" {
			return missing("text")
		}
	case TypeClickAndChoose:
		if a.Selector == "" {
			return missing("selector")
		}

		if a.Selector2 == "" {
			return missing("selector2")
		}
	}

	return nil
}

// String implements fmt.Stringer.
func (s *Spec) String() string {
	return fmt.Sprintf("%s(%s)", s.Name, s.Type)
}
