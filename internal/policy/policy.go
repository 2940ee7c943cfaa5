package policy

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// FilePath is the well-known policy location on the PR's base ref.
// FilePathAlt is tried when the primary is absent.
const (
	FilePath    = ".github/automerge.yml"
	FilePathAlt = ".github/automerge.yaml"
)

// Policy is the per-repo merge policy. Missing file or missing keys fall
// back to defaults; unknown keys are ignored.
type Policy struct {
	Label                  string `yaml:"label"`
	MergeMethod            string `yaml:"merge_method"`
	RequireUpToDate        bool   `yaml:"require_up_to_date"`
	UpdateBranch           bool   `yaml:"update_branch"`
	AllowMergeWhenNoChecks bool   `yaml:"allow_merge_when_no_checks"`
	MaxWaitMinutes         int    `yaml:"max_wait_minutes"`
	PollIntervalSeconds    int    `yaml:"poll_interval_seconds"`
	TitleTemplate          string `yaml:"title_template"`
	BodyTemplate           string `yaml:"body_template"`
}

func Default() Policy {
	return Policy{
		Label:                  "automerge",
		MergeMethod:            "squash",
		RequireUpToDate:        true,
		UpdateBranch:           true,
		AllowMergeWhenNoChecks: false,
		MaxWaitMinutes:         60,
		PollIntervalSeconds:    10,
		TitleTemplate:          "{title} (#{number})",
		BodyTemplate:           "{body}\n\nAuto-merged for PR #{number}",
	}
}

// Parse overlays the document onto defaults. A YAML error or an invalid
// merge_method is a config error; the pipeline dead-letters on it.
func Parse(data []byte) (Policy, error) {
	p := Default()
	if len(data) == 0 {
		return p, nil
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	switch p.MergeMethod {
	case "squash", "rebase", "merge":
	default:
		return Policy{}, fmt.Errorf("parse policy: invalid merge_method %q", p.MergeMethod)
	}
	if p.PollIntervalSeconds < 5 {
		p.PollIntervalSeconds = 5
	}
	if p.MaxWaitMinutes < 1 {
		p.MaxWaitMinutes = 1
	}
	return p, nil
}

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// Render substitutes {name} placeholders from vars. Only the enumerated
// keys are legal; an unknown placeholder fails the render so template
// typos surface as config errors instead of leaking braces into commits.
func Render(tmpl string, vars map[string]string) (string, error) {
	var unknown string
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := vars[name]
		if !ok {
			if unknown == "" {
				unknown = name
			}
			return m
		}
		return v
	})
	if unknown != "" {
		return "", fmt.Errorf("render template: unknown placeholder {%s}", unknown)
	}
	return out, nil
}
