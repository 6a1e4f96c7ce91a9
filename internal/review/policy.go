// Package review evaluates flagged conflicts from a stored run report
// with an Anthropic model. For each conflict it fetches the entity's
// labels, descriptions, and aliases, asks whether they describe the
// record's authorized heading, and writes an annotated review sheet.
// The assistant reads the knowledge base; it never edits it.
package review

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// DefaultInstructions is the system prompt used when the policy file
// does not supply one.
const DefaultInstructions = `You are comparing entity records between two authority systems. You will be given a knowledge-base entity with its labels, descriptions, and aliases, and an authority record's authorized heading. Decide whether they describe the same entity.

Respond with ONLY valid JSON, no other text:
{"match": true, "reason": "brief one sentence explanation"}`

// Policy holds the assistant's model choice and limits. Loaded from a
// YAML file; absent fields keep their defaults.
type Policy struct {
	Model          string `yaml:"model"`
	MaxTokens      int64  `yaml:"max_tokens"`
	Concurrency    int    `yaml:"concurrency"`
	BatchThreshold int    `yaml:"batch_threshold"`
	Instructions   string `yaml:"instructions"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		Model:          "claude-sonnet-4-5-20250929",
		MaxTokens:      1024,
		Concurrency:    4,
		BatchThreshold: 10,
		Instructions:   DefaultInstructions,
	}
}

// LoadPolicy reads the policy file at path over the built-in defaults.
// An empty path returns the defaults unchanged.
func LoadPolicy(path string) (Policy, error) {
	return LoadPolicyFile(path, DefaultPolicy())
}

// LoadPolicyFile reads the policy file at path over base. Fields absent
// from the file keep base's values.
func LoadPolicyFile(path string, base Policy) (Policy, error) {
	if path == "" {
		return base, base.validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, eris.Wrapf(err, "review: read policy %s", path)
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return Policy{}, eris.Wrapf(err, "review: parse policy %s", path)
	}
	return base, base.validate()
}

func (p Policy) validate() error {
	if p.Model == "" {
		return eris.New("review: policy model must be set")
	}
	if p.MaxTokens <= 0 {
		return eris.New("review: policy max_tokens must be positive")
	}
	if p.Concurrency <= 0 {
		return eris.New("review: policy concurrency must be positive")
	}
	if p.BatchThreshold <= 0 {
		return eris.New("review: policy batch_threshold must be positive")
	}
	return nil
}
