package support

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/whoshyam/maxim-cookbooks/internal/chain"
	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
	"github.com/whoshyam/maxim-cookbooks/internal/pkg/validator"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Prompts is the prompt library of the support graph
type Prompts struct {
	Company string `yaml:"company"`

	Initial struct {
		System           string `yaml:"system" validate:"required"`
		CategorizeSystem string `yaml:"categorize_system" validate:"required"`
		CategorizeHuman  string `yaml:"categorize_human" validate:"required"`
	} `yaml:"initial_support"`

	Billing struct {
		System           string `yaml:"system" validate:"required"`
		CategorizeSystem string `yaml:"categorize_system" validate:"required"`
		CategorizeHuman  string `yaml:"categorize_human" validate:"required"`
	} `yaml:"billing_support"`

	Technical struct {
		System string `yaml:"system" validate:"required"`
	} `yaml:"technical_support"`

	Refund struct {
		Reply     string `yaml:"reply" validate:"required"`
		Interrupt string `yaml:"interrupt" validate:"required"`
	} `yaml:"handle_refund"`

	billingCategorize *chain.PromptTemplate
}

// DefaultPrompts returns the embedded library
func DefaultPrompts() Prompts {
	p, err := ParsePrompts(defaultPrompts)
	if err != nil {
		panic(fmt.Sprintf("embedded support prompts: %v", err))
	}
	return p
}

// LoadPrompts reads a library from a YAML file
func LoadPrompts(path string) (Prompts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Prompts{}, fmt.Errorf("read prompts: %w", err)
	}
	return ParsePrompts(data)
}

// ParsePrompts decodes and validates a YAML library
func ParsePrompts(data []byte) (Prompts, error) {
	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, apperrors.Validation(fmt.Sprintf("parse prompts: %v", err))
	}
	if err := validator.Validate(p); err != nil {
		return p, apperrors.Validation("prompts: " + err.Error())
	}
	tmpl, err := chain.FromTemplate(p.Billing.CategorizeHuman)
	if err != nil {
		return p, fmt.Errorf("billing_support.categorize_human: %w", err)
	}
	p.billingCategorize = tmpl
	return p, nil
}
