// Package tattoo binds the image-generation jobs onto the RPC layer: typed
// task parameters, the worker-side Runner, the caller-side Service and the
// on-disk layout shared by the API and the model workers.
package tattoo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// ModelName selects the generation pipeline.
type ModelName string

const (
	ModelLora       ModelName = "Lora"
	ModelControlNet ModelName = "ControlNet"
)

// Gender is the type_person of the customer photos.
type Gender string

const (
	Women Gender = "women"
	Men   Gender = "men"
)

var (
	models  = []ModelName{ModelLora, ModelControlNet}
	genders = []Gender{Women, Men}
)

// ErrInvalidParams wraps every validation failure.
var ErrInvalidParams = errors.New("invalid task parameters")

func ParseModelName(s string) (ModelName, error) {
	m := ModelName(strings.TrimSpace(s))
	if m == "" {
		return ModelLora, nil
	}
	if !lo.Contains(models, m) {
		return "", fmt.Errorf("%w: unknown model %q", ErrInvalidParams, s)
	}
	return m, nil
}

func ParseGender(s string) (Gender, error) {
	g := Gender(strings.TrimSpace(s))
	if !lo.Contains(genders, g) {
		return "", fmt.Errorf("%w: unknown gender %q", ErrInvalidParams, s)
	}
	return g, nil
}

// TrainParams are the model_train fields next to the "task" discriminator.
type TrainParams struct {
	ModelDir   string    `json:"model_dir"`
	Prompt     string    `json:"prompt"`
	ModelName  ModelName `json:"model_name"`
	TypePerson Gender    `json:"type_person"`
}

// Validate checks the enums and defaults ModelName to Lora.
func (p *TrainParams) Validate() error {
	m, err := ParseModelName(string(p.ModelName))
	if err != nil {
		return err
	}
	p.ModelName = m
	if _, err := ParseGender(string(p.TypePerson)); err != nil {
		return err
	}
	if p.ModelDir == "" {
		return fmt.Errorf("%w: model_dir is required", ErrInvalidParams)
	}
	return nil
}

// InferParams are the model_inference fields. Inference always runs on the
// Lora weights found in ModelDir.
type InferParams struct {
	ModelDir   string `json:"model_dir"`
	Prompt     string `json:"prompt"`
	TypePerson Gender `json:"type_person"`
}

func (p *InferParams) Validate() error {
	if _, err := ParseGender(string(p.TypePerson)); err != nil {
		return err
	}
	if p.ModelDir == "" {
		return fmt.Errorf("%w: model_dir is required", ErrInvalidParams)
	}
	return nil
}
