package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Format is a workflow file format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
)

// FormatOf returns the format implied by a file extension. JSON is read as YAML.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported workflow file type: %s", path)
	}
}

// Parser loads workflow files. Every format is unified with the built-in
// #Workflow CUE definition, decoded, then checked with struct validation
// and cross-field rules.
type Parser struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewParser creates a new workflow parser.
func NewParser() *Parser {
	ctx := cuecontext.New()
	return &Parser{
		ctx:       ctx,
		schemas:   NewSchemaRegistry(ctx),
		validator: validator.New(),
	}
}

// Schemas returns the schema registry.
func (p *Parser) Schemas() *SchemaRegistry {
	return p.schemas
}

// LoadWorkflow reads and validates the workflow in path.
func (p *Parser) LoadWorkflow(ctx context.Context, path string) (*Workflow, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}

	wf, err := p.ParseWorkflow(ctx, data, format, path)
	if err != nil {
		return nil, err
	}
	wf.Source = path
	return wf, nil
}

// ParseWorkflow parses workflow content. filename is used in error positions.
func (p *Parser) ParseWorkflow(_ context.Context, data []byte, format Format, filename string) (*Workflow, error) {
	var val cue.Value
	switch format {
	case FormatCUE:
		val = p.ctx.CompileBytes(data, cue.Filename(filename))
	case FormatYAML:
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, ValidationErrors{{File: filename, Message: fmt.Sprintf("invalid YAML: %v", err)}}
		}
		if doc == nil {
			return nil, ValidationErrors{{File: filename, Message: "workflow is empty"}}
		}
		val = p.ctx.Encode(doc)
	default:
		return nil, fmt.Errorf("unsupported workflow format %q", format)
	}
	if err := val.Err(); err != nil {
		return nil, p.convertCUEErrors(filename, err)
	}

	unified, err := p.schemas.Unify("workflow", val)
	if err != nil {
		return nil, p.convertCUEErrors(filename, err)
	}

	var wf Workflow
	if err := unified.Decode(&wf); err != nil {
		return nil, ValidationErrors{{File: filename, Message: fmt.Sprintf("failed to decode workflow: %v", err)}}
	}

	if errs := p.Validate(&wf); len(errs) > 0 {
		for i := range errs {
			errs[i].File = filename
		}
		return nil, errs
	}
	return &wf, nil
}

// Validate applies struct validation and the rules CUE cannot express.
func (p *Parser) Validate(wf *Workflow) ValidationErrors {
	var errs ValidationErrors

	if err := p.validator.Struct(wf); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, ValidationError{
					Path:    fe.Namespace(),
					Message: fmt.Sprintf("failed on the %q rule", fe.Tag()),
				})
			}
		} else {
			errs = append(errs, ValidationError{Message: err.Error()})
		}
	}

	seen := make(map[string]string)
	check := func(section string, steps []Step) {
		for i, s := range steps {
			path := fmt.Sprintf("%s.%d", section, i)
			if prev, dup := seen[s.Name]; dup {
				errs = append(errs, ValidationError{
					Path:    path + ".name",
					Message: fmt.Sprintf("duplicate step name %q (also %s)", s.Name, prev),
				})
			}
			seen[s.Name] = path

			if err := s.Strategy.Validate(); err != nil {
				errs = append(errs, ValidationError{Path: path + ".strategy", Message: err.Error()})
			}
			for j, v := range s.Manifests.Values {
				if err := v.Validate(); err != nil {
					errs = append(errs, ValidationError{
						Path:    fmt.Sprintf("%s.manifests.values.%d", path, j),
						Message: err.Error(),
					})
				}
			}
		}
	}
	check("steps", wf.Steps)
	check("rollbackSteps", wf.RollbackSteps)

	for i, v := range wf.Manifests.Values {
		if err := v.Validate(); err != nil {
			errs = append(errs, ValidationError{Path: fmt.Sprintf("manifests.values.%d", i), Message: err.Error()})
		}
	}
	if wf.Workload.DeploymentType != "kubernetes" {
		errs = append(errs, ValidationError{
			Path:    "workload.deploymentType",
			Message: fmt.Sprintf("unsupported deployment type %q", wf.Workload.DeploymentType),
		})
	}

	return errs
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func (p *Parser) convertCUEErrors(filename string, err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:    filename,
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() == filename {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{File: filename, Message: err.Error()})
	}
	return out
}

// LoadSettings reads host settings from a YAML file. An empty path returns
// the defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	return ParseSettings(data)
}

// ParseSettings decodes settings over the defaults and validates them.
func ParseSettings(data []byte) (*Settings, error) {
	s := DefaultSettings()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	if s.Executor.SSH != nil {
		s.Executor.SSH.ApplyDefaults()
	}

	if err := validator.New().Struct(s); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}
