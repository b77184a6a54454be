package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages the CUE definitions workflows are checked against.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in definitions.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("workflow", builtinWorkflowSchema, "#Workflow"); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles source and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, def string) error {
	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = schema
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies data with the named schema and requires a concrete result.
func (sr *SchemaRegistry) Unify(name string, data cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}

	unified := schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinWorkflowSchema = `
#Strategy: "apply" | "rolling-deploy" | "rolling-rollback" |
	"canary-setup" | "canary-deploy" | "canary-rollback" |
	"blue-green-deploy" | "scale" | "delete" | "traffic-split"

#ValuesFile: {
	location: "Service" | "ServiceOverride" | "EnvironmentGlobal" | "Environment" | "Step"
	store?:   "local" | "remote-git"
	inline?:  string
	path?:    string
	repoUrl?: string
	ref?:     string
}

#Source: {
	values?: [...#ValuesFile]
}

#Workload: {
	id:             string & !=""
	infraId:        string & !=""
	namespace:      string & =~"^[a-z0-9]([-a-z0-9]*[a-z0-9])?$"
	releaseName?:   string
	deploymentType: *"kubernetes" | string
}

#Step: {
	name:       string & =~"^[A-Za-z0-9_.-]+$"
	strategy:   #Strategy
	config?:    {...}
	manifests?: #Source
}

#Workflow: {
	name:           string & !=""
	workload:       #Workload
	manifests?:     #Source
	variables?:     {...}
	steps:          [#Step, ...#Step]
	rollbackSteps?: [...#Step]
}
`
