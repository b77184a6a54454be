// Package config loads kdeploy workflows and host settings.
//
// # Workflows
//
// A workflow names a workload, optional shared values documents and
// variables, the ordered steps to run and the rollback steps to run when
// a step fails. Workflows may be written in YAML (or JSON) or CUE:
//
//	name: reviews
//	workload:
//	  id: reviews
//	  infraId: prod-eu
//	  namespace: reviews
//	variables:
//	  canaryPods: 1
//	steps:
//	  - name: setup
//	    strategy: canary-setup
//	  - name: canary
//	    strategy: canary-deploy
//	    config:
//	      instanceCount: "${workflow.variables.canaryPods}"
//	rollbackSteps:
//	  - name: undo-canary
//	    strategy: canary-rollback
//
// Whatever the format, the document is unified with the built-in
// #Workflow CUE definition (see SchemaRegistry), decoded and then checked
// with go-playground/validator plus rules CUE cannot express, such as
// unique step names. Failures are reported as ValidationErrors carrying
// the file, position and path of each problem.
//
// Step configuration is passed to the strategy untouched; expressions in
// it are rendered when the step begins, against Workflow.Scope.
//
// # Settings
//
// Host settings (database, executor transport, policies, telemetry) are
// read from YAML with unknown fields rejected:
//
//	settings, err := config.LoadSettings("kdeploy.yaml")
//	if err != nil {
//	    return err
//	}
//	tel, err := telemetry.Setup(settings.Telemetry(version))
package config
