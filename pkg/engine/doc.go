// Package engine provides the core types and interfaces shared by the kdeploy
// deployment strategies and their hosts.
//
// # Overview
//
// A strategy invocation never blocks on the cluster. It builds a TaskRequest,
// hands it to a TaskDispatcher, and suspends. The host later delivers a
// TaskResult carrying the same correlation id, and the invocation resumes
// until it produces an Outcome:
//
//	Begin -> [MANIFEST_FETCH] -> CLUSTER_OPERATION -> Outcome
//
// # Core Domain Types
//
//   - Workload: the service, infrastructure id and namespace being deployed
//   - Release: release name plus the number reported by the executor
//   - ManifestSet: ordered values documents sent with a cluster operation
//   - TaskRequest / TaskResult: the executor contract
//   - Outcome: SUCCEEDED, FAILED or SKIPPED, with instance summaries
//   - ElementWrite / Element: values published for later steps
//
// # Elements
//
// Strategies communicate across invocations through elements, namespaced
// by execution id. The core only describes writes in Outcome.Elements and
// reads through ElementReader; the host performs the writes. A write
// marked IfAbsent never replaces an existing value.
//
// # Error Classification
//
// Errors are classified with EngineError:
//
//   - Transient: temporary failures in host collaborators
//   - Conflict: concurrent modification of host state
//   - Permanent: validation failures and policy denials
//   - Contract: results that do not match the suspended continuation
//
// A contract violation is returned as *ContractViolationError and is never
// folded into an Outcome.
package engine
