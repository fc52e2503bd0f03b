// Package domain defines the externally-owned record types the agent
// consumes: students, eligibility pools, localized prompts, events, and
// stage policy records.
//
// Types in this package are pure value objects with no behavior beyond
// pure lookups. They are the shared language between the store adapter,
// the eligibility evaluator, and the step handlers.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No AWS clients, no context.Context in struct fields
//   - dynamodbav/json tags are allowed (they're metadata, not behavior)
//   - Pure lookup helpers are allowed
package domain
