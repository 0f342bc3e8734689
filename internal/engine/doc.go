// Package engine runs durable pipelines: trees of steps that pass a JSON
// state document from one step to the next.
//
// Every execution is journaled in the job store. Task outputs, Choice
// decisions, Map item lists and resume payloads are checkpointed under the
// step's path, so an execution interrupted by a restart is replayed by
// Recover without repeating completed work. Suspend steps park an execution
// on a callback token until Resume or Deliver supplies the payload.
//
// Parallel branches and Map items report failures as BranchResult values
// instead of aborting their siblings. Retry and Catch wrap any step.
package engine
