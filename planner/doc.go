// Package planner provides the catalog of planning tools the decision loop
// orchestrates: requirements analysis, short-term planning, technical
// research and architecture design.
//
// The three document tools are thin bindings over a single backend call.
// Each builds a prompt from its arguments, decodes the reply as a JSON
// document (repairing almost-JSON first) and returns the document for the
// loop to fold into its reserved session state slot. The research tool
// takes a different route: it derives a keyword batch from its arguments
// and session state, fans the batch out through the research batch
// executor and returns the consolidated findings.
package planner
