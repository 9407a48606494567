// Package llm defines the provider-neutral surface the rest of relay uses to talk to
// a remote completion API.
//
// # Core Concepts
//
//  1. Requests: ResponseRequest carries the model, the input items (role messages or
//     function call outputs), an optional response format, tools, and either a
//     conversation id or a previous response id for continuation.
//
//  2. Responses: Response exposes the output items. Items of type function_call (or
//     tool_call) ask the caller to run a tool and answer with a function_call_output
//     input item keyed by the same call id.
//
//  3. Client: the Client interface groups Responder (responses and conversations),
//     FileUploader and IndexManager (vector indexes). Consumers depend on the narrow
//     interfaces they need.
//
//  4. Errors: every remote failure is normalized into *Error. Code carries the
//     structured error code from the remote payload; IsContextExpired and
//     IsUnsupportedFormat classify the two codes the orchestrator handles specially.
//
// The llm/openai package implements Client for OpenAI-compatible endpoints.
package llm
