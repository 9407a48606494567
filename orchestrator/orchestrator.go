// Package orchestrator turns a Request into remote calls: it admits the attempt
// through the guard, binds a conversation, runs the tool-call loop and classifies
// remote failures into a Result.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aschepis/backscratcher/relay/audit"
	"github.com/aschepis/backscratcher/relay/conversations"
	"github.com/aschepis/backscratcher/relay/guard"
	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/metrics"
	"github.com/aschepis/backscratcher/relay/tools"
	"github.com/rs/zerolog"
)

// Admitter admits and closes attempts. *guard.Guard implements it.
type Admitter interface {
	Admit(ctx context.Context, key, payload string) (*guard.Attempt, bool, error)
	Close(ctx context.Context, a *guard.Attempt, status audit.Status, response string, duration time.Duration) error
}

// AuditLog is the part of the audit store written during an attempt.
type AuditLog interface {
	RecordResponse(ctx context.Context, id int64, response, comment string) error
	SetConversation(ctx context.Context, id int64, conversationID string) error
	AppendComment(ctx context.Context, id int64, text string) error
	CreateToolCall(ctx context.Context, call audit.ToolCall) (*audit.ToolCall, error)
	FinishToolCall(ctx context.Context, id int64, status audit.ToolCallStatus, output, errMsg string, durationSeconds float64) error
}

// ConversationStore persists per-user conversations.
type ConversationStore interface {
	Active(ctx context.Context, ownerUser string) (*conversations.Conversation, error)
	Create(ctx context.Context, remoteID, ownerUser string) (*conversations.Conversation, bool, error)
	Close(ctx context.Context, remoteID string) error
}

// Config bounds the state machine.
type Config struct {
	DefaultModel      string
	MaxToolRounds     int
	MaxContextRetries int
}

// Deps are the collaborators of an Orchestrator. Tools and Catalog may be nil.
type Deps struct {
	Guard         Admitter
	Audit         AuditLog
	Conversations ConversationStore
	Client        llm.Responder
	Tools         tools.Executor
	Catalog       ToolCatalog
}

// Orchestrator executes requests.
type Orchestrator struct {
	guard   Admitter
	audit   AuditLog
	convs   ConversationStore
	client  llm.Responder
	tools   tools.Executor
	catalog ToolCatalog
	cfg     Config
	logger  zerolog.Logger
}

// New creates an orchestrator. Zero config fields take their defaults.
func New(deps Deps, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}
	if cfg.MaxToolRounds < 1 {
		cfg.MaxToolRounds = 10
	}
	if cfg.MaxContextRetries < 0 {
		cfg.MaxContextRetries = 0
	}
	return &Orchestrator{
		guard:   deps.Guard,
		audit:   deps.Audit,
		convs:   deps.Conversations,
		client:  deps.Client,
		tools:   deps.Tools,
		catalog: deps.Catalog,
		cfg:     cfg,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
	}
}

// outcome is how one admitted attempt ended.
type outcome struct {
	result   *Result
	response string
	expired  bool
}

func (o outcome) status() audit.Status {
	if o.result.Successful() {
		return audit.StatusCompleted
	}
	return audit.StatusFailed
}

// Execute runs req to a final answer. The returned error is non-nil only for a
// request without input or with an unsupported attachment, both rejected before
// admission. Every other outcome, including remote failures and duplicates, is
// reported through the Result.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	log := o.logger.With().Str("correlation_key", req.correlationKey).Logger()

	var res *Result
	for retry := 0; ; retry++ {
		out := o.attempt(ctx, log, req)
		res = out.result
		if !out.expired {
			break
		}
		if retry >= o.cfg.MaxContextRetries {
			log.Warn().Int("retries", retry).Msg("Context expired again, giving up")
			break
		}
		metrics.IncContextRetry()
		log.Info().Int("retry", retry+1).Msg("Context expired, retrying with a fresh context")
	}
	metrics.ObserveExecution(string(res.Kind), time.Since(start).Seconds())
	return res, nil
}

// attempt runs one admitted attempt and closes it exactly once.
func (o *Orchestrator) attempt(ctx context.Context, log zerolog.Logger, req Request) (out outcome) {
	a, admitted, err := o.guard.Admit(ctx, req.correlationKey, req.auditPayload())
	if err != nil {
		log.Error().Err(err).Msg("Admission failed")
		res := failure("Admission failed: "+err.Error(), "")
		if a != nil {
			res.AttemptID, res.RequestLogID = a.Record.AttemptID, a.ID()
		}
		return outcome{result: res}
	}
	if !admitted {
		res := inProgress()
		res.AttemptID, res.RequestLogID = a.Record.AttemptID, a.ID()
		return outcome{result: res}
	}

	log = log.With().Str("attempt_id", a.Record.AttemptID).Logger()
	closeCtx := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			o.closeAttempt(closeCtx, log, a, audit.StatusFailed, fmt.Sprint("panic: ", r))
			panic(r)
		}
		o.closeAttempt(closeCtx, log, a, out.status(), out.response)
		out.result.AttemptID, out.result.RequestLogID = a.Record.AttemptID, a.ID()
	}()
	return o.run(ctx, log, a, req)
}

func (o *Orchestrator) closeAttempt(ctx context.Context, log zerolog.Logger, a *guard.Attempt, status audit.Status, response string) {
	if err := o.guard.Close(ctx, a, status, response, a.Elapsed()); err != nil {
		log.Error().Err(err).Msg("Failed to close attempt")
	}
}

func (o *Orchestrator) run(ctx context.Context, log zerolog.Logger, a *guard.Attempt, req Request) outcome {
	var conversationID string
	if req.conversationUser != "" {
		id, err := o.conversation(ctx, req)
		if err != nil {
			log.Error().Err(err).Str("user", req.conversationUser).Msg("Cannot create conversation")
			o.comment(ctx, a, "FAILED: Cannot create conversation")
			return outcome{result: failure("Failed to create conversation: "+llm.Message(err), llm.ErrorCode(err)), response: err.Error()}
		}
		conversationID = id
		if err := o.audit.SetConversation(ctx, a.ID(), id); err != nil {
			log.Warn().Err(err).Msg("Failed to bind conversation to audit record")
		}
	}

	payload, err := o.buildPayload(req, conversationID)
	if err != nil {
		return outcome{result: failure(err.Error(), ""), response: err.Error()}
	}

	out := o.loop(ctx, log, a, req, payload)
	out.result.ConversationID = conversationID
	if out.expired && conversationID != "" {
		if err := o.convs.Close(ctx, conversationID); err != nil {
			log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to close expired conversation")
		}
		o.comment(ctx, a, "Conversation expired, closed "+conversationID)
	}
	return out
}

// loop dispatches payload and answers function calls until the remote side returns
// a final response or the round cap is reached.
func (o *Orchestrator) loop(ctx context.Context, log zerolog.Logger, a *guard.Attempt, req Request, payload *llm.ResponseRequest) outcome {
	for round := 0; ; round++ {
		resp, err := o.client.CreateResponse(ctx, payload)
		if err != nil {
			return o.classify(log, err)
		}
		if err := o.audit.RecordResponse(ctx, a.ID(), string(resp.Raw), "SUCCESS: Response received"); err != nil {
			log.Warn().Err(err).Msg("Failed to record response")
		}

		calls := resp.Calls()
		if len(calls) == 0 {
			return outcome{result: success(resp), response: string(resp.Raw)}
		}
		if round >= o.cfg.MaxToolRounds {
			msg := fmt.Sprintf("tool call limit of %d rounds exceeded", o.cfg.MaxToolRounds)
			log.Warn().Int("rounds", round).Msg("Tool call limit exceeded")
			o.comment(ctx, a, "FAILED: "+msg)
			return outcome{result: failure(msg, ""), response: string(resp.Raw)}
		}

		o.comment(ctx, a, "Run functions")
		outputs := o.runCalls(ctx, log, a, req.correlationKey, calls)
		if len(outputs) == 0 {
			msg := "response contained no usable function calls"
			return outcome{result: failure(msg, ""), response: string(resp.Raw)}
		}
		payload = continuation(payload, resp, outputs)
	}
}

func (o *Orchestrator) classify(log zerolog.Logger, err error) outcome {
	msg := llm.Message(err)
	response := err.Error()
	var llmErr *llm.Error
	if errors.As(err, &llmErr) && llmErr.Body != "" {
		response = llmErr.Body
	}

	switch {
	case llm.IsContextExpired(err):
		log.Warn().Err(err).Msg("Remote context expired")
		return outcome{result: failure(msg, llm.CodeResponseExpired), response: response, expired: true}
	case llm.IsUnsupportedFormat(err):
		log.Warn().Err(err).Msg("Remote side rejected the input format")
		return outcome{result: failure(msg, llm.CodeUnsupportedFileFormat), response: response}
	default:
		log.Error().Err(err).Msg("Remote request failed")
		return outcome{result: failure("API Error: "+msg, llm.ErrorCode(err)), response: response}
	}
}

// conversation returns the user's active conversation id, creating one if needed.
func (o *Orchestrator) conversation(ctx context.Context, req Request) (string, error) {
	conv, err := o.convs.Active(ctx, req.conversationUser)
	if err == nil {
		return conv.RemoteID, nil
	}
	if !errors.Is(err, conversations.ErrNotFound) {
		return "", err
	}

	remoteID, err := o.client.CreateConversation(ctx, req.instructions)
	if err != nil {
		return "", err
	}
	conv, _, err = o.convs.Create(ctx, remoteID, req.conversationUser)
	if err != nil {
		return "", err
	}
	return conv.RemoteID, nil
}

// runCalls executes every well-formed call and returns one output item per call.
func (o *Orchestrator) runCalls(ctx context.Context, log zerolog.Logger, a *guard.Attempt, key string, calls []llm.OutputItem) []llm.InputItem {
	outputs := make([]llm.InputItem, 0, len(calls))
	for _, item := range calls {
		call, ok := ResolveCall(item)
		if !ok {
			log.Warn().Str("item_id", item.ID).Str("name", call.Name).Msg("Skipping malformed function call")
			continue
		}
		outputs = append(outputs, llm.NewFunctionCallOutput(call.CallID, o.runCall(ctx, log, a, key, call)))
	}
	return outputs
}

func (o *Orchestrator) runCall(ctx context.Context, log zerolog.Logger, a *guard.Attempt, key string, call FunctionCall) string {
	log = log.With().Str("function", call.Name).Str("call_id", call.CallID).Logger()
	rec, err := o.audit.CreateToolCall(ctx, audit.ToolCall{
		RequestLogID:   a.ID(),
		CorrelationKey: key,
		CallID:         call.CallID,
		FunctionName:   call.Name,
		Arguments:      string(call.Arguments),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to record tool call")
	}

	start := time.Now()
	output, execErr := o.invoke(ctx, call)
	elapsed := time.Since(start)

	status, errMsg := audit.ToolCallSuccess, ""
	if execErr != nil {
		status, errMsg = audit.ToolCallFailed, execErr.Error()
		output = errorOutput(errMsg)
		log.Warn().Err(execErr).Msg("Tool call failed")
	}
	metrics.ObserveToolCall(call.Name, string(status), elapsed.Seconds())

	if rec != nil {
		stored := output
		if execErr != nil {
			stored = ""
		}
		if err := o.audit.FinishToolCall(ctx, rec.ID, status, stored, errMsg, elapsed.Seconds()); err != nil {
			log.Warn().Err(err).Msg("Failed to finish tool call record")
		}
	}
	return output
}

func (o *Orchestrator) invoke(ctx context.Context, call FunctionCall) (string, error) {
	if o.tools == nil {
		return "", errors.New("no tool executor configured")
	}
	result, err := o.tools.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		return "", err
	}
	if s, ok := result.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(b), nil
}

func errorOutput(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

func (o *Orchestrator) comment(ctx context.Context, a *guard.Attempt, text string) {
	if err := o.audit.AppendComment(ctx, a.ID(), text); err != nil {
		o.logger.Warn().Err(err).Int64("request_log_id", a.ID()).Msg("Failed to append audit comment")
	}
}
