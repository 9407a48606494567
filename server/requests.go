package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/orchestrator"
	"github.com/aschepis/backscratcher/relay/templates"
	"github.com/gin-gonic/gin"
)

// requestBody is the JSON accepted by POST /v1/requests. Fields set alongside a
// template override the template's values.
type requestBody struct {
	CorrelationKey   string                    `json:"correlation_key"`
	Message          string                    `json:"message,omitempty"`
	Messages         []llm.InputItem           `json:"messages,omitempty"`
	Template         string                    `json:"template,omitempty"`
	Model            string                    `json:"model,omitempty"`
	Instructions     string                    `json:"instructions,omitempty"`
	Tools            json.RawMessage           `json:"tools,omitempty"`
	RegisteredTools  bool                      `json:"registered_tools,omitempty"`
	ResponseFormat   string                    `json:"response_format,omitempty"`
	JSONSchema       json.RawMessage           `json:"json_schema,omitempty"`
	Temperature      *float64                  `json:"temperature,omitempty"`
	ConversationUser string                    `json:"conversation_user,omitempty"`
	Attachments      []orchestrator.Attachment `json:"attachments,omitempty"`
}

type resultResp struct {
	*orchestrator.Result
	Text string         `json:"text,omitempty"`
	JSON map[string]any `json:"json,omitempty"`
}

func (s *Server) handleRequest(c *gin.Context) {
	var body requestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if body.CorrelationKey == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "correlation_key required"})
		return
	}

	opts, status, err := s.requestOptions(c, &body)
	if err != nil {
		c.JSON(status, errorResp{Error: err.Error()})
		return
	}

	res, err := s.deps.Executor.Execute(c.Request.Context(), orchestrator.NewRequest(body.CorrelationKey, opts...))
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNoInput):
			c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
			return
		case errors.Is(err, orchestrator.ErrUnsupportedAttachment):
			c.JSON(http.StatusUnprocessableEntity, errorResp{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}

	out := resultResp{Result: res}
	if res.Successful() {
		out.Text = res.Text()
		if m, ok := res.JSON(); ok {
			out.JSON = m
		}
	}
	c.JSON(resultStatus(res), out)
}

func (s *Server) requestOptions(c *gin.Context, body *requestBody) ([]orchestrator.Option, int, error) {
	var opts []orchestrator.Option
	if body.Template != "" {
		if s.deps.Templates == nil {
			return nil, http.StatusBadRequest, errors.New("templates are not available")
		}
		opt, err := orchestrator.FromTemplate(c.Request.Context(), s.deps.Templates, body.Template)
		switch {
		case errors.Is(err, templates.ErrNotFound):
			return nil, http.StatusNotFound, err
		case err != nil:
			return nil, http.StatusInternalServerError, err
		}
		opts = append(opts, opt)
	}

	if body.Message != "" {
		opts = append(opts, orchestrator.WithMessage(body.Message))
	}
	if len(body.Messages) > 0 {
		opts = append(opts, orchestrator.WithMessages(body.Messages...))
	}
	if body.Model != "" {
		opts = append(opts, orchestrator.WithModel(body.Model))
	}
	if body.Instructions != "" {
		opts = append(opts, orchestrator.WithInstructions(body.Instructions))
	}
	if len(body.Tools) > 0 {
		tools, err := llm.ParseTools(body.Tools)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		opts = append(opts, orchestrator.WithTools(tools...))
	}
	if body.RegisteredTools {
		opts = append(opts, orchestrator.WithRegisteredTools())
	}
	if body.ResponseFormat != "" {
		opts = append(opts, orchestrator.WithResponseFormat(body.ResponseFormat, body.JSONSchema))
	}
	if body.Temperature != nil {
		opts = append(opts, orchestrator.WithTemperature(*body.Temperature))
	}
	if body.ConversationUser != "" {
		opts = append(opts, orchestrator.WithConversation(body.ConversationUser))
	}
	if len(body.Attachments) > 0 {
		opts = append(opts, orchestrator.WithAttachments(body.Attachments...))
	}
	return opts, http.StatusOK, nil
}

// resultStatus maps a result to a response code. Duplicates answer 202 so that
// webhook senders do not redeliver.
func resultStatus(res *orchestrator.Result) int {
	switch {
	case res.Successful():
		return http.StatusOK
	case res.InProgress():
		return http.StatusAccepted
	case res.Code == llm.CodeUnsupportedFileFormat:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
