// Package protocol defines the wire messages exchanged between the editor
// side and the automation side: Request, Response and a small family of
// out-of-band notices. Validation is structural rather than schema-driven so
// that independently deployed peers tolerate version skew: unknown extra
// fields are ignored, missing required fields reject.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/codefionn/chatrelay/internal/logger"
)

// Action identifies what the editor side is asking the automation side to do.
type Action string

const (
	ActionCodeSuggest Action = "CODE_SUGGEST"
	ActionExplain     Action = "EXPLAIN"
	ActionRunCommand  Action = "RUN_COMMAND"
)

// Actions returns the closed set of valid actions.
func Actions() []Action {
	return []Action{ActionCodeSuggest, ActionExplain, ActionRunCommand}
}

// ValidAction reports whether a is a member of the closed action set.
func ValidAction(a Action) bool {
	switch a {
	case ActionCodeSuggest, ActionExplain, ActionRunCommand:
		return true
	}
	return false
}

// Status is the outcome of a Response.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Confidence grades the security metadata attached to a Response.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Notice type constants
const (
	NoticeAIResponse = "ai_response"
	NoticeRateLimit  = "rate_limit_detected"
	NoticeCaptcha    = "captcha_detected"
	NoticeAck        = "ack"
	NoticeHello      = "hello"
	NoticeStatus     = "status"
)

// Context carries optional editor context attached to a Request. Opaque to
// the transport layer.
type Context struct {
	FilePath       string   `json:"file_path,omitempty"`
	CodeSnippet    string   `json:"code_snippet,omitempty"`
	RecentHistory  []string `json:"recent_history,omitempty"`
	ProjectContext string   `json:"project_context,omitempty"`
}

// Request is one outstanding ask from the editor side to the automation side.
// The ID is the sole correlation key for the eventual Response.
type Request struct {
	ID         string   `json:"id"`
	ActionType Action   `json:"action_type"`
	Context    *Context `json:"context,omitempty"`
	UserQuery  string   `json:"user_query"`
}

// ResponseData is the payload of a Response: scraped content on success, a
// human-readable message on error.
type ResponseData struct {
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

// Security is advisory metadata for a downstream approval policy. The
// transport does not interpret it.
type Security struct {
	RequiresConfirmation bool       `json:"requires_confirmation"`
	Confidence           Confidence `json:"confidence"`
}

// Response answers exactly one Request, correlated by RequestID.
type Response struct {
	RequestID string       `json:"request_id"`
	Status    Status       `json:"status"`
	Data      ResponseData `json:"data"`
	Security  Security     `json:"security"`
}

// Notice is an out-of-band message that is neither Request nor Response.
type Notice struct {
	Type      string `json:"type"`
	Role      string `json:"role,omitempty"`       // hello
	Content   string `json:"content,omitempty"`    // ai_response
	Language  string `json:"language,omitempty"`   // ai_response
	RequestID string `json:"request_id,omitempty"` // ack
	State     string `json:"state,omitempty"`      // status
}

// Message is the tagged union of the three wire shapes. Only *Request,
// *Response and *Notice implement it.
type Message interface {
	isMessage()
}

func (*Request) isMessage()  {}
func (*Response) isMessage() {}
func (*Notice) isMessage()   {}

// BuildRequest creates a Request with a fresh unique correlation id. The
// action must be a member of the closed set; query emptiness is by
// convention only and is not enforced here.
func BuildRequest(action Action, query string, ctx *Context) (*Request, error) {
	if !ValidAction(action) {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	return &Request{
		ID:         uuid.New().String(),
		ActionType: action,
		Context:    ctx,
		UserQuery:  query,
	}, nil
}

// BuildResponse creates a Response answering the request with the given id.
func BuildResponse(requestID string, status Status, data ResponseData, sec Security) *Response {
	return &Response{
		RequestID: requestID,
		Status:    status,
		Data:      data,
		Security:  sec,
	}
}

// ErrorResponse is a shorthand for an error Response with the given message.
func ErrorResponse(requestID, message string) *Response {
	return BuildResponse(requestID, StatusError,
		ResponseData{Content: message},
		Security{RequiresConfirmation: false, Confidence: ConfidenceLow})
}

// NewHello creates the role-declaring handshake notice.
func NewHello(role string) *Notice {
	return &Notice{Type: NoticeHello, Role: role}
}

// NewAIResponse creates the notice the scraping layer emits when it observes
// a new chat reply.
func NewAIResponse(content, language string) *Notice {
	return &Notice{Type: NoticeAIResponse, Content: content, Language: language}
}

// NewAck creates an acknowledgement notice for the given request id.
func NewAck(requestID string) *Notice {
	return &Notice{Type: NoticeAck, RequestID: requestID}
}

// NewStatus creates a connection-status notice pushed to editor peers.
func NewStatus(state string) *Notice {
	return &Notice{Type: NoticeStatus, State: state}
}

// ValidateRequest reports whether v has all required Request fields with the
// correct shapes. Used as a type guard before trusting wire input.
func ValidateRequest(v map[string]any) bool {
	id, ok := v["id"].(string)
	if !ok || id == "" {
		return false
	}
	action, ok := v["action_type"].(string)
	if !ok || !ValidAction(Action(action)) {
		return false
	}
	if _, ok := v["user_query"].(string); !ok {
		return false
	}
	if c, present := v["context"]; present && c != nil {
		if _, ok := c.(map[string]any); !ok {
			return false
		}
	}
	return true
}

// ValidateResponse reports whether v has all required Response fields with
// the correct shapes.
func ValidateResponse(v map[string]any) bool {
	id, ok := v["request_id"].(string)
	if !ok || id == "" {
		return false
	}
	status, ok := v["status"].(string)
	if !ok || (Status(status) != StatusSuccess && Status(status) != StatusError) {
		return false
	}
	data, ok := v["data"].(map[string]any)
	if !ok {
		return false
	}
	if _, ok := data["content"].(string); !ok {
		return false
	}
	return true
}

// validNotice reports whether v carries a recognized notice type.
func validNotice(v map[string]any) bool {
	t, ok := v["type"].(string)
	if !ok {
		return false
	}
	switch t {
	case NoticeAIResponse, NoticeRateLimit, NoticeCaptcha, NoticeAck, NoticeHello, NoticeStatus:
		return true
	}
	return false
}

// Parse deserializes one wire message. It returns nil (never an error) on
// malformed JSON or a payload matching none of the three shapes, logging a
// diagnostic instead so a bad peer cannot crash the dispatch path.
func Parse(data []byte) Message {
	var probe map[string]any
	if err := json.Unmarshal(data, &probe); err != nil {
		logger.Warn("protocol: dropping malformed message: %v", err)
		return nil
	}

	// Notices carry a type tag; Requests and Responses are distinguished by
	// their required fields.
	switch {
	case validNotice(probe):
		var n Notice
		if err := json.Unmarshal(data, &n); err != nil {
			logger.Warn("protocol: dropping unreadable notice: %v", err)
			return nil
		}
		return &n
	case ValidateResponse(probe):
		var r Response
		if err := json.Unmarshal(data, &r); err != nil {
			logger.Warn("protocol: dropping unreadable response: %v", err)
			return nil
		}
		return &r
	case ValidateRequest(probe):
		var r Request
		if err := json.Unmarshal(data, &r); err != nil {
			logger.Warn("protocol: dropping unreadable request: %v", err)
			return nil
		}
		return &r
	}

	logger.Warn("protocol: dropping message matching no known shape")
	return nil
}

// Serialize encodes a message for the wire. Round trips losslessly with
// Parse for any value produced by BuildRequest or BuildResponse.
func Serialize(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	return data, nil
}
