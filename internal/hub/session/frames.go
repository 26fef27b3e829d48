package session

import (
	"github.com/agentcom/agentcom/internal/hub/ratelimit"
	"github.com/agentcom/agentcom/internal/hub/taskroute"
)

// frame is the client→server wire frame. Type selects which fields
// are meaningful.
type frame struct {
	Type string `json:"type"`

	// identify
	AgentID      string   `json:"agent_id,omitempty"`
	Token        string   `json:"token,omitempty"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// message / channel_publish
	To      string         `json:"to,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	ReplyTo string         `json:"reply_to,omitempty"`

	// status
	Status string `json:"status,omitempty"`

	// channel ops
	Channel string `json:"channel,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Since   uint64 `json:"since,omitempty"`

	// task lifecycle
	TaskID     string         `json:"task_id,omitempty"`
	Generation uint64         `json:"generation,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`

	// endpoint_report
	Endpoint *taskroute.Endpoint `json:"endpoint,omitempty"`
}

// Client→server frame types.
const (
	typeIdentify           = "identify"
	typeMessage            = "message"
	typeStatus             = "status"
	typePing               = "ping"
	typeListAgents         = "list_agents"
	typeListChannels       = "list_channels"
	typeChannelSubscribe   = "channel_subscribe"
	typeChannelUnsubscribe = "channel_unsubscribe"
	typeChannelPublish     = "channel_publish"
	typeChannelHistory     = "channel_history"
	typeTaskRequest        = "task_request"
	typeTaskAccepted       = "task_accepted"
	typeTaskProgress       = "task_progress"
	typeTaskComplete       = "task_complete"
	typeTaskFailed         = "task_failed"
	typeTaskRecovering     = "task_recovering"
	typeEndpointReport     = "endpoint_report"
)

// Error slugs surfaced in error frames.
const (
	errInvalidToken       = "invalid_token"
	errTokenAgentMismatch = "token_agent_mismatch"
	errNotIdentified      = "not_identified"
	errInvalidJSON        = "invalid_json"
	errUnknownType        = "unknown_message_type"
	errChannelNotFound    = "channel_not_found"
	errNotFound           = "not_found"
	errRateLimited        = "rate_limited"
	errTaskCompleteFailed = "task_complete_failed"
	errTaskFailFailed     = "task_fail_failed"
	errTaskAcceptFailed   = "task_accept_failed"
	errInvalidMessage     = "invalid_message"
)

// tierFor maps a frame to its rate-limit weight. Chat traffic is
// normal, request/response payloads and task pulls are heavy, and
// housekeeping frames are light.
func tierFor(f *frame) ratelimit.Tier {
	switch f.Type {
	case typeMessage, typeChannelPublish:
		switch f.Kind {
		case "request", "response":
			return ratelimit.TierHeavy
		case "ping", "status":
			return ratelimit.TierLight
		default:
			return ratelimit.TierNormal
		}
	case typeTaskRequest:
		return ratelimit.TierHeavy
	case typeChannelSubscribe, typeChannelUnsubscribe, typeChannelHistory:
		return ratelimit.TierNormal
	default:
		return ratelimit.TierLight
	}
}
