// Package httpapi serves the hub's JSON HTTP surface: health,
// messaging, mailbox polling, task and goal management, and token
// administration.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/agentcom/agentcom/internal/hub/auth"
	"github.com/agentcom/agentcom/internal/logging"
	"github.com/agentcom/agentcom/internal/hub/goal"
	"github.com/agentcom/agentcom/internal/hub/mailbox"
	"github.com/agentcom/agentcom/internal/hub/message"
	"github.com/agentcom/agentcom/internal/hub/presence"
	"github.com/agentcom/agentcom/internal/hub/ratelimit"
	"github.com/agentcom/agentcom/internal/hub/repo"
	"github.com/agentcom/agentcom/internal/hub/route"
	"github.com/agentcom/agentcom/internal/hub/task"
	"github.com/agentcom/agentcom/internal/hub/taskroute"
)

// Deps are the hub components the API surfaces.
type Deps struct {
	Auth       *auth.Store
	Presence   *presence.Registry
	Mailbox    *mailbox.Mailbox
	Router     *route.Router
	Tasks      *task.Queue
	Goals      *goal.Backlog
	Repos      *repo.Registry
	TaskRouter *taskroute.Router
	Limiter    *ratelimit.Limiter

	// AdminToken guards /admin routes. Empty disables the check, for
	// development setups behind a trusted boundary.
	AdminToken string
}

// API implements the HTTP handlers.
type API struct {
	deps   Deps
	logger *slog.Logger
}

// New builds the API.
func New(deps Deps) *API {
	return &API{deps: deps, logger: slog.With("component", "httpapi")}
}

// Mount registers all routes on mux.
func (a *API) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /api/agents", a.authed(a.handleListAgents))
	mux.HandleFunc("POST /api/message", a.authed(a.handleSendMessage))
	mux.HandleFunc("GET /api/mailbox/{agent_id}", a.authed(a.handleMailboxPoll))
	mux.HandleFunc("POST /api/mailbox/{agent_id}/ack", a.authed(a.handleMailboxAck))
	mux.HandleFunc("GET /api/tasks", a.authed(a.handleListTasks))
	mux.HandleFunc("POST /api/tasks", a.authed(a.handleSubmitTask))
	mux.HandleFunc("GET /api/tasks/{id}", a.authed(a.handleGetTask))
	mux.HandleFunc("GET /api/goals", a.authed(a.handleListGoals))
	mux.HandleFunc("POST /api/goals", a.authed(a.handleSubmitGoal))
	mux.HandleFunc("GET /api/goals/{id}", a.authed(a.handleGetGoal))
	mux.HandleFunc("GET /api/endpoints", a.authed(a.handleListEndpoints))
	mux.HandleFunc("GET /api/repos", a.authed(a.handleListRepos))
	mux.HandleFunc("POST /api/repos", a.authed(a.handleRegisterRepo))
	// Rest-of-path wildcard: repo names may contain slashes.
	mux.HandleFunc("GET /api/repos/{name...}", a.authed(a.handleGetRepo))
	mux.HandleFunc("DELETE /api/repos/{name...}", a.authed(a.handleDeleteRepo))
	mux.HandleFunc("POST /admin/tokens", a.admin(a.handleCreateToken))
	mux.HandleFunc("GET /admin/tokens", a.admin(a.handleListTokens))
	mux.HandleFunc("DELETE /admin/tokens/{agent_id}", a.admin(a.handleRevokeTokens))
}

// authed authenticates the caller and applies HTTP rate limiting
// before invoking next with the resolved agent id.
func (a *API) authed(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID, ok := a.authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		logging.SetAgent(r, agentID)

		tier := ratelimit.TierLight
		if r.Method != http.MethodGet {
			tier = ratelimit.TierNormal
		}
		d := a.deps.Limiter.Check(agentID, ratelimit.ChannelHTTP, tier)
		if !d.Allowed() {
			backoff := a.deps.Limiter.RecordViolation(agentID)
			retry := d.RetryAfter
			if backoff > retry {
				retry = backoff
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		next(w, r, agentID)
	}
}

// admin guards the token-management routes with the shared admin
// token.
func (a *API) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.deps.AdminToken != "" {
			token := bearerToken(r)
			if subtle.ConstantTimeCompare([]byte(token), []byte(a.deps.AdminToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (a *API) authenticate(r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		return "", false
	}
	return a.deps.Auth.Verify(token)
}

func bearerToken(r *http.Request) string {
	if token := auth.TokenFromHeader(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"service":          "agentcom-hub",
		"agents_connected": a.deps.Presence.Count(),
	})
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request, _ string) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": a.deps.Presence.List()})
}

type sendMessageRequest struct {
	To      string         `json:"to"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
	ReplyTo string         `json:"reply_to"`
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request, agentID string) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Payload == nil {
		writeError(w, http.StatusBadRequest, "missing_payload")
		return
	}
	kind := message.Kind(req.Kind)
	if req.Kind == "" {
		kind = message.KindChat
	}

	// from is always the authenticated agent, never the body.
	msg, err := message.New(agentID, req.To, kind, req.Payload, req.ReplyTo)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_message")
		return
	}
	outcome, err := a.deps.Router.Route(msg)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "route_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": msg.ID,
		"outcome":    string(outcome),
	})
}

func (a *API) handleMailboxPoll(w http.ResponseWriter, r *http.Request, agentID string) {
	owner := r.PathValue("agent_id")
	if owner != agentID {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since")
			return
		}
		since = v
	}

	entries, lastSeq, err := a.deps.Mailbox.Poll(owner, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "mailbox_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": entries,
		"last_seq": lastSeq,
	})
}

type ackRequest struct {
	Seq uint64 `json:"seq"`
}

func (a *API) handleMailboxAck(w http.ResponseWriter, r *http.Request, agentID string) {
	owner := r.PathValue("agent_id")
	if owner != agentID {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	removed, err := a.deps.Mailbox.Ack(owner, req.Seq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "mailbox_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acked": removed})
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request, _ string) {
	tasks, err := a.deps.Tasks.List(task.Status(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (a *API) handleSubmitTask(w http.ResponseWriter, r *http.Request, _ string) {
	var p task.Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if p.Description == "" {
		writeError(w, http.StatusBadRequest, "missing_description")
		return
	}
	t, err := a.deps.Tasks.Enqueue(p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue_failed")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request, _ string) {
	t, err := a.deps.Tasks.Get(r.PathValue("id"))
	if errors.Is(err, task.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get_failed")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleListGoals(w http.ResponseWriter, r *http.Request, _ string) {
	goals, err := a.deps.Goals.List(goal.Filters{
		Status: goal.Status(r.URL.Query().Get("status")),
		Tag:    r.URL.Query().Get("tag"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"goals": goals})
}

func (a *API) handleSubmitGoal(w http.ResponseWriter, r *http.Request, _ string) {
	var p goal.Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if p.Description == "" {
		writeError(w, http.StatusBadRequest, "missing_description")
		return
	}
	g, err := a.deps.Goals.Submit(p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "submit_failed")
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) handleGetGoal(w http.ResponseWriter, r *http.Request, _ string) {
	g, err := a.deps.Goals.Get(r.PathValue("id"))
	if errors.Is(err, goal.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get_failed")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleListEndpoints(w http.ResponseWriter, r *http.Request, _ string) {
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": a.deps.TaskRouter.Endpoints()})
}

func (a *API) handleListRepos(w http.ResponseWriter, r *http.Request, _ string) {
	repos, err := a.deps.Repos.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repos": repos})
}

func (a *API) handleRegisterRepo(w http.ResponseWriter, r *http.Request, _ string) {
	var in repo.Repo
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	rec, err := a.deps.Repos.Register(in)
	if errors.Is(err, repo.ErrInvalidName) {
		writeError(w, http.StatusBadRequest, "invalid_name")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "register_failed")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleGetRepo(w http.ResponseWriter, r *http.Request, _ string) {
	rec, err := a.deps.Repos.Get(r.PathValue("name"))
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrInvalidName) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get_failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleDeleteRepo(w http.ResponseWriter, r *http.Request, _ string) {
	err := a.deps.Repos.Delete(r.PathValue("name"))
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrInvalidName) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "delete_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

type createTokenRequest struct {
	AgentID string `json:"agent_id"`
}

func (a *API) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "missing_agent_id")
		return
	}
	token, err := a.deps.Auth.Generate(req.AgentID)
	if errors.Is(err, auth.ErrInvalidAgentID) {
		writeError(w, http.StatusBadRequest, "invalid_agent_id")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate_failed")
		return
	}
	a.logger.Info("token issued", "agent_id", req.AgentID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"agent_id": req.AgentID,
		"token":    token,
	})
}

func (a *API) handleListTokens(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tokens": a.deps.Auth.List()})
}

func (a *API) handleRevokeTokens(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	removed, err := a.deps.Auth.Revoke(agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "revoke_failed")
		return
	}
	a.logger.Info("tokens revoked", "agent_id", agentID, "count", removed)
	writeJSON(w, http.StatusOK, map[string]any{"revoked": removed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("httpapi: encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, slug string) {
	writeJSON(w, status, map[string]string{"error": slug})
}
