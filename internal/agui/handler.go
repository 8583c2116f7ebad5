package agui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/stellarlinkco/citypulse/internal/logging"
	"github.com/stellarlinkco/citypulse/internal/pairing"
)

const (
	DefaultPath = "/v1/agui"
	LegacyPath  = "/v1/clawg-ui"

	maxBodyBytes = 1 << 20
)

// DispatchRequest is one agent run to execute.
type DispatchRequest struct {
	SessionKey   string
	ThreadID     string
	RunID        string
	DeviceID     string
	Body         string
	SystemPrompt string
}

// ReplySink receives the agent's text output. Both methods report whether
// the text was delivered.
type ReplySink interface {
	BlockReply(text string) bool
	FinalReply(text string) bool
}

// Dispatcher runs the agent for a request. Tool activity is reported
// through the Sessions hooks under req.SessionKey. ctx is cancelled when
// the client disconnects.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest, replies ReplySink) error
}

// PairingStore is the part of the pairing store the handler needs.
type PairingStore interface {
	UpsertRequest(ctx context.Context, deviceID string) (string, error)
	IsAllowed(ctx context.Context, deviceID string) (bool, error)
}

type Options struct {
	Secret     string
	Pairing    PairingStore
	AllowFrom  []string
	Limiter    *rate.Limiter
	Dispatcher Dispatcher
	Sessions   *Sessions
	// ApproveCommand prefixes the pairing code in the instructions sent
	// to new devices.
	ApproveCommand string
}

type Handler struct {
	secret     string
	pairing    PairingStore
	allowFrom  map[string]bool
	limiter    *rate.Limiter
	dispatcher Dispatcher
	sessions   *Sessions
	approveCmd string
	log        *logrus.Entry
}

func NewHandler(opts Options) *Handler {
	h := &Handler{
		secret:     opts.Secret,
		pairing:    opts.Pairing,
		allowFrom:  make(map[string]bool, len(opts.AllowFrom)),
		limiter:    opts.Limiter,
		dispatcher: opts.Dispatcher,
		sessions:   opts.Sessions,
		approveCmd: opts.ApproveCommand,
		log:        logging.For("agui"),
	}
	for _, e := range opts.AllowFrom {
		if n := pairing.NormalizeEntry(e); n != "" {
			h.allowFrom[n] = true
		}
	}
	if h.sessions == nil {
		h.sessions = NewSessions()
	}
	if h.approveCmd == "" {
		h.approveCmd = "citypulse pairing approve"
	}
	return h
}

// Sessions exposes the hook registry dispatchers report tool calls to.
func (h *Handler) Sessions() *Sessions { return h.sessions }

// Mount registers the handler for every method on each path; non-POST
// requests get 405.
func (h *Handler) Mount(r gin.IRouter, paths ...string) {
	if len(paths) == 0 {
		paths = []string{DefaultPath, LegacyPath}
	}
	for _, p := range paths {
		r.Any(p, h.Handle)
	}
}

type apiError struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Pairing *pairingPayload `json:"pairing,omitempty"`
}

type pairingPayload struct {
	PairingCode  string `json:"pairingCode"`
	Token        string `json:"token"`
	Instructions string `json:"instructions"`
}

func sendError(c *gin.Context, status int, e apiError) {
	c.AbortWithStatusJSON(status, gin.H{"error": e})
}

func (h *Handler) Handle(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.Header("Allow", http.MethodPost)
		c.Data(http.StatusMethodNotAllowed, "text/plain; charset=utf-8", []byte("Method Not Allowed"))
		c.Abort()
		return
	}
	if h.secret == "" {
		sendError(c, http.StatusInternalServerError, apiError{Type: "server_error", Message: "Gateway not configured"})
		return
	}

	ctx := c.Request.Context()
	token := bearerToken(c.GetHeader("Authorization"))
	if token == "" {
		h.initiatePairing(c)
		return
	}

	deviceID, ok := VerifyDeviceToken(token, h.secret)
	if !ok {
		sendError(c, http.StatusUnauthorized, apiError{Type: "unauthorized", Message: "Authentication required"})
		return
	}
	if !h.allowed(ctx, deviceID) {
		sendError(c, http.StatusForbidden, apiError{
			Type:    "pairing_pending",
			Message: "Device pending approval. Ask the owner to approve using the pairing code from your initial pairing response.",
		})
		return
	}

	input, err := readInput(c)
	if err != nil {
		sendError(c, http.StatusBadRequest, apiError{Type: "invalid_request_error", Message: err.Error()})
		return
	}
	if !hasRole(input.Messages, "user", "tool") {
		sendError(c, http.StatusBadRequest, apiError{
			Type:    "invalid_request_error",
			Message: "At least one user or tool message is required in `messages`.",
		})
		return
	}
	body, systemPrompt := BuildBody(input.Messages)
	if strings.TrimSpace(body) == "" {
		sendError(c, http.StatusBadRequest, apiError{
			Type:    "invalid_request_error",
			Message: "Could not extract a prompt from `messages`.",
		})
		return
	}
	body = AppendContext(body, input.Context)

	threadID := input.ThreadID
	if threadID == "" {
		threadID = "clawg-ui-" + uuid.NewString()
	}
	runID := input.RunID
	if runID == "" {
		runID = "clawg-ui-run-" + uuid.NewString()
	}

	h.stream(c, DispatchRequest{
		SessionKey:   SessionKey(threadID),
		ThreadID:     threadID,
		RunID:        runID,
		DeviceID:     deviceID,
		Body:         body,
		SystemPrompt: systemPrompt,
	}, input.Tools)
}

func (h *Handler) initiatePairing(c *gin.Context) {
	tooMany := apiError{
		Type:    "rate_limit",
		Message: "Too many pending pairing requests. Please wait for existing requests to expire (10 minutes) or ask the owner to approve/reject them.",
	}
	if h.limiter != nil && !h.limiter.Allow() {
		sendError(c, http.StatusTooManyRequests, tooMany)
		return
	}
	if h.pairing == nil {
		sendError(c, http.StatusInternalServerError, apiError{Type: "server_error", Message: "Pairing not configured"})
		return
	}

	deviceID := uuid.NewString()
	code, err := h.pairing.UpsertRequest(c.Request.Context(), deviceID)
	if err != nil {
		h.log.WithError(err).Error("pairing request failed")
		sendError(c, http.StatusInternalServerError, apiError{Type: "server_error", Message: "Pairing request failed"})
		return
	}
	if code == "" {
		sendError(c, http.StatusTooManyRequests, tooMany)
		return
	}

	h.log.WithFields(logging.Fields{"device": deviceID, "code": code}).Info("pairing requested")
	sendError(c, http.StatusForbidden, apiError{
		Type:    "pairing_pending",
		Message: "Device pending approval",
		Pairing: &pairingPayload{
			PairingCode:  code,
			Token:        CreateDeviceToken(h.secret, deviceID),
			Instructions: fmt.Sprintf("Save this token for use as a Bearer token and ask the owner to approve: %s %s", h.approveCmd, code),
		},
	})
}

func (h *Handler) allowed(ctx context.Context, deviceID string) bool {
	id := strings.ToLower(deviceID)
	if h.allowFrom[id] {
		return true
	}
	if h.pairing == nil {
		return false
	}
	ok, err := h.pairing.IsAllowed(ctx, id)
	if err != nil {
		h.log.WithError(err).Warn("allow-list lookup failed")
		return false
	}
	return ok
}

func readInput(c *gin.Context) (RunAgentInput, error) {
	var input RunAgentInput
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return input, errors.New("Request body too large")
		}
		return input, fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(data, &input); err != nil {
		return input, errors.New("Invalid JSON body")
	}
	return input, nil
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func (h *Handler) stream(c *gin.Context, req DispatchRequest, tools []Tool) {
	out := newSSEWriter(c.Writer)
	r := &run{
		out:       out,
		sessions:  h.sessions,
		key:       req.SessionKey,
		threadID:  req.ThreadID,
		runID:     req.RunID,
		messageID: "msg-" + uuid.NewString(),
	}

	release := h.sessions.Open(req.SessionKey, tools, out.write, r.messageID)
	defer release()

	out.write(Event{Type: EventRunStarted, ThreadID: req.ThreadID, RunID: req.RunID})

	log := h.log.WithFields(logging.Fields{"session": req.SessionKey, "run": req.RunID})
	log.WithField("body", truncate(req.Body, 120)).Debug("dispatch")

	if h.dispatcher == nil {
		r.fail(errors.New("no dispatcher configured"))
		return
	}
	if err := h.dispatcher.Dispatch(c.Request.Context(), req, r); err != nil {
		log.WithError(err).Error("dispatch failed")
		r.fail(err)
		return
	}
	r.finish()
}

// run tracks the open run and text message of one stream. A run in which a
// tool fired is finished before any text is written, and text continues in
// a fresh run.
type run struct {
	mu             sync.Mutex
	out            *sseWriter
	sessions       *Sessions
	key            string
	threadID       string
	runID          string
	messageID      string
	messageStarted bool
	done           bool
}

func (r *run) BlockReply(text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done || r.out.isClosed() {
		return false
	}
	text = strings.TrimSpace(text)
	if text == "" || r.sessions.clientToolCalled(r.key) {
		return false
	}
	r.writeText(text)
	return true
}

func (r *run) FinalReply(text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done || r.out.isClosed() {
		return false
	}
	if text = strings.TrimSpace(text); text != "" && !r.sessions.clientToolCalled(r.key) {
		r.writeText(text)
	}
	r.closeRun()
	return true
}

func (r *run) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.done {
		r.closeRun()
	}
}

func (r *run) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.out.write(Event{Type: EventRunError, Message: err.Error()})
	r.done = true
	r.out.close()
}

func (r *run) writeText(text string) {
	r.splitIfToolFired()
	if !r.messageStarted {
		r.messageStarted = true
		r.out.write(Event{Type: EventTextMessageStart, MessageID: r.messageID, RunID: r.runID, Role: "assistant"})
	}
	r.out.write(Event{Type: EventTextMessageContent, MessageID: r.messageID, RunID: r.runID, Delta: text + "\n\n"})
}

func (r *run) splitIfToolFired() {
	if !r.sessions.toolFired(r.key) {
		return
	}
	if r.messageStarted {
		r.out.write(Event{Type: EventTextMessageEnd, MessageID: r.messageID, RunID: r.runID})
		r.messageStarted = false
	}
	r.out.write(Event{Type: EventRunFinished, ThreadID: r.threadID, RunID: r.runID})

	r.runID = "clawg-ui-run-" + uuid.NewString()
	r.messageID = "msg-" + uuid.NewString()
	r.sessions.clearToolFired(r.key)
	r.sessions.setMessageID(r.key, r.messageID)
	r.out.write(Event{Type: EventRunStarted, ThreadID: r.threadID, RunID: r.runID})
}

func (r *run) closeRun() {
	if r.messageStarted {
		r.out.write(Event{Type: EventTextMessageEnd, MessageID: r.messageID, RunID: r.runID})
		r.messageStarted = false
	}
	r.out.write(Event{Type: EventRunFinished, ThreadID: r.threadID, RunID: r.runID})
	r.done = true
	r.out.close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
