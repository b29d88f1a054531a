// Package httpapi exposes the messaging core over REST plus the
// websocket upgrade endpoint. Handlers translate between HTTP and
// the service layer; every error surfaces as a structured JSON body
// with a taxonomy code.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meshwire/messaging"
	"github.com/meshwire/messaging/conversation"
	"github.com/meshwire/messaging/message"
	"github.com/meshwire/messaging/metrics"
	"github.com/meshwire/messaging/offline"
	"github.com/meshwire/messaging/prekeys"
	"github.com/meshwire/messaging/ws"
)

// API wires the service layer into a chi router.
type API struct {
	msgs     *message.Service
	convs    conversation.Store
	keys     prekeys.Store
	queue    *offline.Queue
	registry *ws.Registry
	relay    *ws.Relay
	auth     *Authenticator
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *metrics.Set
}

// Config collects the API's dependencies.
type Config struct {
	Messages      *message.Service
	Conversations conversation.Store
	PreKeys       prekeys.Store
	Queue         *offline.Queue
	Registry      *ws.Registry
	// Relay is optional; single-node deployments run without it.
	Relay   *ws.Relay
	Auth    *Authenticator
	Logger  *slog.Logger
	Metrics *metrics.Set
}

// New builds the API.
func New(cfg Config) *API {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		msgs:     cfg.Messages,
		convs:    cfg.Conversations,
		keys:     cfg.PreKeys,
		queue:    cfg.Queue,
		registry: cfg.Registry,
		relay:    cfg.Relay,
		auth:     cfg.Auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Router assembles the route tree. Everything except the health probe
// sits behind token auth.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(a.auth.Middleware)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", a.createConversation)
			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", a.getConversation)
				r.Post("/archive", a.archiveConversation)
				r.Get("/members", a.listMembers)
				r.Post("/members", a.addMember)
				r.Delete("/members/{userID}", a.removeMember)
				r.Post("/messages", a.sendMessage)
				r.Get("/messages", a.messageHistory)
			})
		})

		r.Route("/messages/{messageID}", func(r chi.Router) {
			r.Get("/", a.getMessage)
			r.Patch("/", a.editMessage)
			r.Delete("/", a.deleteMessage)
		})

		r.Route("/devices", func(r chi.Router) {
			r.Post("/", a.registerDevice)
			r.Get("/", a.listDevices)
			r.Route("/{deviceID}", func(r chi.Router) {
				r.Delete("/", a.removeDevice)
				r.Get("/bundle", a.claimBundle)
				r.Get("/prekeys/count", a.oneTimeKeyCount)
				r.Post("/prekeys", a.uploadPreKeys)
				r.Put("/signed-prekey", a.uploadSignedPreKey)
			})
		})

		r.Route("/groups/{groupID}/sender-keys/{userID}/{deviceID}", func(r chi.Router) {
			r.Put("/", a.storeSenderKey)
			r.Get("/", a.getSenderKey)
		})

		r.Get("/ws", a.serveWS)
	})

	return r
}

func requestLogger(r *http.Request) *slog.Logger {
	return slog.Default().With("request_id", middleware.GetReqID(r.Context()))
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, a.logger.With("request_id", middleware.GetReqID(r.Context())), err)
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a UUID", messaging.ErrValidation, name)
	}
	return id, nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body", messaging.ErrValidation)
	}
	return nil
}

func caller(r *http.Request) Identity {
	id, _ := IdentityFrom(r.Context())
	return id
}

// --- conversations ---

type createConversationRequest struct {
	Kind        conversation.Kind        `json:"kind"`
	PrivacyMode conversation.PrivacyMode `json:"privacy_mode"`
	Members     []uuid.UUID              `json:"members"`
}

func (a *API) createConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	conv, err := a.convs.Create(r.Context(), conversation.CreateParams{
		Kind:        req.Kind,
		PrivacyMode: req.PrivacyMode,
		CreatedBy:   caller(r).UserID,
		Members:     req.Members,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (a *API) getConversation(w http.ResponseWriter, r *http.Request) {
	convID, err := pathUUID(r, "conversationID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ok, err := a.convs.IsMember(r.Context(), convID, caller(r).UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !ok {
		a.fail(w, r, fmt.Errorf("conversation %s: %w", convID, messaging.ErrUnauthorized))
		return
	}
	conv, err := a.convs.Get(r.Context(), convID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (a *API) archiveConversation(w http.ResponseWriter, r *http.Request) {
	convID, err := pathUUID(r, "conversationID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.convs.Archive(r.Context(), convID, caller(r).UserID); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listMembers(w http.ResponseWriter, r *http.Request) {
	convID, err := pathUUID(r, "conversationID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ok, err := a.convs.IsMember(r.Context(), convID, caller(r).UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !ok {
		a.fail(w, r, fmt.Errorf("conversation %s: %w", convID, messaging.ErrUnauthorized))
		return
	}
	members, err := a.convs.ListMembers(r.Context(), convID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

type addMemberRequest struct {
	UserID uuid.UUID         `json:"user_id"`
	Role   conversation.Role `json:"role"`
}

func (a *API) addMember(w http.ResponseWriter, r *http.Request) {
	convID, err := pathUUID(r, "conversationID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var req addMemberRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.Role == "" {
		req.Role = conversation.RoleMember
	}
	if err := a.convs.AddMember(r.Context(), convID, caller(r).UserID, req.UserID, req.Role); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) removeMember(w http.ResponseWriter, r *http.Request) {
	convID, err := pathUUID(r, "conversationID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	userID, err := pathUUID(r, "userID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.convs.RemoveMember(r.Context(), convID, caller(r).UserID, userID); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- messages ---

type sendMessageRequest struct {
	Plaintext         []byte `json:"plaintext,omitempty"`
	Ciphertext        []byte `json:"ciphertext,omitempty"`
	Nonce             []byte `json:"nonce,omitempty"`
	EncryptionVersion int16  `json:"encryption_version,omitempty"`
	IdempotencyKey    string `json:"idempotency_key,omitempty"`
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	convID, err := pathUUID(r, "conversationID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var req sendMessageRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	msg, err := a.msgs.Send(r.Context(), message.SendRequest{
		ConversationID:    convID,
		SenderID:          caller(r).UserID,
		Plaintext:         req.Plaintext,
		Ciphertext:        req.Ciphertext,
		Nonce:             req.Nonce,
		EncryptionVersion: req.EncryptionVersion,
		IdempotencyKey:    req.IdempotencyKey,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) getMessage(w http.ResponseWriter, r *http.Request) {
	msgID, err := pathUUID(r, "messageID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	msg, err := a.msgs.Get(r.Context(), msgID, caller(r).UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) messageHistory(w http.ResponseWriter, r *http.Request) {
	convID, err := pathUUID(r, "conversationID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	q := message.HistoryQuery{ConversationID: convID}
	if cursor := r.URL.Query().Get("before"); cursor != "" {
		seq, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil || seq < 1 {
			a.fail(w, r, fmt.Errorf("%w: before must be a positive sequence number", messaging.ErrValidation))
			return
		}
		q.BeforeSequence = seq
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			a.fail(w, r, fmt.Errorf("%w: limit must be a positive integer", messaging.ErrValidation))
			return
		}
		q.Limit = n
	}
	msgs, err := a.msgs.History(r.Context(), caller(r).UserID, q)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type editMessageRequest struct {
	Plaintext         []byte `json:"plaintext,omitempty"`
	Ciphertext        []byte `json:"ciphertext,omitempty"`
	Nonce             []byte `json:"nonce,omitempty"`
	EncryptionVersion int16  `json:"encryption_version,omitempty"`
}

func (a *API) editMessage(w http.ResponseWriter, r *http.Request) {
	msgID, err := pathUUID(r, "messageID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var req editMessageRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	msg, err := a.msgs.Edit(r.Context(), msgID, caller(r).UserID, message.Content{
		Plaintext:         req.Plaintext,
		Ciphertext:        req.Ciphertext,
		Nonce:             req.Nonce,
		EncryptionVersion: req.EncryptionVersion,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) deleteMessage(w http.ResponseWriter, r *http.Request) {
	msgID, err := pathUUID(r, "messageID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.msgs.Delete(r.Context(), msgID, caller(r).UserID); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- devices and prekeys ---

func (a *API) registerDevice(w http.ResponseWriter, r *http.Request) {
	var reg prekeys.Registration
	if err := decode(r, &reg); err != nil {
		a.fail(w, r, err)
		return
	}
	// Devices register for the authenticated user only.
	reg.UserID = caller(r).UserID
	if err := a.keys.RegisterDevice(r.Context(), reg); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	userID := caller(r).UserID
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			a.fail(w, r, fmt.Errorf("%w: user_id must be a UUID", messaging.ErrValidation))
			return
		}
		userID = id
	}
	devices, err := a.keys.ListDevices(r.Context(), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (a *API) removeDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathUUID(r, "deviceID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.keys.RemoveDevice(r.Context(), caller(r).UserID, deviceID); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) claimBundle(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathUUID(r, "deviceID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	bundle, err := a.keys.ClaimBundle(r.Context(), deviceID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (a *API) oneTimeKeyCount(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathUUID(r, "deviceID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	n, err := a.keys.OneTimeKeyCount(r.Context(), deviceID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

type uploadPreKeysRequest struct {
	PreKeys []prekeys.OneTimePreKey `json:"prekeys"`
}

func (a *API) uploadPreKeys(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathUUID(r, "deviceID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var req uploadPreKeysRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.keys.UploadPreKeys(r.Context(), deviceID, req.PreKeys); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) uploadSignedPreKey(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathUUID(r, "deviceID")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var key prekeys.SignedPreKey
	if err := decode(r, &key); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.keys.UploadSignedPreKey(r.Context(), deviceID, key); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- sender keys ---

func (a *API) senderKeyRef(r *http.Request) (prekeys.SenderKeyRef, error) {
	groupID, err := pathUUID(r, "groupID")
	if err != nil {
		return prekeys.SenderKeyRef{}, err
	}
	userID, err := pathUUID(r, "userID")
	if err != nil {
		return prekeys.SenderKeyRef{}, err
	}
	deviceID, err := pathUUID(r, "deviceID")
	if err != nil {
		return prekeys.SenderKeyRef{}, err
	}
	ok, err := a.convs.IsMember(r.Context(), groupID, caller(r).UserID)
	if err != nil {
		return prekeys.SenderKeyRef{}, err
	}
	if !ok {
		return prekeys.SenderKeyRef{}, fmt.Errorf("group %s: %w", groupID, messaging.ErrUnauthorized)
	}
	return prekeys.SenderKeyRef{GroupID: groupID, SenderUserID: userID, SenderDeviceID: deviceID}, nil
}

type senderKeyRequest struct {
	Distribution []byte `json:"distribution"`
}

func (a *API) storeSenderKey(w http.ResponseWriter, r *http.Request) {
	ref, err := a.senderKeyRef(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	// Only the sender distributes its own chain.
	if ref.SenderUserID != caller(r).UserID {
		a.fail(w, r, fmt.Errorf("sender key owner mismatch: %w", messaging.ErrUnauthorized))
		return
	}
	var req senderKeyRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.keys.StoreSenderKey(r.Context(), ref, req.Distribution); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getSenderKey(w http.ResponseWriter, r *http.Request) {
	ref, err := a.senderKeyRef(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	distribution, err := a.keys.GetSenderKey(r.Context(), ref)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, senderKeyRequest{Distribution: distribution})
}

// --- websocket ---

func (a *API) serveWS(w http.ResponseWriter, r *http.Request) {
	convID, err := uuid.Parse(r.URL.Query().Get("conversation_id"))
	if err != nil {
		a.fail(w, r, fmt.Errorf("%w: conversation_id must be a UUID", messaging.ErrValidation))
		return
	}
	id := caller(r)
	clientID := id.ClientID
	if clientID == "" {
		clientID = r.URL.Query().Get("client_id")
	}
	if clientID == "" {
		a.fail(w, r, fmt.Errorf("%w: client_id required for delivery tracking", messaging.ErrValidation))
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		a.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	session := ws.NewSession(ws.SessionConfig{
		Conn:           conn,
		ConversationID: convID,
		UserID:         id.UserID,
		ClientID:       clientID,
		Conversations:  a.convs,
		Queue:          a.queue,
		Registry:       a.registry,
		Relay:          a.relay,
		Logger:         a.logger,
		Metrics:        a.metrics,
	})
	if err := session.Run(r.Context()); err != nil {
		a.logger.Debug("session ended", "error", err,
			"conversation_id", convID, "user_id", id.UserID)
	}
}
