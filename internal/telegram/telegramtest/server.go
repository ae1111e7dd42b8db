// Package telegramtest provides an in-process fake of the Telegram Bot API
// for driving the real client library in tests.
package telegramtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Server fakes the Bot API methods the platform calls
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	webhooks map[string]string // token -> url
	secrets  map[string]string
	rejected map[string]string // token -> description returned on setWebhook
	invalid  map[string]bool   // tokens that fail getMe
	failing  map[string]bool   // methods that return 500
	queued   map[string][]any  // token -> updates returned by the next getUpdates
	hold     time.Duration     // how long getUpdates stays open without updates
	calls    []Call
	sent     []SentMessage
}

// Call is one recorded request
type Call struct {
	Token  string
	Method string
	Params map[string]string
}

// SentMessage is a recorded sendMessage call
type SentMessage struct {
	Token  string
	ChatID string
	Text   string
}

// NewServer starts a fake Bot API. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		webhooks: make(map[string]string),
		secrets:  make(map[string]string),
		rejected: make(map[string]string),
		invalid:  make(map[string]bool),
		failing:  make(map[string]bool),
		queued:   make(map[string][]any),
		hold:     50 * time.Millisecond,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Endpoint returns the tgbotapi endpoint format string for this server
func (s *Server) Endpoint() string {
	return s.URL + "/bot%s/%s"
}

// RejectWebhook makes setWebhook fail for token with description
func (s *Server) RejectWebhook(token, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[token] = description
}

// InvalidateToken makes getMe fail for token with 401
func (s *Server) InvalidateToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid[token] = true
}

// FailMethod makes every call of method fail with a 500
func (s *Server) FailMethod(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[method] = true
}

// QueueUpdate makes the next getUpdates for token return update
func (s *Server) QueueUpdate(token string, update any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[token] = append(s.queued[token], update)
}

// HoldUpdates makes getUpdates stay open for d before answering, like a
// real long poll with no traffic. It returns early if the client aborts.
func (s *Server) HoldUpdates(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = d
}

// ClearWebhook simulates Telegram dropping a webhook on its own
func (s *Server) ClearWebhook(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.webhooks, token)
}

// WebhookURL returns the URL currently registered for token
func (s *Server) WebhookURL(token string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.webhooks[token]
}

// WebhookSecret returns the secret_token registered for token
func (s *Server) WebhookSecret(token string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secrets[token]
}

// Calls returns the recorded calls of method
func (s *Server) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	var calls []Call
	for _, c := range s.calls {
		if c.Method == method {
			calls = append(calls, c)
		}
	}
	return calls
}

// Sent returns all recorded sendMessage calls
func (s *Server) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	// Path is /bot<token>/<method>
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/bot"), "/", 2)
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	token, method := parts[0], parts[1]

	_ = r.ParseForm()
	params := make(map[string]string, len(r.Form))
	for k := range r.Form {
		params[k] = r.Form.Get(k)
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{Token: token, Method: method, Params: params})
	invalid := s.invalid[token]
	failing := s.failing[method]
	s.mu.Unlock()

	if invalid {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if failing {
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	switch method {
	case "getMe":
		writeResult(w, map[string]any{
			"id":         12345,
			"is_bot":     true,
			"first_name": "Store Bot",
			"username":   "store_bot",
		})
	case "setWebhook":
		s.mu.Lock()
		reason, rejected := s.rejected[token]
		if !rejected {
			s.webhooks[token] = params["url"]
			s.secrets[token] = params["secret_token"]
		}
		s.mu.Unlock()
		if rejected {
			writeError(w, http.StatusBadRequest, reason)
			return
		}
		writeResult(w, true)
	case "deleteWebhook":
		s.ClearWebhook(token)
		writeResult(w, true)
	case "getWebhookInfo":
		writeResult(w, map[string]any{
			"url":                    s.WebhookURL(token),
			"has_custom_certificate": false,
			"pending_update_count":   0,
		})
	case "getUpdates":
		s.mu.Lock()
		hold := s.hold
		s.mu.Unlock()
		select {
		case <-r.Context().Done():
			return
		case <-time.After(hold):
		}
		s.mu.Lock()
		updates := append([]any{}, s.queued[token]...)
		delete(s.queued, token)
		s.mu.Unlock()
		writeResult(w, updates)
	case "sendMessage":
		s.mu.Lock()
		s.sent = append(s.sent, SentMessage{Token: token, ChatID: params["chat_id"], Text: params["text"]})
		s.mu.Unlock()
		writeResult(w, map[string]any{
			"message_id": len(s.Sent()),
			"date":       time.Now().Unix(),
			"chat":       map[string]any{"id": 1, "type": "private"},
			"text":       params["text"],
		})
	case "answerCallbackQuery":
		writeResult(w, true)
	default:
		writeError(w, http.StatusNotFound, "Not Found: method not found")
	}
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func writeError(w http.ResponseWriter, code int, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":          false,
		"error_code":  code,
		"description": description,
	})
}
