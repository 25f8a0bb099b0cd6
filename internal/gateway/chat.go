package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/l0p7/ragproxy/internal/gateway/cache"
	"github.com/l0p7/ragproxy/internal/gateway/upstream"
)

// chatQueryRequest carries only the fields the gateway checks. The raw body
// stays opaque and is forwarded to the backend untouched.
type chatQueryRequest struct {
	Question    string   `json:"question" validate:"required"`
	TopK        *int     `json:"top_k" validate:"omitempty,min=1,max=20"`
	Temperature *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	Stream      bool     `json:"stream"`
}

// chatQuery answers from the cache when it can and otherwise proxies to the
// backend, storing successful replies under the current chat version.
func (g *Gateway) chatQuery(w http.ResponseWriter, r *http.Request) {
	scope := g.begin(w, r, "chat_query")
	if !g.admit(w, r, scope) {
		return
	}

	body, ok := g.readBody(w, r, scope, maxChatBodyBytes)
	if !ok {
		return
	}

	var query chatQueryRequest
	if err := json.Unmarshal(body, &query); err != nil {
		g.reject(w, scope, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	if query.Stream {
		g.reject(w, scope, http.StatusBadRequest, "streaming_unsupported", "streaming responses are not supported, set stream to false")
		return
	}
	if strings.TrimSpace(query.Question) == "" {
		g.reject(w, scope, http.StatusBadRequest, "invalid_request", "question must not be blank")
		return
	}
	if err := g.validate.Struct(&query); err != nil {
		g.reject(w, scope, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return
	}

	ctx := r.Context()
	key := g.cache.ChatKey(ctx, body)
	if entry, hit := g.cache.Lookup(ctx, cache.FamilyChat, key); hit {
		g.replayCached(w, scope, entry)
		g.finish(scope, entry.Status, true)
		return
	}

	resp, err := g.callBackend(ctx, scope, upstream.Request{
		Method: http.MethodPost,
		Path:   "/chat/query",
		Header: g.forwardHeaders(r, scope.correlationID),
		Body:   body,
	})
	if err != nil {
		g.finish(scope, g.writeBackendFailure(w, scope, err), false)
		return
	}

	if is2xx(resp.Status) {
		g.cache.Store(ctx, cache.FamilyChat, key, resp.Status, resp.ContentType(), resp.Body)
	}
	g.relayBackend(w, scope, resp)
	g.finish(scope, resp.Status, false)
}

func (g *Gateway) chatHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["conversationId"]
	g.proxyPassThrough(w, r, "chat_history", "/chat/history/"+url.PathEscape(conversationID), false)
}

func (g *Gateway) listConversations(w http.ResponseWriter, r *http.Request) {
	g.proxyPassThrough(w, r, "chat_conversations", "/chat/conversations", false)
}

func (g *Gateway) createConversation(w http.ResponseWriter, r *http.Request) {
	g.proxyPassThrough(w, r, "chat_conversations", "/chat/conversations", true)
}

func validationMessage(err error) string {
	var violations validator.ValidationErrors
	if errors.As(err, &violations) && len(violations) > 0 {
		switch violations[0].StructField() {
		case "Question":
			return "question must not be blank"
		case "TopK":
			return "top_k must be between 1 and 20"
		case "Temperature":
			return "temperature must be between 0 and 2"
		}
	}
	return "request failed validation"
}
