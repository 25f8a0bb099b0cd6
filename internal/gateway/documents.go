package gateway

import (
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/l0p7/ragproxy/internal/gateway/cache"
	"github.com/l0p7/ragproxy/internal/gateway/upstream"
)

// uploadDocument streams the bounded multipart body through to the backend
// and retires the cached listing on success.
func (g *Gateway) uploadDocument(w http.ResponseWriter, r *http.Request) {
	scope := g.begin(w, r, "documents_upload")
	if !g.admit(w, r, scope) {
		return
	}

	body, ok := g.readBody(w, r, scope, g.uploadMaxBytes)
	if !ok {
		return
	}

	ctx := r.Context()
	resp, err := g.callBackend(ctx, scope, upstream.Request{
		Method: http.MethodPost,
		Path:   "/documents/upload",
		Header: g.forwardHeaders(r, scope.correlationID),
		Body:   body,
	})
	if err != nil {
		g.finish(scope, g.writeBackendFailure(w, scope, err), false)
		return
	}

	if is2xx(resp.Status) {
		// The stored listing no longer reflects the corpus.
		g.cache.Drop(ctx, cache.ListKey)
	}
	g.relayBackend(w, scope, resp)
	g.finish(scope, resp.Status, false)
}

// listDocuments serves the default listing cache-first under its fixed key.
// Explicit pagination goes straight to the backend, otherwise one page could
// be replayed for another.
func (g *Gateway) listDocuments(w http.ResponseWriter, r *http.Request) {
	scope := g.begin(w, r, "documents_list")
	if !g.admit(w, r, scope) {
		return
	}

	ctx := r.Context()
	cacheable := len(r.URL.Query()) == 0
	if cacheable {
		if entry, hit := g.cache.Lookup(ctx, cache.FamilyDocuments, cache.ListKey); hit {
			g.replayCached(w, scope, entry)
			g.finish(scope, entry.Status, true)
			return
		}
	}

	resp, err := g.callBackend(ctx, scope, upstream.Request{
		Method: http.MethodGet,
		Path:   "/documents",
		Query:  r.URL.Query(),
		Header: g.forwardHeaders(r, scope.correlationID),
	})
	if err != nil {
		g.finish(scope, g.writeBackendFailure(w, scope, err), false)
		return
	}

	if cacheable && is2xx(resp.Status) {
		g.cache.Store(ctx, cache.FamilyDocuments, cache.ListKey, resp.Status, resp.ContentType(), resp.Body)
	}
	g.relayBackend(w, scope, resp)
	g.finish(scope, resp.Status, false)
}

func (g *Gateway) getDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	g.proxyPassThrough(w, r, "documents_get", "/documents/"+url.PathEscape(id), false)
}

// deleteDocument forwards the delete and, when the backend confirms it,
// retires the cached listing and rolls the chat version over: cached answers
// may cite the removed document. A backend 404 passes through verbatim.
func (g *Gateway) deleteDocument(w http.ResponseWriter, r *http.Request) {
	scope := g.begin(w, r, "documents_delete")
	if !g.admit(w, r, scope) {
		return
	}

	ctx := r.Context()
	id := mux.Vars(r)["id"]
	resp, err := g.callBackend(ctx, scope, upstream.Request{
		Method: http.MethodDelete,
		Path:   "/documents/" + url.PathEscape(id),
		Header: g.forwardHeaders(r, scope.correlationID),
	})
	if err != nil {
		g.finish(scope, g.writeBackendFailure(w, scope, err), false)
		return
	}

	if is2xx(resp.Status) {
		g.cache.Drop(ctx, cache.ListKey)
		g.cache.Invalidate(ctx, cache.FamilyChat)
	}
	g.relayBackend(w, scope, resp)
	g.finish(scope, resp.Status, false)
}
