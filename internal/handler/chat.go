package handler

import (
	"net/http"
	nethttputil "net/http/httputil"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/session-lifecycle/internal/errors"
	"github.com/openclaw/session-lifecycle/internal/middleware"
)

// ChatProxy forwards gated chat turns to the chat backend. The path below
// /chat is kept and the session id travels in the X-Session-ID header.
type ChatProxy struct {
	proxy *nethttputil.ReverseProxy
}

func NewChatProxy(upstream *url.URL) *ChatProxy {
	proxy := &nethttputil.ReverseProxy{
		Rewrite: func(pr *nethttputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
		},
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Error().Err(err).Str("upstream", upstream.Host).Msg("chat upstream request failed")
			writeError(w, apperrors.External("chat", err))
		},
	}
	return &ChatProxy{proxy: proxy}
}

func (p *ChatProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionIDFromRequest(r)

	out := r.Clone(r.Context())
	out.URL.Path = "/" + chi.URLParam(r, "*")
	out.URL.RawPath = ""
	out.Header.Set(middleware.SessionIDHeader, sessionID)

	p.proxy.ServeHTTP(w, out)
}
