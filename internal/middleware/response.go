package middleware

import (
	"net/http"

	"github.com/openclaw/session-lifecycle/internal/httputil"
)

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}
