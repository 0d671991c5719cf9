package api

import (
	"net/http"

	"github.com/helpme/helpme/pkg/apperr"
	"github.com/helpme/helpme/pkg/httputil"
	"github.com/helpme/helpme/pkg/observability"
)

// writeError answers with the public form of err. Internal failures are
// logged with the request-scoped logger since their detail never reaches the
// client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.KindOf(err) == apperr.Internal {
		observability.FromContext(r.Context()).WithError(err).
			WithField("path", r.URL.Path).
			Error("request failed")
	}
	httputil.WriteAppError(w, err)
}
