// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Errors
//
// Handlers return classified errors from pkg/apperr and hand them to
// WriteAppError, which picks the status code and writes only the public
// message:
//
//	alerts, err := store.List(ctx, userID, courseID)
//	if err != nil {
//		httputil.WriteAppError(w, err)
//		return
//	}
//	httputil.WriteSuccess(w, alerts)
//
// # Parameters
//
//	courseID, ok := httputil.ParsePathInt64OrError(w, r, "cid")
//	if !ok {
//		return
//	}
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//	)(router)
package httputil
