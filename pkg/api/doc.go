// Package api provides the HelpMe HTTP API server.
//
// # Overview
//
// Every route lives under /api/v1, requires a bearer token and carries a
// gorilla/mux route name. The name is the key into the guard policy: the
// guard middleware looks it up, resolves the caller's roles for the course
// or organization in the path, and either forwards the request with the
// resolved roles in its context or answers 401/403. A route without a name
// or without a policy entry is never reachable.
//
// # Routes
//
//	alerts.list            GET    /courses/{cid}/alerts
//	alerts.read            PATCH  /courses/{cid}/alerts/{id}
//	unread.get             GET    /courses/{cid}/unread
//	notifications.snapshot GET    /courses/{cid}/notifications
//	notifications.ws       GET    /notifications/ws
//	questions.create       POST   /courses/{cid}/async-questions
//	questions.get          GET    /courses/{cid}/async-questions/{qid}
//	questions.update       PATCH  /courses/{cid}/async-questions/{qid}
//	questions.delete       DELETE /courses/{cid}/async-questions/{qid}
//	questions.comment      POST   /courses/{cid}/async-questions/{qid}/comments
//	documents.processed    POST   /courses/{cid}/documents/{docId}/processed
//	checkin.start          POST   /courses/{cid}/checkin
//	checkin.end            POST   /courses/{cid}/checkout
//	members.enroll         POST   /courses/{cid}/members
//	members.update         PATCH  /courses/{cid}/members/{uid}
//	members.remove         DELETE /courses/{cid}/members/{uid}
//	orgmembers.add         POST   /organizations/{oid}/members
//	orgmembers.remove      DELETE /organizations/{oid}/members/{uid}
//	me.roles               GET    /me/roles
//
// DefaultPolicy holds the role requirements of each; a YAML file loaded with
// guard.Policy.LoadFile may override them by name.
//
// # Usage
//
//	server := api.NewServer(api.Deps{
//	    Auth:      middleware.NewAuthMiddleware(tokens, logger),
//	    Guard:     guard.New(api.DefaultPolicy(), resolver, logger, metrics),
//	    Alerts:    alertStore,
//	    ...
//	})
//	http.ListenAndServe(":8080", server)
//
// Handler groups implement RouteRegistrar; extra groups can be mounted under
// the prefix with Server.RegisterRoutes, and must name their routes.
package api
