// Package roles resolves a user's organization role and course role and
// manages the memberships behind them.
//
// Resolution is read-only and cheap: one indexed query joins the user, their
// organization membership and their enrollment in the target course. A user
// who does not exist is a not-found error; a user without a membership simply
// has the "none" role, which never satisfies a requirement.
//
//	resolver := roles.NewCachedResolver(roles.NewStore(db), 10000, 30*time.Second, metrics)
//	r, err := resolver.Resolve(ctx, userID, roles.Target{CourseID: courseID})
//
// Membership changes go through Memberships, which invalidates the cache for
// the affected user and, on unenrollment, runs hooks that clear the user's
// alerts and unread markers for the course inside the same transaction.
package roles
