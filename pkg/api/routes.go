package api

// Route names. They key the guard policy, the metrics route label and any
// YAML policy override, so renaming one is a breaking change.
const (
	RouteAlertsList         = "alerts.list"
	RouteAlertsRead         = "alerts.read"
	RouteUnreadGet          = "unread.get"
	RouteNotificationsWS    = "notifications.ws"
	RouteQuestionsCreate    = "questions.create"
	RouteQuestionsGet       = "questions.get"
	RouteQuestionsUpdate    = "questions.update"
	RouteQuestionsDelete    = "questions.delete"
	RouteQuestionsComment   = "questions.comment"
	RouteDocumentsProcessed = "documents.processed"
	RouteCheckinStart       = "checkin.start"
	RouteCheckinEnd         = "checkin.end"
	RouteMembersEnroll      = "members.enroll"
	RouteMembersUpdate      = "members.update"
	RouteMembersRemove      = "members.remove"
	RouteOrgMembersAdd      = "orgmembers.add"
	RouteOrgMembersRemove   = "orgmembers.remove"
	RouteMeRoles            = "me.roles"
)
