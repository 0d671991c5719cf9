// Package auth provides caller identity and API token management for HelpMe.
//
// # Overview
//
// Authentication is upstream of authorization: this package answers "who is
// calling", the guard package answers "may they". Identities are bearer
// tokens stored as SHA256 hashes in api_tokens.
//
// Token format: helpme_[base64url(32 random bytes)]
//
//	manager := auth.NewTokenManager(db)
//	token, plaintext, err := manager.CreateToken(ctx, userID, "laptop", nil)
//	// plaintext is shown once; only the hash is stored
//
//	ac, err := manager.ValidateToken(ctx, plaintext)
//	if apperr.KindOf(err) == apperr.Authentication {
//		// 401
//	}
//
// # Roles
//
// OrgRole (member, admin) is global to a user's single organization.
// CourseRole (student, ta, professor) is scoped to one course. The empty
// string of either type means "none" and never satisfies a requirement.
package auth
