// Package unread tracks, per user and course, which async questions have
// changed since the user last looked at them.
//
// A marker (course, user, question) with read_latest=false means the user
// has not seen the latest state. Mutations reset the markers of every
// watcher except the actor inside the mutation's transaction; viewing the
// question sets the viewer's marker back to true.
package unread
