// Package checkin tracks staff check-in sessions and prompts staff who
// stayed checked in past the scheduled end of their session.
package checkin
