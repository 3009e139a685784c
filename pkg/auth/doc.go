// Package auth defines the opaque authorization predicate the bundle manager
// consults when staging and scheduling. Authentication itself lives outside
// the core; this package only carries the yes/no answers and their messages.
package auth
