// Package auth provides authentication and authorisation for the placesd
// admin API.
//
// Operators are declared in configuration with an Argon2id password hash
// and a role. A successful login yields a short-lived HS256 JWT carrying
// the role; every request is then authorised by signature and a static
// role-permission table, with no database lookup.
//
// Roles:
//   - viewer: read broker state, sync results and recent history
//   - operator: viewer plus triggering syncs and recording visits
//   - admin: everything, including the live event stream
package auth
