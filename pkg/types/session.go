package types

import "time"

// a session keeps a member registered in the replicated view
// the member heartbeats to renew it, after it expires the member departs
type Session struct {
	Member    Member
	ExpiresAt time.Duration //monotonic time from server start
	TTL       time.Duration
}

// checks if the session has expired given the elapsed time since server start
func (s *Session) IsExpired(elapsed time.Duration) bool {
	return elapsed >= s.ExpiresAt
}
