package jam

// RoomSession is the room the local user is in. UserID is the identity the
// relay assigned to this connection.
type RoomSession struct {
	RoomID          string
	UserID          string
	AuthorityUserID *string
	IsAuthority     bool
	Members         []string
}

func (s *RoomSession) setAuthority(userID string) {
	s.AuthorityUserID = &userID
	s.IsAuthority = userID != "" && userID == s.UserID
}

func (s *RoomSession) clone() RoomSession {
	out := *s
	if s.AuthorityUserID != nil {
		id := *s.AuthorityUserID
		out.AuthorityUserID = &id
	}
	out.Members = append([]string(nil), s.Members...)

	return out
}
