package room

import "errors"

var (
	ErrPlayerNotFound = errors.New("player not found")
	ErrMemberNotFound = errors.New("member not found")
	ErrHostNotFound   = errors.New("host not found")
)
