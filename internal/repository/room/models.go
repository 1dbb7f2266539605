package room

// Player is the last playback state the host reported. Position is the
// position at UpdatedAt (unix milliseconds).
type Player struct {
	SongID    int64   `redis:"song_id"`
	Position  float64 `redis:"position"`
	Paused    bool    `redis:"paused"`
	UpdatedAt int64   `redis:"updated_at"`
}

type SetPlayerParams struct {
	RoomID    string
	SongID    int64
	Position  float64
	Paused    bool
	UpdatedAt int64
}

type AddMemberParams struct {
	RoomID   string
	MemberID string
}

type RemoveMemberParams struct {
	RoomID   string
	MemberID string
}

type SetHostParams struct {
	RoomID   string
	MemberID string
}
