// Package protocol holds the event names and payloads exchanged between jam
// clients and the relay.
package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"
)

const (
	EventJoin      = "jam:join"
	EventJoined    = "jam:joined"
	EventLeave     = "jam:leave"
	EventPlay      = "jam:play"
	EventPause     = "jam:pause"
	EventSeek      = "jam:seek"
	EventSync      = "jam:sync"
	EventHeartbeat = "jam:heartbeat"
	EventHost      = "jam:host"
	EventListeners = "jam:listeners"
	EventError     = "jam:error"
)

type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type Output struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type JoinPayload struct {
	JamID string `json:"jam_id" validate:"required,max=64,jamid"`
	Token string `json:"token" validate:"required"`
}

type JoinedPayload struct {
	JamID  string `json:"jam_id"`
	UserID string `json:"user_id"`
	HostID string `json:"host_id"`
}

// CommandPayload is sent by the authority for play, pause and seek. Seeks
// leave SongID empty.
type CommandPayload struct {
	JamID    string  `json:"jam_id" validate:"required,max=64,jamid"`
	Token    string  `json:"token" validate:"required"`
	SongID   int64   `json:"song_id,omitempty" validate:"gte=0"`
	Position Seconds `json:"position"`
}

type LeavePayload struct {
	JamID string `json:"jam_id"`
}

type HostPayload struct {
	UserID string `json:"user_id"`
}

type ListenersPayload struct {
	Count   int      `json:"count"`
	Members []string `json:"members"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// State is the playback snapshot carried by play, pause, seek, sync and
// heartbeat. Position is the position at ServerTime (unix seconds).
// StartedAt is null while paused. BasePosition is accepted from older
// relays when Position is absent.
type State struct {
	SongID       int64    `json:"song_id"`
	Position     *Seconds `json:"position,omitempty"`
	BasePosition *Seconds `json:"base_position,omitempty"`
	StartedAt    *string  `json:"started_at"`
	Paused       bool     `json:"paused"`
	ServerTime   *Seconds `json:"server_time,omitempty"`
}

func NewState(songID int64, position float64, paused bool, now time.Time) State {
	pos := Seconds(position)
	serverTime := Seconds(float64(now.UnixMilli()) / 1000)
	s := State{
		SongID:     songID,
		Position:   &pos,
		Paused:     paused,
		ServerTime: &serverTime,
	}
	if !paused {
		started := now.Add(-time.Duration(position * float64(time.Second))).UTC().Format(time.RFC3339Nano)
		s.StartedAt = &started
	}

	return s
}

// Base is the reported position, never NaN.
func (s State) Base() float64 {
	switch {
	case s.Position != nil:
		return s.Position.Float()
	case s.BasePosition != nil:
		return s.BasePosition.Float()
	}

	return 0
}

// Timestamp is the moment Base refers to, or nil when the state must not
// be extrapolated.
func (s State) Timestamp() *float64 {
	if s.Paused || s.StartedAt == nil || s.ServerTime == nil {
		return nil
	}
	ts := s.ServerTime.Float()

	return &ts
}

// Seconds is a lenient JSON number. Strings holding numbers are accepted and
// anything unparseable or non-finite decodes to 0.
type Seconds float64

func (s Seconds) Float() float64 {
	v := float64(s)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}

	return v
}

func (s Seconds) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, s.Float(), 'f', -1, 64), nil
}

func (s *Seconds) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		data = data[1 : len(data)-1]
	}

	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		*s = 0
		return nil
	}
	*s = Seconds(v)

	return nil
}
