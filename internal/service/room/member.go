package room

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/krew/jam/internal/repository/room"
)

type IssueGuestTokenParams struct {
	Username string
}

type IssueGuestTokenResponse struct {
	UserID string
	Token  string
}

// IssueGuestToken creates a new identity and a credential carrying it.
func (s service) IssueGuestToken(ctx context.Context, params *IssueGuestTokenParams) (IssueGuestTokenResponse, error) {
	userID := uuid.NewString()
	token, err := s.generateJWT(userID, params.Username)
	if err != nil {
		return IssueGuestTokenResponse{}, fmt.Errorf("failed to generate token: %w", err)
	}

	s.logger.InfoContext(ctx, "guest token issued", "user_id", userID)

	return IssueGuestTokenResponse{
		UserID: userID,
		Token:  token,
	}, nil
}

func (s service) getConns(ctx context.Context, roomID string, exclude *websocket.Conn) ([]*websocket.Conn, error) {
	memberIDs, err := s.roomRepo.GetMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}

	conns := make([]*websocket.Conn, 0, len(memberIDs))
	for _, memberID := range memberIDs {
		conn, err := s.connRepo.GetConn(memberID)
		if err != nil {
			s.logger.DebugContext(ctx, "member without connection", "user_id", memberID)
			continue
		}
		if conn == exclude {
			continue
		}

		conns = append(conns, conn)
	}

	return conns, nil
}

type JoinRoomParams struct {
	Conn   *websocket.Conn
	RoomID string
	Token  string
}

type JoinRoomResponse struct {
	UserID  string
	HostID  string
	Player  Player
	Members []string
	// Conns holds every connection of the room, the joined one included.
	Conns []*websocket.Conn
	// Replaced is an older connection of the same user, to be closed.
	Replaced *websocket.Conn
	// Left is set when the connection was in another room before.
	Left *LeaveRoomResponse
}

func (s service) JoinRoom(ctx context.Context, params *JoinRoomParams) (JoinRoomResponse, error) {
	userID, err := s.parseJWT(params.Token)
	if err != nil {
		return JoinRoomResponse{}, err
	}

	if connUserID, _, err := s.connRepo.Get(params.Conn); err == nil && connUserID != userID {
		return JoinRoomResponse{}, ErrPermissionDenied
	}

	var resp JoinRoomResponse
	// The previous binding is either this connection or an older one of the
	// same user.
	prev := params.Conn
	if old, err := s.connRepo.GetConn(userID); err == nil && old != params.Conn {
		prev = old
		resp.Replaced = old
	}
	if _, roomID, err := s.connRepo.Get(prev); err == nil && roomID != params.RoomID {
		left, err := s.LeaveRoom(ctx, &LeaveRoomParams{Conn: prev})
		if err != nil {
			return JoinRoomResponse{}, fmt.Errorf("failed to leave previous room: %w", err)
		}
		resp.Left = &left
	}

	members, err := s.roomRepo.GetMembers(ctx, params.RoomID)
	if err != nil {
		return JoinRoomResponse{}, fmt.Errorf("failed to get members: %w", err)
	}
	if len(members) >= s.membersLimit && !slices.Contains(members, userID) {
		return JoinRoomResponse{}, ErrRoomFull
	}

	if err := s.roomRepo.AddMember(ctx, &room.AddMemberParams{
		RoomID:   params.RoomID,
		MemberID: userID,
	}); err != nil {
		return JoinRoomResponse{}, fmt.Errorf("failed to add member: %w", err)
	}

	hostID, err := s.roomRepo.GetHost(ctx, params.RoomID)
	if errors.Is(err, room.ErrHostNotFound) {
		hostID = userID
		if err := s.roomRepo.SetHost(ctx, &room.SetHostParams{
			RoomID:   params.RoomID,
			MemberID: userID,
		}); err != nil {
			return JoinRoomResponse{}, fmt.Errorf("failed to set host: %w", err)
		}
	} else if err != nil {
		return JoinRoomResponse{}, fmt.Errorf("failed to get host: %w", err)
	}

	player := Player{Paused: true}
	if p, err := s.roomRepo.GetPlayer(ctx, params.RoomID); err == nil {
		player = playerFromRepo(p)
	} else if !errors.Is(err, room.ErrPlayerNotFound) {
		return JoinRoomResponse{}, fmt.Errorf("failed to get player: %w", err)
	}

	replaced, err := s.connRepo.Add(params.Conn, userID, params.RoomID)
	if err != nil {
		return JoinRoomResponse{}, fmt.Errorf("failed to add connection: %w", err)
	}

	members, err = s.roomRepo.GetMembers(ctx, params.RoomID)
	if err != nil {
		return JoinRoomResponse{}, fmt.Errorf("failed to get members: %w", err)
	}

	conns, err := s.getConns(ctx, params.RoomID, nil)
	if err != nil {
		return JoinRoomResponse{}, fmt.Errorf("failed to get conns: %w", err)
	}

	s.logger.InfoContext(ctx, "member joined", "room_id", params.RoomID, "user_id", userID, "host_id", hostID)

	resp.UserID = userID
	resp.HostID = hostID
	resp.Player = player
	resp.Members = members
	resp.Conns = conns
	if replaced != nil {
		resp.Replaced = replaced
	}

	return resp, nil
}

type LeaveRoomParams struct {
	Conn *websocket.Conn
}

type LeaveRoomResponse struct {
	RoomID string
	UserID string
	// NewHostID is set when the leaving member was the host.
	NewHostID     string
	Members       []string
	Conns         []*websocket.Conn
	IsRoomDeleted bool
}

// LeaveRoom removes the member behind conn from its room. The earliest
// remaining member becomes host when the host leaves. The last member
// leaving deletes the room.
func (s service) LeaveRoom(ctx context.Context, params *LeaveRoomParams) (LeaveRoomResponse, error) {
	userID, roomID, err := s.connRepo.RemoveByConn(params.Conn)
	if err != nil {
		return LeaveRoomResponse{}, ErrNotInRoom
	}

	if err := s.roomRepo.RemoveMember(ctx, &room.RemoveMemberParams{
		RoomID:   roomID,
		MemberID: userID,
	}); err != nil && !errors.Is(err, room.ErrMemberNotFound) {
		return LeaveRoomResponse{}, fmt.Errorf("failed to remove member: %w", err)
	}

	resp := LeaveRoomResponse{RoomID: roomID, UserID: userID}

	members, err := s.roomRepo.GetMembers(ctx, roomID)
	if err != nil {
		return LeaveRoomResponse{}, fmt.Errorf("failed to get members: %w", err)
	}

	if len(members) == 0 {
		if err := s.roomRepo.RemoveRoom(ctx, roomID); err != nil {
			return LeaveRoomResponse{}, fmt.Errorf("failed to delete room: %w", err)
		}
		s.logger.InfoContext(ctx, "room deleted", "room_id", roomID)
		resp.IsRoomDeleted = true

		return resp, nil
	}

	hostID, err := s.roomRepo.GetHost(ctx, roomID)
	if err != nil && !errors.Is(err, room.ErrHostNotFound) {
		return LeaveRoomResponse{}, fmt.Errorf("failed to get host: %w", err)
	}
	if hostID == "" || hostID == userID {
		if err := s.roomRepo.SetHost(ctx, &room.SetHostParams{
			RoomID:   roomID,
			MemberID: members[0],
		}); err != nil {
			return LeaveRoomResponse{}, fmt.Errorf("failed to promote host: %w", err)
		}
		resp.NewHostID = members[0]
		s.logger.InfoContext(ctx, "host promoted", "room_id", roomID, "user_id", members[0])
	}

	conns, err := s.getConns(ctx, roomID, nil)
	if err != nil {
		return LeaveRoomResponse{}, fmt.Errorf("failed to get conns: %w", err)
	}

	resp.Members = members
	resp.Conns = conns

	return resp, nil
}
