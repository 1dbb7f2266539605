package inmemory

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/krew/jam/internal/repository/connection"
	"golang.org/x/exp/maps"
)

type member struct {
	userID string
	roomID string
}

// repo tracks which user and room every open connection belongs to. A user
// holds at most one connection.
type repo struct {
	connList map[*websocket.Conn]member
	idList   map[string]*websocket.Conn
	mu       sync.RWMutex
}

func NewRepo() *repo {
	return &repo{
		connList: make(map[*websocket.Conn]member),
		idList:   make(map[string]*websocket.Conn),
	}
}

// Add binds conn to userID in roomID. A previous connection of the same user
// is unbound and returned so the caller can close it.
func (r *repo) Add(conn *websocket.Conn, userID, roomID string) (*websocket.Conn, error) {
	funcName := "connection.inmemory.Add"
	r.mu.Lock()
	defer r.mu.Unlock()

	slog.Debug(funcName, "user_id", userID, "room_id", roomID)
	if m, ok := r.connList[conn]; ok && m.userID != userID {
		slog.Info(funcName, "error", connection.ErrAlreadyExists)
		return nil, connection.ErrAlreadyExists
	}

	replaced := r.idList[userID]
	if replaced == conn {
		replaced = nil
	}
	if replaced != nil {
		delete(r.connList, replaced)
	}

	r.connList[conn] = member{userID: userID, roomID: roomID}
	r.idList[userID] = conn

	return replaced, nil
}

// RemoveByConn unbinds conn and reports who it belonged to.
func (r *repo) RemoveByConn(conn *websocket.Conn) (userID, roomID string, err error) {
	funcName := "connection.inmemory.RemoveByConn"
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.connList[conn]
	if !ok {
		slog.Debug(funcName, "error", connection.ErrNotFound)
		return "", "", connection.ErrNotFound
	}

	delete(r.connList, conn)
	if r.idList[m.userID] == conn {
		delete(r.idList, m.userID)
	}

	slog.Debug(funcName, "user_id", m.userID, "room_id", m.roomID)
	return m.userID, m.roomID, nil
}

func (r *repo) Get(conn *websocket.Conn) (userID, roomID string, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.connList[conn]
	if !ok {
		return "", "", connection.ErrNotFound
	}

	return m.userID, m.roomID, nil
}

func (r *repo) GetConn(userID string) (*websocket.Conn, error) {
	funcName := "connection.inmemory.GetConn"
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.idList[userID]
	if !ok {
		slog.Debug(funcName, "user_id", userID, "error", connection.ErrNotFound)
		return nil, connection.ErrNotFound
	}

	return conn, nil
}

// Conns returns every bound connection.
func (r *repo) Conns() []*websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return maps.Keys(r.connList)
}
