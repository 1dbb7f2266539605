package controller

import (
	"net/http"

	"github.com/krew/jam/internal/service/room"
	"github.com/krew/jam/pkg/rest"
)

func (c *controller) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.WarnContext(r.Context(), "failed to upgrade to websocket", "error", err)
		return
	}
	c.register(conn)
	defer conn.Close()
	defer c.disconnect(r.Context(), conn)

	c.logger.InfoContext(r.Context(), "websocket connected")
	if err := c.wsmux.ServeConn(r.Context(), conn); err != nil {
		c.logger.InfoContext(r.Context(), "websocket closed", "error", err)
	}
}

type issueGuestTokenRequest struct {
	Username string `json:"username" validate:"required,max=32"`
}

type issueGuestTokenResponse struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

func (c *controller) issueGuestToken(w http.ResponseWriter, r *http.Request) {
	var req issueGuestTokenRequest
	if err := rest.ReadJSON(r, &req); err != nil {
		c.logger.InfoContext(r.Context(), "failed to read body", "error", err)
		rest.WriteJSON(w, http.StatusUnprocessableEntity, rest.Envelope{"error": err.Error()})
		return
	}

	if validationErrors, ok := c.validate.Validate(req); !ok {
		c.logger.InfoContext(r.Context(), "invalid body", "errors", validationErrors)
		rest.WriteJSON(w, http.StatusBadRequest, rest.Envelope{"errors": validationErrors})
		return
	}

	resp, err := c.roomService.IssueGuestToken(r.Context(), &room.IssueGuestTokenParams{
		Username: req.Username,
	})
	if err != nil {
		c.logger.ErrorContext(r.Context(), "failed to issue token", "error", err)
		rest.WriteJSON(w, http.StatusInternalServerError, rest.Envelope{"error": "internal error"})
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"data": issueGuestTokenResponse{
		UserID: resp.UserID,
		Token:  resp.Token,
	}})
}
