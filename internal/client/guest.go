package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const guestPath = "/api/v1/auth/guest"

type guestRequest struct {
	Username string `json:"username"`
}

type guestResponse struct {
	Data struct {
		UserID string `json:"user_id"`
		Token  string `json:"token"`
	} `json:"data"`
}

// GuestToken asks the relay at serverURL for a guest credential.
func GuestToken(ctx context.Context, serverURL, username string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + guestPath

	body, err := json.Marshal(guestRequest{Username: username})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request guest token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to request guest token: status %d", resp.StatusCode)
	}

	var out guestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode guest token: %w", err)
	}
	if out.Data.Token == "" {
		return "", fmt.Errorf("failed to request guest token: empty token")
	}

	return out.Data.Token, nil
}
