package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"keyfold/go-backend/internal/authn"
	"keyfold/go-backend/pkg/api"
)

const maxResponseBytes = 4 << 20

// apiCall performs one API exchange for the current session. Signed
// calls attach the full request signature; public calls (signup, login,
// identity lookups) only carry the user id and timestamp headers.
func (c *Client) apiCall(ctx context.Context, method, path string, requestBody, out any, signed bool) error {
	c.mu.Lock()
	userID := ""
	var signaturePrivateKey, signaturePublicKey []byte
	if c.state != nil {
		userID = c.state.identity.UserID
		signaturePrivateKey = c.state.identity.Signature.PrivateKey
		signaturePublicKey = c.state.identity.Signature.PublicKey
	}
	c.mu.Unlock()
	if signed && signaturePrivateKey == nil {
		return ErrAccountLocked
	}
	if !signed {
		signaturePrivateKey = nil
		signaturePublicKey = nil
	}
	return c.doCall(ctx, method, path, requestBody, out, userID, signaturePrivateKey, signaturePublicKey)
}

// apiCallAs is apiCall for the pre-session login exchange, where the
// user id is known but no private key is available yet.
func (c *Client) apiCallAs(ctx context.Context, method, path string, requestBody, out any, userID string) error {
	return c.doCall(ctx, method, path, requestBody, out, userID, nil, nil)
}

func (c *Client) doCall(ctx context.Context, method, path string, requestBody, out any, userID string, signaturePrivateKey, signaturePublicKey []byte) error {
	var bodyBytes []byte
	if requestBody != nil {
		var err error
		bodyBytes, err = json.Marshal(requestBody)
		if err != nil {
			return err
		}
	}
	url := c.serverURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	if bodyBytes != nil {
		req.Header.Set("content-type", "application/json")
	}
	now := c.now()
	if signaturePrivateKey != nil {
		authn.SignRequest(req.Header, ed25519.PrivateKey(signaturePrivateKey), userID, method, url, bodyBytes, now)
	} else {
		req.Header.Set(api.HeaderUserID, userID)
		req.Header.Set(api.HeaderTimestamp, authn.Timestamp(now))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()
	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("network error: %w", err)
	}

	// Responses are verified before their status is interpreted: even
	// errors must come from the server we trust.
	if err := authn.VerifyResponse(resp.Header, c.serverPublicKey, userID,
		signaturePublicKey, method, url, responseBody, c.now()); err != nil {
		return fmt.Errorf("server response rejected: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &api.Error{}
		if json.Unmarshal(responseBody, apiErr) != nil || apiErr.StatusCode == 0 {
			apiErr = &api.Error{StatusCode: resp.StatusCode, Title: resp.Status, Message: string(responseBody)}
		}
		return apiErr
	}
	if out != nil && len(responseBody) > 0 {
		if err := json.Unmarshal(responseBody, out); err != nil {
			return fmt.Errorf("malformed server response: %w", err)
		}
	}
	return nil
}
