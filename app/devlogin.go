package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/putto11262002/pawchat/core"
)

type devTokenRequest struct {
	UID string `json:"uid"`
}

type devTokenResponse struct {
	Token string `json:"token"`
}

// DevLoginTokens returns a token source asking the development server at
// baseURL for a token of uid. Tokens are cached until shortly before they expire.
func DevLoginTokens(baseURL, uid string, client *http.Client) core.TokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := strings.TrimSuffix(baseURL, "/") + "/dev/token"
	src := core.TokenSourceFunc(func(ctx context.Context) (string, error) {
		body, err := json.Marshal(devTokenRequest{UID: uid})
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		res, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("dev login: %w", err)
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return "", fmt.Errorf("dev login as %s: %s", uid, res.Status)
		}
		var out devTokenResponse
		if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode dev login: %w", err)
		}
		return out.Token, nil
	})
	return core.NewCachingTokenSource(src, 0)
}
