package server_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type requestOption func(*http.Request)

func withHeader(key, value string) requestOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
	require.NoError(t, err)
	return token
}

// send performs an authenticated request as userID (anonymous when empty)
// and decodes the JSON response into TResp when there is one.
func send[TResp any](
	t *testing.T,
	method string,
	path string,
	userID string,
	body any,
	opts ...requestOption,
) (TResp, *http.Response) {
	t.Helper()

	var resp TResp

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, fixture.baseURL+path, payload)
	require.NoError(t, err)

	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}
	for _, opt := range opts {
		opt(req)
	}

	httpResp, err := fixture.client.Do(req)
	require.NoError(t, err)
	defer func() {
		_ = httpResp.Body.Close()
	}()

	responsePayload, err := io.ReadAll(httpResp.Body)
	require.NoError(t, err)

	if len(responsePayload) > 0 && httpResp.StatusCode < 300 {
		require.NoError(t, json.Unmarshal(responsePayload, &resp))
	}

	return resp, httpResp
}
