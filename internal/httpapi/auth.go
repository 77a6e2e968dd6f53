package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"
)

const tokenAudience = "tasksync"

const (
	scopeSyncTrigger  = "sync:trigger"
	scopeSyncRead     = "sync:read"
	scopeEntitiesRead = "entities:read"
	scopeTasksWrite   = "tasks:write"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, &authError{
				status:  http.StatusForbidden,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

// bearerFromRequest reads the Authorization header, falling back to an
// access_token query parameter for websocket clients that cannot set headers.
func bearerFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return header
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return "Bearer " + token
	}
	return ""
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

// jwtPayload accepts scopes as a JSON array or a space-separated string and
// aud as a string or an array.
type jwtPayload struct {
	Sub    string          `json:"sub"`
	Exp    json.Number     `json:"exp"`
	Aud    json.RawMessage `json:"aud"`
	Scopes json.RawMessage `json:"scopes"`
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	signingInput, header, payload, signature, err := splitJWT(strings.TrimSpace(raw))
	if err != nil {
		return tokenClaims{}, unauthorized(err.Error())
	}
	var alg struct {
		Alg string `json:"alg"`
	}
	if json.Unmarshal(header, &alg) != nil || alg.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}
	mac := hmac.New(sha256.New, []byte(jwtSecret))
	_, _ = mac.Write([]byte(signingInput))
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var claims jwtPayload
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	dec.UseNumber()
	if err := dec.Decode(&claims); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	if claims.Sub == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	exp, err := claims.Exp.Int64()
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if !slices.Contains(stringList(claims.Aud), tokenAudience) {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	scopes := map[string]struct{}{}
	for _, scope := range stringList(claims.Scopes) {
		scopes[scope] = struct{}{}
	}
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return tokenClaims{Subject: claims.Sub, Scopes: scopes, Exp: exp}, nil
}

func splitJWT(raw string) (signingInput string, header, payload, signature []byte, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return "", nil, nil, nil, errors.New("invalid jwt format")
	}
	decoded := make([][]byte, len(parts))
	for i, part := range parts {
		if decoded[i], err = base64.RawURLEncoding.DecodeString(part); err != nil {
			return "", nil, nil, nil, errors.New("invalid jwt encoding")
		}
	}
	return parts[0] + "." + parts[1], decoded[0], decoded[1], decoded[2], nil
}

// stringList reads a JSON string (split on whitespace) or array of strings.
func stringList(raw json.RawMessage) []string {
	var single string
	if json.Unmarshal(raw, &single) == nil {
		return strings.Fields(single)
	}
	var many []string
	if json.Unmarshal(raw, &many) != nil {
		return nil
	}
	out := many[:0]
	for _, item := range many {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
