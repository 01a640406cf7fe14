package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

const (
	authMethodAPIKey = "api_key"
	authMethodJWT    = "jwt"
)

type apiKeyEntry struct {
	Key       string `json:"key"`
	Principal string `json:"principal"`
}

// KeyAuthProvider accepts X-API-Key headers matching a configured key and
// HS256 bearer tokens signed with the configured secret.
type KeyAuthProvider struct {
	keys      map[string]string
	jwtSecret []byte
}

// NewAuthProvider returns nil when neither keys nor a secret are configured,
// which leaves the API open.
func NewAuthProvider(apiKeys, jwtSecret string) (*KeyAuthProvider, error) {
	entries, err := parseAPIKeys(apiKeys)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]string, len(entries))
	for _, entry := range entries {
		if key := normalizeAPIKey(entry.Key); key != "" {
			keys[key] = strings.TrimSpace(entry.Principal)
		}
	}
	secret := normalizeAPIKey(jwtSecret)
	if len(keys) == 0 && secret == "" {
		return nil, nil
	}
	return &KeyAuthProvider{keys: keys, jwtSecret: []byte(secret)}, nil
}

func (p *KeyAuthProvider) AuthenticateHTTP(r *http.Request) (*AuthContext, error) {
	if r == nil {
		return nil, errors.New("request required")
	}
	if p == nil {
		return &AuthContext{PrincipalID: headerValue(r, "X-Principal-Id")}, nil
	}
	if token, ok := bearerToken(r); ok {
		return p.authenticateJWT(token)
	}
	key := normalizeAPIKey(r.Header.Get("X-API-Key"))
	if key == "" && websocket.IsWebSocketUpgrade(r) {
		key = normalizeAPIKey(apiKeyFromWebSocket(r))
	}
	if key == "" {
		return nil, errors.New("api key required")
	}
	principal, ok := p.keys[key]
	if !ok {
		return nil, errors.New("invalid api key")
	}
	if principal == "" {
		principal = headerValue(r, "X-Principal-Id")
	}
	return &AuthContext{APIKey: key, PrincipalID: principal, Method: authMethodAPIKey}, nil
}

func (p *KeyAuthProvider) authenticateJWT(raw string) (*AuthContext, error) {
	if len(p.jwtSecret) == 0 {
		return nil, errors.New("bearer tokens not accepted")
	}
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return p.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid bearer token: %w", err)
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return nil, errors.New("bearer token missing subject")
	}
	return &AuthContext{PrincipalID: subject, Method: authMethodJWT}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}

// parseAPIKeys accepts a JSON list, a JSON object keyed by key, or a comma
// separated list of "key" or "principal:key" entries.
func parseAPIKeys(raw string) ([]apiKeyEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var entries []apiKeyEntry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("parse DAVLOCK_API_KEYS: %w", err)
		}
		return entries, nil
	}
	if strings.HasPrefix(raw, "{") {
		entries := map[string]apiKeyEntry{}
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("parse DAVLOCK_API_KEYS: %w", err)
		}
		out := make([]apiKeyEntry, 0, len(entries))
		for key, entry := range entries {
			entry.Key = key
			out = append(out, entry)
		}
		return out, nil
	}
	parts := strings.Split(raw, ",")
	entries := make([]apiKeyEntry, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		entry := apiKeyEntry{Key: part}
		if principal, key, ok := strings.Cut(part, ":"); ok {
			entry = apiKeyEntry{Key: strings.TrimSpace(key), Principal: strings.TrimSpace(principal)}
		}
		if entry.Key != "" {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func headerValue(r *http.Request, name string) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(name))
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	// Common .env mistake: quoting values (e.g. "super-secret-key").
	key = strings.Trim(key, "\"'")
	return strings.TrimSpace(key)
}

func apiKeyFromWebSocket(r *http.Request) string {
	if r == nil {
		return ""
	}
	protocols := websocket.Subprotocols(r)
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		prefix := strings.ToLower(wsAPIKeyProtocol) + "."
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}
