package auth

// WsAuthContext is the identity a WebSocket connection authenticates
// to. AllowedTopics is nil unless the token's issuing
// flow attached a UI-contract channel whitelist.
type WsAuthContext struct {
	Subject       string
	Permissions   []string
	TraceID       string
	AllowedTopics []string
}

// AuthenticateWs validates a bearer token (query param or
// subprotocol) against every current verification secret and
// projects it onto a WsAuthContext.
func (m *JWTManager) AuthenticateWs(token string) (WsAuthContext, error) {
	claims, err := m.ValidateToken(token)
	if err != nil {
		return WsAuthContext{}, err
	}
	return WsAuthContext{
		Subject:       claims.Username,
		Permissions:   claims.Permissions,
		TraceID:       claims.ID,
		AllowedTopics: claims.AllowedTopics,
	}, nil
}
