package session

import "fmt"

type TokenType string

const TokenTypeID TokenType = "id token"

type TokenStatus string

const (
	StatusUninitialized TokenStatus = "uninitialized"
	StatusOnRequest     TokenStatus = "on request"
	StatusOnRefresh     TokenStatus = "on refreshing"
	StatusReady         TokenStatus = "ready"
	StatusError         TokenStatus = "error"
)

// TokenInfo describes one token lifecycle transition.
type TokenInfo struct {
	Type   TokenType
	Status TokenStatus
	Err    error
}

func (i TokenInfo) String() string {
	if i.Err != nil {
		return fmt.Sprintf("type = %s, status = %s, error = %v", i.Type, i.Status, i.Err)
	}
	return fmt.Sprintf("type = %s, status = %s", i.Type, i.Status)
}

// signUpResponse is the identity endpoint's reply to an anonymous sign-up.
type signUpResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	LocalID      string `json:"localId"`
}

// refreshResponse is the token endpoint's reply to a refresh_token grant.
type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}
