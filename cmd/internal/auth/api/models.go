package api

import "time"

type loginRequest struct {
	Identifier       string `json:"identifier" validate:"required,max=320"`
	Secret           string `json:"secret" validate:"required,max=1024"`
	SecondFactorCode string `json:"second_factor_code" validate:"omitempty,max=16"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,max=512"`
	AccessToken  string `json:"access_token" validate:"omitempty,max=8192"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,max=512"`
}

type secondFactorEnrollRequest struct {
	Secret string `json:"secret" validate:"required,max=128"`
	Code   string `json:"code" validate:"required,max=16"`
}

type secondFactorRemoveRequest struct {
	Code string `json:"code" validate:"required,max=16"`
}

type secondFactorSetupResponse struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauth_url"`
}

type tokenResponse struct {
	TokenType        string    `json:"token_type"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type logoutAllResponse struct {
	Revoked int64 `json:"revoked"`
}

type sessionResponse struct {
	UserID    string    `json:"user_id"`
	TokenID   string    `json:"token_id"`
	Roles     []string  `json:"roles"`
	ExpiresAt time.Time `json:"expires_at"`
}
