package model

// Credentials is the body of POST /ingresar.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned by /ingresar and /google/callback. The token
// may arrive top-level or inside the user snapshot.
type LoginResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	User    *User  `json:"user"`
	Token   string `json:"token,omitempty"`
}

// BearerToken picks the top-level token, falling back to the one carried
// by the user snapshot.
func (r LoginResponse) BearerToken() string {
	if r.Token != "" {
		return r.Token
	}
	if r.User != nil {
		return r.User.Token
	}
	return ""
}

// GoogleLogin is the body of POST /google/callback.
type GoogleLogin struct {
	IDToken string `json:"idToken"`
}

// CodeExchange is the body of POST /intercambiar.
type CodeExchange struct {
	Codigo string `json:"codigo"`
}

// ExchangeResponse is an access-token-bearing user snapshot.
type ExchangeResponse struct {
	User
	AccessToken string `json:"access_token"`
}

// RefreshRequest is the body of POST /refresh.
type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// RefreshResponse carries a fresh access token and its lifetime in seconds.
type RefreshResponse struct {
	AccessToken string `json:"access_token"`
	ExpiraEn    int64  `json:"expira_en"`
}

// TermsStatus is returned by GET /terminos/estado.
type TermsStatus struct {
	Aceptado bool `json:"aceptado"`
}

// ProfileStatus is returned by GET /perfil/estado.
type ProfileStatus struct {
	Completo bool `json:"completo"`
}
