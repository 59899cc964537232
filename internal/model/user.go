package model

import "strings"

// AdminRole is the role name that implicitly grants every permission.
// Comparison is case-insensitive.
const AdminRole = "administrador"

// User is the identity snapshot returned by the backend and mirrored in
// durable storage under the "user" key.
//
// Fields:
//
//	ID           – backend user id.
//	Nombre       – display name.
//	Email        – login email.
//	Rol          – assigned role (nil when the backend omits it).
//	Permisos     – granted permissions; never nil after Normalize.
//	Token        – bearer access token issued with this snapshot.
//	RefreshToken – refresh credential exchanged at /refresh.
//	Tipos        – user-type tags (e.g. "cliente", "staff").
type User struct {
	ID           int64     `json:"id"`
	Nombre       string    `json:"nombre,omitempty"`
	Email        string    `json:"email,omitempty"`
	Rol          *Rol      `json:"rol,omitempty"`
	Permisos     []Permiso `json:"permisos"`
	Token        string    `json:"token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Tipos        []string  `json:"tipos,omitempty"`
}

// Rol names the role attached to a user.
type Rol struct {
	ID     int64  `json:"id,omitempty"`
	Nombre string `json:"nombre"`
}

// Permiso is one granted permission. Codigo is what guards match on.
type Permiso struct {
	ID     int64  `json:"id,omitempty"`
	Codigo string `json:"codigo"`
	Nombre string `json:"nombre,omitempty"`
}

// Normalize replaces a missing permission list with an empty one so
// callers never have to guard against nil.
func (u *User) Normalize() {
	if u.Permisos == nil {
		u.Permisos = []Permiso{}
	}
}

// IsAdmin reports whether the user's role is the administrator role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Rol != nil && strings.EqualFold(strings.TrimSpace(u.Rol.Nombre), AdminRole)
}

// Grants reports whether the user may use the permission code. Admins
// are granted everything; other users need an exact code match.
func (u *User) Grants(code string) bool {
	if u == nil {
		return false
	}
	if u.IsAdmin() {
		return true
	}
	for _, p := range u.Permisos {
		if p.Codigo == code {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so snapshots handed to callers cannot
// mutate the session's copy.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.Rol != nil {
		r := *u.Rol
		c.Rol = &r
	}
	c.Permisos = append([]Permiso{}, u.Permisos...)
	if u.Tipos != nil {
		c.Tipos = append([]string{}, u.Tipos...)
	}
	return &c
}
