package auth

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Account is the persisted credential record. PasswordHash and ResetTokenHash
// never leave this package through Public.
type Account struct {
	ID                string
	Username          string
	Email             string
	PasswordHash      string
	Role              Role
	Active            bool
	Verified          bool
	Avatar            string
	Bio               string
	FailedLoginCount  int
	LockUntil         *time.Time
	ResetTokenHash    string
	ResetTokenExpiry  *time.Time
	RefreshGeneration int64
	LoginCount        int64
	LastLoginAt       *time.Time
	LastLoginIP       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (a Account) LockState() LockState {
	return LockState{FailedLoginCount: a.FailedLoginCount, LockUntil: a.LockUntil}
}

func (a Account) Public() PublicAccount {
	return PublicAccount{
		ID:         a.ID,
		Username:   a.Username,
		Email:      a.Email,
		Role:       a.Role,
		Verified:   a.Verified,
		Avatar:     a.Avatar,
		Bio:        a.Bio,
		CreatedAt:  a.CreatedAt,
		LastLogin:  a.LastLoginAt,
		LoginCount: a.LoginCount,
	}
}

type PublicAccount struct {
	ID         string     `json:"id"`
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	Role       Role       `json:"role"`
	Verified   bool       `json:"verified"`
	Avatar     string     `json:"avatar"`
	Bio        string     `json:"bio"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastLogin  *time.Time `json:"lastLogin,omitempty"`
	LoginCount int64      `json:"loginCount"`
}

// Profile holds the non-credential fields supplied at registration.
type Profile struct {
	Username string
	Avatar   string
	Bio      string
}

type ProfileUpdate struct {
	Username *string
	Avatar   *string
	Bio      *string
}

// AccountUpdate lists the fields an UpdateAccount call may touch. Nil pointers
// and false flags leave the column unchanged.
type AccountUpdate struct {
	Username              *string
	Avatar                *string
	Bio                   *string
	PasswordHash          *string
	ResetTokenHash        *string
	ResetTokenExpiry      *time.Time
	ClearResetToken       bool
	ClearLockout          bool
	BumpRefreshGeneration bool
}

type LockState struct {
	FailedLoginCount int
	LockUntil        *time.Time
}

type Tokens struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"-"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshExpiresAt time.Time `json:"-"`
}

type LoginResult struct {
	Account Account
	Tokens  Tokens
}
