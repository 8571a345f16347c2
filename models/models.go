package models

import (
	"time"

	"gorm.io/gorm"
)

type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RolePoster Role = "POSTER"
	RoleGuest  Role = "GUEST"
)

// InstanceType classifies a remote peer's protocol compatibility, inferred
// from the shape of its public summary response.
type InstanceType string

const (
	InstanceSame    InstanceType = "SAME"
	InstanceForeign InstanceType = "FOREIGN"
	InstanceUnknown InstanceType = "UNKNOWN"
)

type User struct {
	gorm.Model
	Email        string `gorm:"uniqueIndex" json:"email"`
	PasswordHash string `json:"-"`
	Role         Role   `json:"role"`
	DisplayName  string `json:"displayName"`
	AvatarURL    string `json:"avatarUrl"`
	IsActive     bool   `gorm:"default:true" json:"isActive"`

	// ConnectID points at the peer this account's home identity is federated
	// from; InvitedByConnectID at the connect whose invite produced it. A user
	// with either set is connect-bound.
	ConnectID          *uint `gorm:"index" json:"connectId"`
	InvitedByConnectID *uint `gorm:"index" json:"invitedByConnectId"`
}

// Connect is an outbound record of a remote instance this server knows about
// and may federate with. The invite token doubles as the shared secret for the
// signed exchanges with that peer, so it gets password-hash handling: never
// logged, compared in constant time.
type Connect struct {
	gorm.Model
	ConnectURL      string       `gorm:"uniqueIndex" json:"connectUrl"`
	InstanceType    InstanceType `json:"instanceType"`
	InviteToken     *string      `gorm:"uniqueIndex" json:"-"`
	InviteExpiresAt *time.Time   `json:"inviteExpiresAt"`

	InvitedUsers []User `gorm:"foreignKey:InvitedByConnectID" json:"-"`
}

// InboundConnect mirrors Connect in the opposite direction: a remote instance
// that trusts this server. TokenHint is the HMAC secret for its signed revokes.
type InboundConnect struct {
	gorm.Model
	ServerURL    string     `gorm:"uniqueIndex" json:"serverUrl"`
	ServerName   string     `json:"serverName"`
	ServerLogo   string     `json:"serverLogo"`
	SysUsername  string     `json:"sysUsername"`
	TokenHint    string     `json:"-"`
	VerifiedAt   *time.Time `json:"verifiedAt"`
	RegisteredAt *time.Time `json:"registeredAt"`
}

// ConnectLoginToken is the single-use bridge between cross-instance account
// issuance and a local session. Consumption must be a conditional update on
// used_at, never read-then-write.
type ConnectLoginToken struct {
	ID        uint       `gorm:"primarykey" json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	Token     string     `gorm:"uniqueIndex" json:"-"`
	UserID    uint       `gorm:"index" json:"userId"`
	ConnectID uint       `gorm:"index" json:"connectId"`
	ExpiresAt time.Time  `json:"expiresAt"`
	UsedAt    *time.Time `json:"usedAt"`
}

// SystemSetting is a singleton row (id=1) holding this instance's own public
// identity. ServerURL must be configured before any outbound federation action.
type SystemSetting struct {
	ID          uint   `gorm:"primarykey" json:"id"`
	ServerName  string `json:"serverName"`
	ServerURL   string `json:"serverUrl"`
	ServerLogo  string `json:"serverLogo"`
	SysUsername string `json:"sysUsername"`
}

type Moment struct {
	gorm.Model
	UserID  uint   `gorm:"index" json:"userId"`
	Content string `json:"content"`
}

type Comment struct {
	gorm.Model
	MomentID uint   `gorm:"index" json:"momentId"`
	UserID   uint   `gorm:"index" json:"userId"`
	Content  string `json:"content"`
}
