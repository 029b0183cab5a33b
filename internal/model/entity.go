package model

import (
	"time"

	"gorm.io/datatypes"
)

// User 사용자
type User struct {
	ID           int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	Email        string  `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Name         string  `gorm:"type:varchar(100);not null" json:"name"`
	AvatarURL    *string `gorm:"type:text" json:"avatar_url,omitempty"`
	Provider     string  `gorm:"type:varchar(50);default:'local'" json:"provider"`
	ProviderID   *string `gorm:"type:varchar(255)" json:"-"`
	PasswordHash *string `gorm:"type:varchar(255)" json:"-"` // local 계정만

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// Board 공유 보드 (메타데이터 + 요소 + 협업자 ACL)
type Board struct {
	ID         string  `gorm:"type:varchar(36);primaryKey" json:"id"`
	Title      string  `gorm:"type:varchar(200);not null" json:"title"`
	OwnerID    int64   `gorm:"not null;index" json:"owner_id"`
	IsPublic   bool    `gorm:"default:false;index" json:"is_public"`
	Background string  `gorm:"type:varchar(50);default:'#ffffff'" json:"background"`
	Width      int     `gorm:"default:1920" json:"width"`
	Height     int     `gorm:"default:1080" json:"height"`
	Settings   datatypes.JSON `gorm:"type:jsonb" json:"settings,omitempty"` // grid, snap 등

	ViewCount      int64     `gorm:"default:0" json:"view_count"`
	ForkCount      int64     `gorm:"default:0" json:"fork_count"`
	LastActivityAt time.Time `gorm:"autoCreateTime" json:"last_activity_at"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Owner         User               `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
	Elements      []BoardElement     `gorm:"foreignKey:BoardID" json:"elements,omitempty"`
	Collaborators []BoardCollaborator `gorm:"foreignKey:BoardID" json:"collaborators,omitempty"`
}

func (Board) TableName() string {
	return "boards"
}

// BoardElement 보드 위 단일 요소. ElementID는 클라이언트가 생성하며
// 보드 내에서 유일하다. Kind는 생성 이후 바뀌지 않는다.
type BoardElement struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"-"`
	BoardID   string         `gorm:"type:varchar(36);not null;uniqueIndex:idx_board_element,priority:1" json:"board_id"`
	ElementID string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_board_element,priority:2" json:"element_id"`
	Kind      ElementKind    `gorm:"type:varchar(30);not null" json:"kind"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"` // geometry + style + text
	UpdatedBy int64          `gorm:"not null" json:"updated_by"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BoardElement) TableName() string {
	return "board_elements"
}

// BoardCollaborator 보드 ACL 엔트리. 소유자는 ACL에 등장하지 않는다.
type BoardCollaborator struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	BoardID   string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_board_user,priority:1" json:"board_id"`
	UserID    int64     `gorm:"not null;uniqueIndex:idx_board_user,priority:2" json:"user_id"`
	Role      BoardRole `gorm:"type:varchar(20);not null;default:'viewer'" json:"role"`
	InvitedAt time.Time `gorm:"autoCreateTime" json:"invited_at"`

	// Relations
	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (BoardCollaborator) TableName() string {
	return "board_collaborators"
}
