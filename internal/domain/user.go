package domain

import "time"

// User is a chat participant. Identity is the (Name, UserAgent) pair at
// creation time: reusing the same name on the same device resumes the same
// user instead of creating a new one. Immutable after creation; presence
// state lives in the presence store, not on the record.
type User struct {
	ID        string
	Name      string
	UserAgent string
	Country   *string
	CreatedAt time.Time
}

// UserModel is the GORM model for the users table.
type UserModel struct {
	ID        string  `gorm:"type:varchar(36);primaryKey"`
	Name      string  `gorm:"type:varchar(50);not null;uniqueIndex:idx_users_identity"`
	UserAgent string  `gorm:"type:varchar(200);not null;uniqueIndex:idx_users_identity"`
	Country   *string `gorm:"type:varchar(2)"`
	CreatedAt time.Time
}

// TableName specifies the table name for UserModel.
func (UserModel) TableName() string {
	return "users"
}

// ToDomain converts UserModel to a domain User.
func (m *UserModel) ToDomain() *User {
	return &User{
		ID:        m.ID,
		Name:      m.Name,
		UserAgent: m.UserAgent,
		Country:   m.Country,
		CreatedAt: m.CreatedAt,
	}
}

// UserToModel converts a domain User to UserModel.
func UserToModel(u *User) *UserModel {
	return &UserModel{
		ID:        u.ID,
		Name:      u.Name,
		UserAgent: u.UserAgent,
		Country:   u.Country,
		CreatedAt: u.CreatedAt,
	}
}
