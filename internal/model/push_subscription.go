package model

import "time"

// PushSubscription holds the information for a browser push subscription.
// UserID is nil for anonymous, device-level subscriptions.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey" bson:"endpoint" json:"endpoint"`
	P256DH    string    `gorm:"column:p256dh;not null" bson:"p256dh" json:"p256dh"`
	Auth      string    `gorm:"not null" bson:"auth" json:"auth"`
	UserID    *string   `gorm:"uniqueIndex" bson:"user_id,omitempty" json:"userId,omitempty"`
	CreatedAt time.Time `gorm:"not null" bson:"created_at" json:"createdAt"`
}

// Anonymous reports whether the subscription is not linked to a user.
func (s PushSubscription) Anonymous() bool {
	return s.UserID == nil || *s.UserID == ""
}

// OwnedBy reports whether the subscription belongs to userID.
func (s PushSubscription) OwnedBy(userID string) bool {
	return !s.Anonymous() && *s.UserID == userID
}
