package models

import (
	"gorm.io/gorm"
)

const (
	NotificationAppointmentBooked    = "APPOINTMENT_BOOKED"
	NotificationAppointmentAccepted  = "APPOINTMENT_ACCEPTED"
	NotificationAppointmentRejected  = "APPOINTMENT_REJECTED"
	NotificationAppointmentCancelled = "APPOINTMENT_CANCELLED"
	NotificationAppointmentCompleted = "APPOINTMENT_COMPLETED"
	NotificationRescheduleProposed   = "RESCHEDULE_PROPOSED"
	NotificationSessionReminder      = "SESSION_REMINDER"
)

// Notification is an in-app notification record. It stays in storage for
// later retrieval whether or not the recipient was connected when it was
// written.
type Notification struct {
	gorm.Model
	UserID   uint   `gorm:"column:user_id;not null;index" json:"user_id"`
	UserRole string `gorm:"column:user_role;size:20;not null" json:"user_role"`
	Type     string `gorm:"column:type;size:50;not null" json:"type"`
	Message  string `gorm:"column:message;type:text;not null" json:"message"`
	IsRead   bool   `gorm:"column:is_read;default:false;index" json:"is_read"`
}

// Device is a registered Expo push token for mobile delivery.
type Device struct {
	gorm.Model
	UserID     uint   `gorm:"column:user_id;not null;index;uniqueIndex:idx_devices_token_user" json:"user_id"`
	Token      string `gorm:"column:token;not null;uniqueIndex:idx_devices_token_user" json:"token"`
	DeviceType string `gorm:"column:device_type;type:varchar(50)" json:"device_type,omitempty"`
	DeviceName string `gorm:"column:device_name;type:varchar(100)" json:"device_name,omitempty"`
}
