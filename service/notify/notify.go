package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
	"github.com/wemeerkats/server/cmd/models"
	"github.com/wemeerkats/server/service/ws"
	"gorm.io/gorm"
)

// NotificationService persists in-app notifications and fans them out over
// websocket and Expo push. Persistence is the source of truth; delivery
// legs are best effort.
type NotificationService struct {
	db         *gorm.DB
	hub        *ws.Hub
	expoClient *expo.PushClient
}

func NewNotificationService(db *gorm.DB, hub *ws.Hub) *NotificationService {
	return &NotificationService{
		db:         db,
		hub:        hub,
		expoClient: expo.NewPushClient(nil),
	}
}

// Notify stores the notification, then pushes it to open websocket
// connections and registered devices.
func (n *NotificationService) Notify(userID uint, userRole, notificationType, message string) error {
	notification := models.Notification{
		UserID:   userID,
		UserRole: userRole,
		Type:     notificationType,
		Message:  message,
	}
	if err := n.db.Create(&notification).Error; err != nil {
		return fmt.Errorf("storing notification: %w", err)
	}

	if n.hub != nil && n.hub.IsOnline(userID) {
		payload, err := json.Marshal(map[string]interface{}{
			"kind":         "notification",
			"notification": notification,
		})
		if err == nil {
			n.hub.SendToUser(userID, payload)
		}
	}

	if err := n.pushToDevices(userID, notificationType, message); err != nil {
		log.Printf("push delivery for user %d failed: %v", userID, err)
	}
	return nil
}

var pushTitles = map[string]string{
	models.NotificationAppointmentBooked:    "New session request",
	models.NotificationAppointmentAccepted:  "Session confirmed",
	models.NotificationAppointmentRejected:  "Session declined",
	models.NotificationAppointmentCancelled: "Session cancelled",
	models.NotificationAppointmentCompleted: "Session completed",
	models.NotificationRescheduleProposed:   "New time proposed",
	models.NotificationSessionReminder:      "Session reminder",
}

func (n *NotificationService) pushToDevices(userID uint, notificationType, message string) error {
	var devices []models.Device
	if err := n.db.Where("user_id = ?", userID).Find(&devices).Error; err != nil {
		return err
	}
	if len(devices) == 0 {
		return nil
	}

	var validTokens []expo.ExponentPushToken
	var invalidTokens []string
	for _, device := range devices {
		pushToken, err := expo.NewExponentPushToken(device.Token)
		if err != nil {
			invalidTokens = append(invalidTokens, device.Token)
			continue
		}
		validTokens = append(validTokens, pushToken)
	}
	n.cleanupInvalidTokens(invalidTokens)
	if len(validTokens) == 0 {
		return nil
	}

	title := pushTitles[notificationType]
	if title == "" {
		title = "WeMeerkats"
	}
	pushMessage := &expo.PushMessage{
		To:       validTokens,
		Title:    title,
		Body:     message,
		Sound:    "default",
		Priority: expo.DefaultPriority,
		Data:     map[string]string{"type": notificationType},
	}

	response, err := n.expoClient.Publish(pushMessage)
	if err != nil {
		return fmt.Errorf("publishing push notification: %w", err)
	}
	if err := response.ValidateResponse(); err != nil {
		return fmt.Errorf("push notification rejected: %w", err)
	}
	return nil
}

func (n *NotificationService) cleanupInvalidTokens(tokens []string) {
	for _, token := range tokens {
		if err := n.db.Where("token = ?", token).Delete(&models.Device{}).Error; err != nil {
			log.Printf("removing invalid push token failed: %v", err)
		}
	}
}

// List returns the user's notifications, newest first.
func (n *NotificationService) List(userID uint, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	query := n.db.Where("user_id = ?", userID)
	if unreadOnly {
		query = query.Where("is_read = ?", false)
	}
	var notifications []models.Notification
	err := query.Order("created_at DESC").Limit(limit).Find(&notifications).Error
	return notifications, err
}

// UnreadCount returns how many notifications the user has not read.
func (n *NotificationService) UnreadCount(userID uint) (int64, error) {
	var count int64
	err := n.db.Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&count).Error
	return count, err
}

// MarkRead flags one notification as read, owner-gated.
func (n *NotificationService) MarkRead(userID, notificationID uint) error {
	result := n.db.Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Update("is_read", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkAllRead flags every unread notification of the user as read.
func (n *NotificationService) MarkAllRead(userID uint) (int64, error) {
	result := n.db.Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Update("is_read", true)
	return result.RowsAffected, result.Error
}

// RegisterDevice upserts an Expo push token for the user.
func (n *NotificationService) RegisterDevice(userID uint, token, deviceType, deviceName string) (*models.Device, error) {
	if _, err := expo.NewExponentPushToken(token); err != nil {
		return nil, fmt.Errorf("invalid push token: %w", err)
	}

	var device models.Device
	err := n.db.Where("user_id = ? AND token = ?", userID, token).First(&device).Error
	if err == gorm.ErrRecordNotFound {
		device = models.Device{
			UserID:     userID,
			Token:      token,
			DeviceType: deviceType,
			DeviceName: deviceName,
		}
		if err := n.db.Create(&device).Error; err != nil {
			return nil, err
		}
		return &device, nil
	}
	if err != nil {
		return nil, err
	}

	if err := n.db.Model(&device).Updates(map[string]interface{}{
		"device_type": deviceType,
		"device_name": deviceName,
		"updated_at":  time.Now(),
	}).Error; err != nil {
		return nil, err
	}
	return &device, nil
}

// DeleteDevice removes a registered push token, owner-gated.
func (n *NotificationService) DeleteDevice(userID uint, token string) error {
	result := n.db.Where("user_id = ? AND token = ?", userID, token).Delete(&models.Device{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
