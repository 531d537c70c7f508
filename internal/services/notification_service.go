package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/schoolpay/backend/internal/models"
	"github.com/spf13/viper"
	"gopkg.in/gomail.v2"
)

const notificationQueue = "notification_queue"

// NotificationService delivers payment receipts to parents and alerts to
// operators. Requests are queued to Redis and drained by a worker so delivery
// never sits on the request path; when Redis is unavailable the request is
// dispatched on a goroutine instead of being dropped.
type NotificationService struct {
	redis *redis.Client
	sms   *SMSGateway
	email *EmailGateway
}

func NewNotificationService(redisClient *redis.Client) *NotificationService {
	return &NotificationService{
		redis: redisClient,
		sms:   NewSMSGateway(),
		email: NewEmailGateway(),
	}
}

// Notify enqueues a notification request. Best-effort: failures are logged
// and swallowed.
func (ns *NotificationService) Notify(req models.NotificationRequest) {
	if ns.redis == nil {
		go ns.dispatch(req)
		return
	}

	data, err := json.Marshal(req)
	if err != nil {
		log.Printf("[NOTIFY] Failed to marshal notification: %v", err)
		return
	}
	if err := ns.redis.RPush(context.Background(), notificationQueue, data).Err(); err != nil {
		log.Printf("[NOTIFY] Queue unavailable, dispatching directly: %v", err)
		go ns.dispatch(req)
	}
}

// StartWorker drains the notification queue until ctx is cancelled. Run it
// once, from main.
func (ns *NotificationService) StartWorker(ctx context.Context) {
	if ns.redis == nil {
		log.Printf("[NOTIFY] No Redis client, notification worker not started")
		return
	}
	log.Printf("[NOTIFY] Notification worker started")

	for {
		select {
		case <-ctx.Done():
			log.Printf("[NOTIFY] Notification worker stopping")
			return
		default:
		}

		result, err := ns.redis.BLPop(ctx, 5*time.Second, notificationQueue).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[NOTIFY] Failed to read notification queue: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var req models.NotificationRequest
		if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
			log.Printf("[NOTIFY] Discarding malformed notification: %v", err)
			continue
		}
		ns.dispatch(req)
	}
}

func (ns *NotificationService) dispatch(req models.NotificationRequest) {
	switch req.Audience {
	case models.AudienceParent:
		if req.Phone != "" {
			if err := ns.sms.Send(req.Phone, req.Message); err != nil {
				log.Printf("[NOTIFY] SMS to %s failed: %v", req.Phone, err)
			}
		}
		if req.Email != "" {
			if err := ns.email.Send(req.Email, "Payment Received", req.Message); err != nil {
				log.Printf("[NOTIFY] Email to %s failed: %v", req.Email, err)
			}
		}
	case models.AudienceOperator:
		to := viper.GetString("notifications.operator_email")
		if to == "" {
			log.Printf("[NOTIFY] Operator alert (no operator email configured): %s", req.Message)
			return
		}
		if err := ns.email.Send(to, "Payment Requires Attention", req.Message); err != nil {
			log.Printf("[NOTIFY] Operator email failed: %v", err)
		}
	default:
		log.Printf("[NOTIFY] Unknown audience %q, dropping notification", req.Audience)
	}
}

// SMSGateway posts messages to an HTTP SMS provider. With no gateway URL
// configured it degrades to logging, which keeps local development quiet.
type SMSGateway struct {
	url      string
	apiKey   string
	senderID string
	client   *http.Client
}

func NewSMSGateway() *SMSGateway {
	return &SMSGateway{
		url:      viper.GetString("sms.gateway_url"),
		apiKey:   viper.GetString("sms.api_key"),
		senderID: viper.GetString("sms.sender_id"),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *SMSGateway) Send(phone, message string) error {
	if g.url == "" {
		log.Printf("[SMS] (not configured) to=%s message=%q", phone, message)
		return nil
	}

	payload, err := json.Marshal(map[string]string{
		"to":      phone,
		"from":    g.senderID,
		"message": message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, g.url, bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned %d", resp.StatusCode)
	}
	return nil
}

// EmailGateway sends over SMTP. With no host configured it degrades to
// logging.
type EmailGateway struct {
	dialer *gomail.Dialer
	from   string
}

func NewEmailGateway() *EmailGateway {
	host := viper.GetString("smtp.host")
	if host == "" {
		return &EmailGateway{}
	}
	return &EmailGateway{
		dialer: gomail.NewDialer(
			host,
			viper.GetInt("smtp.port"),
			viper.GetString("smtp.username"),
			viper.GetString("smtp.password"),
		),
		from: viper.GetString("smtp.from"),
	}
}

func (g *EmailGateway) Send(to, subject, body string) error {
	if g.dialer == nil {
		log.Printf("[EMAIL] (not configured) to=%s subject=%q", to, subject)
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", g.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := g.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
