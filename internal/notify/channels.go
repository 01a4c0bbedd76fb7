package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushChannel posts FCM-shaped JSON to a push-provider endpoint.
type PushChannel struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushChannel(endpoint, key string) *PushChannel {
	return &PushChannel{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushChannel) Send(ctx context.Context, address, text string) error {
	body := map[string]interface{}{"message": map[string]interface{}{
		"token": address,
		"notification": map[string]string{"body": text},
	}}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider status %d", resp.StatusCode)
	}
	return nil
}

// SMSChannel posts to a text-message provider endpoint.
type SMSChannel struct {
	Endpoint string
	Client   *http.Client
}

func NewSMSChannel(endpoint string) *SMSChannel {
	return &SMSChannel{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (s *SMSChannel) Send(ctx context.Context, address, text string) error {
	b, _ := json.Marshal(map[string]string{"to": address, "body": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms provider status %d", resp.StatusCode)
	}
	return nil
}
