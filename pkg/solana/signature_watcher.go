package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// SignatureWatcher waits for signatureNotification over the RPC websocket.
// It is a fast path only; callers still poll SignatureStatus.
type SignatureWatcher struct {
	wsEndpoint string
	dialer     *websocket.Dialer
}

// NewSignatureWatcher returns a watcher for wsEndpoint.
func NewSignatureWatcher(wsEndpoint string) *SignatureWatcher {
	return &SignatureWatcher{
		wsEndpoint: wsEndpoint,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

type wsMessage struct {
	ID     *int            `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Method string          `json:"method,omitempty"`
	Params *struct {
		Result struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Err interface{} `json:"err"`
			} `json:"value"`
		} `json:"result"`
		Subscription int64 `json:"subscription"`
	} `json:"params,omitempty"`
	Error interface{} `json:"error,omitempty"`
}

// Wait subscribes to signature at confirmed commitment and blocks until
// the notification arrives or ctx is done.
func (w *SignatureWatcher) Wait(ctx context.Context, signature string) (SignatureStatus, error) {
	c, _, err := w.dialer.DialContext(ctx, w.wsEndpoint, nil)
	if err != nil {
		return SignatureStatus{}, fmt.Errorf("failed to connect to Solana WebSocket: %w", err)
	}
	defer c.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			// unblocks ReadMessage
			_ = c.Close()
		case <-stop:
		}
	}()

	subscribeMsg := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "signatureSubscribe",
		"params": []interface{}{
			signature,
			map[string]interface{}{"commitment": "confirmed"},
		},
	}
	if err := c.WriteJSON(subscribeMsg); err != nil {
		return SignatureStatus{}, fmt.Errorf("failed to send subscription message: %w", err)
	}

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return SignatureStatus{}, ctx.Err()
			}
			return SignatureStatus{}, fmt.Errorf("error reading message: %w", err)
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.WithFields(log.Fields{"signature": signature, "error": err.Error()}).
				Warn("Failed to unmarshal websocket message")
			continue
		}
		if msg.ID != nil {
			if msg.Error != nil {
				return SignatureStatus{}, fmt.Errorf("subscription rejected: %v", msg.Error)
			}
			log.WithFields(log.Fields{"signature": signature, "subscription_id": string(msg.Result)}).
				Debug("Signature subscription confirmed")
			continue
		}
		if msg.Method != "signatureNotification" || msg.Params == nil {
			continue
		}

		status := SignatureStatus{Found: true, Slot: msg.Params.Result.Context.Slot}
		if e := msg.Params.Result.Value.Err; e != nil {
			errJSON, _ := json.Marshal(e)
			status.Err = string(errJSON)
		} else {
			status.Confirmed = true
		}
		return status, nil
	}
}
