package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oarthurfc/AI-outgoing-call/internal/domain"
	"github.com/oarthurfc/AI-outgoing-call/pkg/logger"
	"github.com/oarthurfc/AI-outgoing-call/pkg/redis"
	"go.uber.org/zap"
)

const (
	EndedChannel     = "outbound:call:session:ended"
	SessionKeyPrefix = "outbound:call:session:info"
	SessionTTL       = 3 * time.Hour
)

// SessionInfo is the monitoring view of a live call session
type SessionInfo struct {
	CallID    string           `json:"callId"`
	PodID     string           `json:"podId"`
	State     domain.CallState `json:"state"`
	To        string           `json:"to"`
	StartTime time.Time        `json:"startTime"`
}

// EndedMessage is broadcast when a session leaves the store
type EndedMessage struct {
	CallID string `json:"callId"`
	Reason string `json:"reason"`
}

// Monitor mirrors live sessions into Redis for dashboards running outside the
// process. A nil *Monitor is valid and does nothing.
type Monitor struct {
	redisSvc redis.RedisServiceInterface
	podID    string
}

func NewMonitor(redisSvc redis.RedisServiceInterface, podID string) *Monitor {
	return &Monitor{
		redisSvc: redisSvc,
		podID:    podID,
	}
}

// NewSessionInfo builds the monitoring view of s as seen from podID
func NewSessionInfo(s domain.CallSession, podID string) SessionInfo {
	return SessionInfo{
		CallID:    s.CallID,
		PodID:     podID,
		State:     s.State,
		To:        s.To,
		StartTime: s.CreatedAt,
	}
}

func sessionKey(callID string) string {
	return fmt.Sprintf("%s:%s", SessionKeyPrefix, callID)
}

// Register writes (or refreshes) the monitoring entry for s
func (m *Monitor) Register(ctx context.Context, s domain.CallSession) {
	if m == nil || s.CallID == "" {
		return
	}

	data, err := json.Marshal(NewSessionInfo(s, m.podID))
	if err != nil {
		return
	}

	if err := m.redisSvc.SetValue(ctx, sessionKey(s.CallID), string(data), SessionTTL); err != nil {
		logger.Base().Warn("Failed to register session in Redis", zap.String("call_id", s.CallID), zap.Error(err))
		return
	}
	logger.Base().Debug("Session registered in Redis", zap.String("call_id", s.CallID), zap.String("state", string(s.State)))
}

// Unregister removes the monitoring entry and broadcasts why the session ended
func (m *Monitor) Unregister(ctx context.Context, callID, reason string) {
	if m == nil || callID == "" {
		return
	}

	if err := m.redisSvc.DelValue(ctx, sessionKey(callID)); err != nil {
		logger.Base().Warn("Failed to unregister session from Redis", zap.String("call_id", callID), zap.Error(err))
	}
	if err := m.redisSvc.Publish(ctx, EndedChannel, EndedMessage{CallID: callID, Reason: reason}); err != nil {
		logger.Base().Warn("Failed to broadcast session end", zap.String("call_id", callID), zap.Error(err))
	}
}

// Lookup returns the monitoring entry for callID, which may belong to another
// pod. A nil monitor or a missing entry yields domain.ErrNotFound.
func (m *Monitor) Lookup(ctx context.Context, callID string) (SessionInfo, error) {
	if m == nil {
		return SessionInfo{}, fmt.Errorf("call %s: %w", callID, domain.ErrNotFound)
	}

	raw, err := m.redisSvc.GetValue(ctx, sessionKey(callID))
	if err != nil {
		if errors.Is(err, redis.ErrKeyNotExist) {
			return SessionInfo{}, fmt.Errorf("call %s: %w", callID, domain.ErrNotFound)
		}
		return SessionInfo{}, fmt.Errorf("failed to read session %s: %w", callID, err)
	}

	var info SessionInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return SessionInfo{}, fmt.Errorf("malformed session entry %s: %w", callID, err)
	}
	return info, nil
}
