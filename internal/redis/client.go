package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/telehealth-signaling/config"
	"github.com/mossy-p/telehealth-signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when an appointment room is not registered.
	ErrNotFound = errors.New("room not found")
	// ErrExists is returned when registering a room id that is already taken.
	ErrExists = errors.New("room already exists")
)

const (
	appointmentTTL = 24 * time.Hour
	presenceTTL    = 24 * time.Hour
)

// Store is the redis-backed appointment directory and presence mirror.
// Live room membership is owned by the in-process registry; the peer sets here
// are a best-effort mirror for the REST surface and other instances.
type Store struct {
	client      *redis.Client
	presenceTTL time.Duration
}

// Connect initializes the Redis client and checks connectivity
func Connect(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client), nil
}

// New wraps an existing client.
func New(client *redis.Client) *Store {
	return &Store{client: client, presenceTTL: presenceTTL}
}

// WithPresenceTTL overrides how long an idle peer set survives.
func (s *Store) WithPresenceTTL(ttl time.Duration) *Store {
	if ttl > 0 {
		s.presenceTTL = ttl
	}
	return s
}

// Close closes the Redis connection
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func roomKey(roomID string) string  { return "room:" + roomID }
func peersKey(roomID string) string { return "room:" + roomID + ":peers" }

// AddPeer records peerID as present in roomID.
func (s *Store) AddPeer(ctx context.Context, roomID, peerID string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, peersKey(roomID), peerID)
	pipe.Expire(ctx, peersKey(roomID), s.presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add peer %s to %s: %w", peerID, roomID, err)
	}
	return nil
}

// RemovePeer drops peerID from roomID's presence set.
func (s *Store) RemovePeer(ctx context.Context, roomID, peerID string) error {
	if err := s.client.SRem(ctx, peersKey(roomID), peerID).Err(); err != nil {
		return fmt.Errorf("remove peer %s from %s: %w", peerID, roomID, err)
	}
	return nil
}

// PeerCount returns the number of mirrored peers in roomID.
func (s *Store) PeerCount(ctx context.Context, roomID string) (int, error) {
	n, err := s.client.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// SaveAppointment registers an appointment room. It returns ErrExists if the
// room id is already registered; the existing appointment is left untouched.
func (s *Store) SaveAppointment(ctx context.Context, apt models.Appointment) error {
	data, err := json.Marshal(apt)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, roomKey(apt.RoomID), data, appointmentTTL).Result()
	if err != nil {
		return fmt.Errorf("store room %s: %w", apt.RoomID, err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// Appointment looks up the appointment registered for roomID.
func (s *Store) Appointment(ctx context.Context, roomID string) (*models.Appointment, error) {
	data, err := s.client.Get(ctx, roomKey(roomID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var apt models.Appointment
	if err := json.Unmarshal(data, &apt); err != nil {
		return nil, fmt.Errorf("failed to parse room data: %w", err)
	}
	return &apt, nil
}

// DeleteAppointment removes the appointment and its presence set.
func (s *Store) DeleteAppointment(ctx context.Context, roomID string) error {
	return s.client.Del(ctx, roomKey(roomID), peersKey(roomID)).Err()
}
