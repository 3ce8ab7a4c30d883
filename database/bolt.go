package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cufee/botto-gatekeeper/verification"
	bolt "go.etcd.io/bbolt"
)

var (
	guildsBucket       = []byte("guilds")
	verificationBucket = []byte("verification")
	stateKey           = []byte("state")
)

// BoltStore - Bolt db connection
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt - Open or create a bolt file and its buckets
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{guildsBucket, verificationBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// GetGuildSettings - Get settings struct for a guild, empty settings if the guild is new
func (s *BoltStore) GetGuildSettings(ctx context.Context, gid string) (gs GuildSettings, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(guildsBucket).Get([]byte(gid))
		if v == nil {
			gs.ID = gid
			return nil
		}
		return json.Unmarshal(v, &gs)
	})
	return gs, err
}

// UpdateGuildSettings - Update guild setting in DB
func (s *BoltStore) UpdateGuildSettings(ctx context.Context, gs GuildSettings) error {
	bts, err := json.Marshal(gs)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(guildsBucket).Put([]byte(gs.ID), bts)
	})
}

// LoadVerificationState - Read the verification config and pending table
func (s *BoltStore) LoadVerificationState(ctx context.Context) (state verification.State, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(verificationBucket).Get(stateKey)
		if v == nil {
			return verification.ErrStateNotFound
		}
		return json.Unmarshal(v, &state)
	})
	if state.Pending == nil {
		state.Pending = make(map[verification.Key]verification.Pending)
	}
	return state, err
}

// SaveVerificationState - Overwrite the stored verification state with a full snapshot
func (s *BoltStore) SaveVerificationState(ctx context.Context, state verification.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bts, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(verificationBucket).Put(stateKey, bts)
	})
}

// Close - Close DB connection
func (s *BoltStore) Close() error {
	return s.db.Close()
}
