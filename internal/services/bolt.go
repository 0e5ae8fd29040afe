package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNoCredentials is returned when no user has logged in.
var ErrNoCredentials = errors.New("no credentials stored")

const openTimeout = time.Second

var (
	credentialsBucket = []byte("credentials")
	currentKey        = []byte("current")
)

// Credentials identify the user talking to the backend.
type Credentials struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// BoltDB keeps the logged-in user's credentials in a BoltDB file, so they survive restarts of the server and are
// shared with the CLI.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens the database at path, creating it with 0600 permissions if it doesn't exist, and makes sure the
// credentials bucket is present. The file is locked while open; a second process gives up after openTimeout.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(credentialsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create credentials bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// SetCredentials stores creds, replacing whatever was stored before.
func (b BoltDB) SetCredentials(_ context.Context, creds Credentials) error {
	if creds.Token == "" {
		return errors.New("token is empty")
	}

	v, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialsBucket).Put(currentKey, v)
	})
}

// Credentials returns the stored credentials, or ErrNoCredentials if nobody is logged in.
func (b BoltDB) Credentials(context.Context) (Credentials, error) {
	var creds Credentials
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(credentialsBucket).Get(currentKey)
		if v == nil {
			return ErrNoCredentials
		}
		if err := json.Unmarshal(v, &creds); err != nil {
			return fmt.Errorf("failed to unmarshal credentials: %w", err)
		}
		return nil
	})
	if err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// ClearCredentials removes the stored credentials. Clearing when nobody is logged in is not an error.
func (b BoltDB) ClearCredentials(context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialsBucket).Delete(currentKey)
	})
}

// AuthToken returns the stored token. It returns an empty token and a nil error when nobody is logged in, so sends
// go out unauthenticated and the backend decides.
func (b BoltDB) AuthToken(ctx context.Context) (string, error) {
	creds, err := b.Credentials(ctx)
	if errors.Is(err, ErrNoCredentials) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return creds.Token, nil
}

// StaticToken is a token source for a token given on the command line or in the environment.
type StaticToken string

// AuthToken returns the token itself.
func (s StaticToken) AuthToken(context.Context) (string, error) {
	return string(s), nil
}
