// Package journal remembers which provider message IDs have already been
// accepted, so webhook retries do not enqueue the same document twice.
package journal

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketMessages = []byte("messages")

type Journal struct {
	db *bolt.DB
}

func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMessages)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

// Seen reports whether messageID has already been recorded.
func (j *Journal) Seen(messageID string) (seen bool, err error) {
	err = j.db.View(func(tx *bolt.Tx) error {
		seen = tx.Bucket(bucketMessages).Get([]byte(messageID)) != nil
		return nil
	})
	return seen, err
}

// MarkSeen records messageID and reports whether it was already present.
// The check and the write share one transaction, so concurrent webhook
// retries agree on a single first delivery.
func (j *Journal) MarkSeen(messageID string) (seen bool, err error) {
	err = j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		if b.Get([]byte(messageID)) != nil {
			seen = true
			return nil
		}
		return b.Put([]byte(messageID), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	return seen, err
}

func (j *Journal) Close() error { return j.db.Close() }
