package mirror

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"qms/branch-queue/internal/models"
)

var bucketName = []byte("mirror_events")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("mirror: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("mirror: CBOR decoder initialization failed: " + err.Error())
	}
}

// Buffer persists events that could not be mirrored, keyed by sequence so
// they drain in publication order.
type Buffer struct {
	db *bolt.DB
}

func OpenBuffer(path string) (*Buffer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Buffer{db: db}, nil
}

func (b *Buffer) Enqueue(event models.Event) error {
	if b == nil || b.db == nil {
		return bolt.ErrDatabaseNotOpen
	}
	payload, err := encMode.Marshal(event)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(sequenceKey(event.Sequence), payload)
	})
}

// Batch returns up to limit buffered events, oldest first, without removing them.
func (b *Buffer) Batch(limit int) ([]models.Event, error) {
	if b == nil || b.db == nil {
		return nil, bolt.ErrDatabaseNotOpen
	}
	if limit <= 0 {
		limit = 100
	}
	var events []models.Event
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.First(); k != nil && len(events) < limit; k, v = c.Next() {
			var event models.Event
			if err := decMode.Unmarshal(v, &event); err != nil {
				continue
			}
			events = append(events, event)
		}
		return nil
	})
	return events, err
}

func (b *Buffer) Remove(sequence int64) error {
	if b == nil || b.db == nil {
		return bolt.ErrDatabaseNotOpen
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(sequenceKey(sequence))
	})
}

func (b *Buffer) Size() (int, error) {
	if b == nil || b.db == nil {
		return 0, bolt.ErrDatabaseNotOpen
	}
	var count int
	err := b.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	return count, err
}

func (b *Buffer) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func sequenceKey(sequence int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(sequence))
	return key
}
