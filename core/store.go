package core

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	bolt "go.etcd.io/bbolt"

	"github.com/relaymesh/node/pkg/utils"
)

var (
	bucketMeta     = []byte("meta")
	bucketChannels = []byte("channels")
	bucketPayments = []byte("payments")

	keyIdentity    = []byte("identity")
	keyWalletSeed  = []byte("wallet_seed")
	keyNextKeyIdx  = []byte("next_key_index")
)

// Store is the bbolt-backed persistent key-value store holding node
// identity material, the payment-system wallet's BIP-39 mnemonic, and every channel's
// record plus its append-only payment log.
//
// Atomicity requirement from the external spec: every state transition is
// written inside a single bbolt transaction, never split across two Update
// calls.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if absent) the bbolt database at path and
// ensures the top-level buckets exist.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, utils.Wrap(err, "open store")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketChannels, bucketPayments} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, utils.Wrap(err, "init store buckets")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadIdentityKey returns the previously persisted marshaled private key, or
// nil if none has been stored yet.
func (s *Store) LoadIdentityKey() ([]byte, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyIdentity)
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	return raw, err
}

// SaveIdentityKey persists the marshaled private key.
func (s *Store) SaveIdentityKey(raw []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyIdentity, raw)
	})
}

// LoadWalletSeed returns the previously persisted wallet mnemonic, or nil.
func (s *Store) LoadWalletSeed() ([]byte, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyWalletSeed)
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	return raw, err
}

// SaveWalletSeed persists the wallet mnemonic.
func (s *Store) SaveWalletSeed(seed []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyWalletSeed, seed)
	})
}

// NextKeyIndex atomically allocates and returns the next unused HD
// account-key index for a per-channel private key.
func (s *Store) NextKeyIndex() (uint32, error) {
	var idx uint32
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		v := b.Get(keyNextKeyIdx)
		if v != nil {
			idx = binary.BigEndian.Uint32(v)
		}
		next := make([]byte, 4)
		binary.BigEndian.PutUint32(next, idx+1)
		return b.Put(keyNextKeyIdx, next)
	})
	return idx, err
}

// channelRecord is the gob-serializable form of Channel.
type channelRecord = Channel

// SaveChannel persists the full channel record in one atomic write.
func (s *Store) SaveChannel(ch *Channel) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode((*channelRecord)(ch)); err != nil {
		return utils.Wrap(err, "encode channel")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChannels).Put([]byte(ch.ID), buf.Bytes())
	})
}

// LoadChannel returns the persisted channel record, or nil if unknown.
func (s *Store) LoadChannel(id string) (*Channel, error) {
	var ch *Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketChannels).Get([]byte(id))
		if v == nil {
			return nil
		}
		var rec channelRecord
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
			return err
		}
		c := Channel(rec)
		ch = &c
		return nil
	})
	return ch, err
}

// ListChannels returns every persisted channel record.
func (s *Store) ListChannels() ([]*Channel, error) {
	var out []*Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChannels).ForEach(func(k, v []byte) error {
			var rec channelRecord
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return err
			}
			c := Channel(rec)
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

// AppendPayment writes one payment record to channelID's append-only log,
// keyed by a big-endian sequence number so ForEach iterates in order.
func (s *Store) AppendPayment(channelID string, rec *PaymentRecord) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return utils.Wrap(err, "encode payment record")
	}
	key := paymentKey(channelID, rec.NewSequenceNumber)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPayments).Put(key, buf.Bytes())
	})
}

// PaymentLog returns every payment record for channelID in sequence order.
func (s *Store) PaymentLog(channelID string) ([]*PaymentRecord, error) {
	prefix := []byte(channelID + "/")
	var out []*PaymentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPayments).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec PaymentRecord
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

func paymentKey(channelID string, seq uint64) []byte {
	buf := make([]byte, len(channelID)+1+8)
	n := copy(buf, channelID)
	buf[n] = '/'
	binary.BigEndian.PutUint64(buf[n+1:], seq)
	return buf
}

