package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/truthgate/truthgate/pkg/types"
)

var (
	// Bucket names
	bucketIPCounters     = []byte("ip_counters")
	bucketGlobalCounters = []byte("global_counters")
	bucketBans           = []byte("bans")
	bucketWhitelists     = []byte("whitelists")
	bucketGrace          = []byte("grace")
	bucketAudit          = []byte("audit")
	bucketCertificates   = []byte("certificates")
	bucketACMEAccounts   = []byte("acme_accounts")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "truthgate.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketIPCounters,
			bucketGlobalCounters,
			bucketBans,
			bucketWhitelists,
			bucketGrace,
			bucketAudit,
			bucketCertificates,
			bucketACMEAccounts,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Counter keys lead with the minute bucket so retention purges can walk a
// sorted prefix range.
func ipCounterKey(bucket, ip string) []byte {
	return []byte(bucket + "/" + ip)
}

func (s *BoltStore) PutIPCounter(rec *types.IPCounterRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIPCounters)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(ipCounterKey(rec.Bucket, rec.IP), data)
	})
}

func (s *BoltStore) GetIPCounter(ip, bucket string) (*types.IPCounterRecord, error) {
	var rec types.IPCounterRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIPCounters)
		data := b.Get(ipCounterKey(bucket, ip))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) PutGlobalCounter(rec *types.GlobalCounterRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGlobalCounters)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Bucket), data)
	})
}

func (s *BoltStore) GetGlobalCounter(bucket string) (*types.GlobalCounterRecord, error) {
	var rec types.GlobalCounterRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGlobalCounters)
		data := b.Get([]byte(bucket))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteCountersBefore removes all counters whose minute bucket sorts
// strictly before the given bucket.
func (s *BoltStore) DeleteCountersBefore(bucket string) error {
	limit := []byte(bucket)
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketIPCounters, bucketGlobalCounters} {
			c := tx.Bucket(name).Cursor()
			for k, _ := c.First(); k != nil && bytes.Compare(k, limit) < 0; k, _ = c.Next() {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Ban operations
func (s *BoltStore) PutBan(ban *types.BanRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBans)
		data, err := json.Marshal(ban)
		if err != nil {
			return err
		}
		return b.Put([]byte(ban.ID), data)
	})
}

func (s *BoltStore) ListBans() ([]*types.BanRecord, error) {
	var bans []*types.BanRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBans)
		return b.ForEach(func(k, v []byte) error {
			var ban types.BanRecord
			if err := json.Unmarshal(v, &ban); err != nil {
				return err
			}
			bans = append(bans, &ban)
			return nil
		})
	})
	return bans, err
}

func (s *BoltStore) DeleteBan(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBans).Delete([]byte(id))
	})
}

func (s *BoltStore) DeleteBansForIP(ip string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBans)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var ban types.BanRecord
			if err := json.Unmarshal(v, &ban); err != nil {
				return err
			}
			if ban.IP == ip {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Whitelist operations
func (s *BoltStore) PutWhitelist(wl *types.WhitelistRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWhitelists)
		data, err := json.Marshal(wl)
		if err != nil {
			return err
		}
		return b.Put([]byte(wl.ID), data)
	})
}

func (s *BoltStore) ListWhitelists() ([]*types.WhitelistRecord, error) {
	var wls []*types.WhitelistRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWhitelists)
		return b.ForEach(func(k, v []byte) error {
			var wl types.WhitelistRecord
			if err := json.Unmarshal(v, &wl); err != nil {
				return err
			}
			wls = append(wls, &wl)
			return nil
		})
	})
	return wls, err
}

func (s *BoltStore) DeleteWhitelist(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWhitelists).Delete([]byte(id))
	})
}

func (s *BoltStore) DeleteWhitelistsForIP(ip string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWhitelists)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var wl types.WhitelistRecord
			if err := json.Unmarshal(v, &wl); err != nil {
				return err
			}
			if wl.IP == ip {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Grace operations
func (s *BoltStore) PutGrace(rec *types.GraceRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGrace)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.IP+"/"+rec.KeyHash), data)
	})
}

func (s *BoltStore) DeleteGraceBefore(t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGrace)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec types.GraceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.ExpiresUTC.Before(t) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Audit operations. Keys are sequence numbers so listing returns records
// in append order.
func (s *BoltStore) AppendAudit(rec *types.AuditRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListAudit(limit int) ([]*types.AuditRecord, error) {
	var recs []*types.AuditRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(recs) < limit); k, v = c.Prev() {
			var rec types.AuditRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	return recs, err
}

// Certificate operations
func (s *BoltStore) PutCertificate(rec *types.CertRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Host), data)
	})
}

func (s *BoltStore) GetCertificate(host string) (*types.CertRecord, error) {
	var rec types.CertRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		data := b.Get([]byte(host))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListCertificates() ([]*types.CertRecord, error) {
	var recs []*types.CertRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		return b.ForEach(func(k, v []byte) error {
			var rec types.CertRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) DeleteCertificate(host string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCertificates).Delete([]byte(host))
	})
}

// ACME account operations
func (s *BoltStore) PutACMEAccount(env string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketACMEAccounts).Put([]byte(env), data)
	})
}

func (s *BoltStore) GetACMEAccount(env string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketACMEAccounts).Get([]byte(env))
		if data == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
