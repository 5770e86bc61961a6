package secretstore

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// Store is a small encrypted-at-rest KV wrapper over badger. Encryption is
// done by badger itself when an EncryptionKey is given.
type Store struct {
	db *badger.DB
}

type OpenOptions struct {
	Path          string
	EncryptionKey []byte // 32 bytes; if nil, DB is opened without encryption (not recommended)
	ReadOnly      bool
}

func Open(opts OpenOptions) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("secretstore: path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly)
	if len(opts.EncryptionKey) > 0 {
		// badger needs an index cache when encryption is on
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(16 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) GetString(key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, errors.New("secretstore: not opened")
	}
	k := []byte(strings.TrimSpace(key))
	if len(k) == 0 {
		return "", false, errors.New("secretstore: key is empty")
	}
	var (
		out   string
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			out = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false, err
	}
	return out, found, nil
}

func (s *Store) SetString(key string, val string) error {
	if s == nil || s.db == nil {
		return errors.New("secretstore: not opened")
	}
	k := []byte(strings.TrimSpace(key))
	if len(k) == 0 {
		return errors.New("secretstore: key is empty")
	}
	v := []byte(val)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, v)
	})
}

// ParseKey expects 32 bytes (base64 or hex). Returns nil if input is empty.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	// hex wins over base64 for strings valid in both
	rawHex := strings.TrimPrefix(raw, "0x")
	if b, err := hex.DecodeString(rawHex); err == nil {
		if len(b) == 32 {
			return b, nil
		}
		return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	return nil, errors.New("key must be base64(32 bytes) or hex(32 bytes)")
}

// Keys under which cmd/env2badger stores the exchange credentials.
const (
	KeyClientID     = "deribit/client_id"
	KeyClientSecret = "deribit/client_secret"
)

// Credentials is the client-credentials grant pair.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// PutCredentials stores both halves of the grant in one transaction.
func (s *Store) PutCredentials(c Credentials) error {
	if s == nil || s.db == nil {
		return errors.New("secretstore: not opened")
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return errors.New("secretstore: client id and secret are required")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(KeyClientID), []byte(c.ClientID)); err != nil {
			return err
		}
		return txn.Set([]byte(KeyClientSecret), []byte(c.ClientSecret))
	})
}

// LoadCredentials returns the stored grant. ok is false unless both halves
// are present.
func (s *Store) LoadCredentials() (c Credentials, ok bool, err error) {
	id, idOK, err := s.GetString(KeyClientID)
	if err != nil {
		return Credentials{}, false, err
	}
	secret, secretOK, err := s.GetString(KeyClientSecret)
	if err != nil {
		return Credentials{}, false, err
	}
	if !idOK || !secretOK {
		return Credentials{}, false, nil
	}
	return Credentials{ClientID: id, ClientSecret: secret}, true, nil
}
