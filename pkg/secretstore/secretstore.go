package secretstore

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	keyAccessKey = "exchange/access_key"
	keySecretKey = "exchange/secret_key"
)

// Credentials 交易所 API 凭证。
type Credentials struct {
	AccessKey string
	SecretKey string
}

// Store 落盘加密的凭证库（Badger）。
// 加密由 Badger 本身的选项提供（value log + key registry），不是这层包装。
type Store struct {
	db *badger.DB
}

type OpenOptions struct {
	Path          string
	EncryptionKey []byte // 32 字节；为 nil 时不加密打开（不推荐）
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
		// Badger 加密模式要求开启索引缓存
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20) // 100MB
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

// LoadCredentials 读取交易所凭证。两个键都不存在时返回 found=false。
func (s *Store) LoadCredentials() (Credentials, bool, error) {
	var creds Credentials
	ak, okA, err := s.get(keyAccessKey)
	if err != nil {
		return creds, false, err
	}
	sk, okS, err := s.get(keySecretKey)
	if err != nil {
		return creds, false, err
	}
	if !okA && !okS {
		return creds, false, nil
	}
	creds.AccessKey = ak
	creds.SecretKey = sk
	return creds, true, nil
}

// StoreCredentials 写入交易所凭证（两个键在同一事务内）。
func (s *Store) StoreCredentials(creds Credentials) error {
	if s == nil || s.db == nil {
		return errors.New("secretstore: not opened")
	}
	if strings.TrimSpace(creds.AccessKey) == "" || strings.TrimSpace(creds.SecretKey) == "" {
		return errors.New("secretstore: access key and secret key are required")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keyAccessKey), []byte(creds.AccessKey)); err != nil {
			return err
		}
		return txn.Set([]byte(keySecretKey), []byte(creds.SecretKey))
	})
}

func (s *Store) get(key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, errors.New("secretstore: not opened")
	}
	var out string
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
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

// ParseKey 解析 32 字节的加密密钥（base64 或 hex）。输入为空时返回 nil。
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
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
