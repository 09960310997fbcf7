package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gotrader/internal/domain"
)

var storeLog = logrus.WithField("component", "store")

// Options 存储配置。零值字段用 DefaultOptions 的值补齐。
type Options struct {
	LockRetryDelay     time.Duration // 锁占用时的重试间隔
	LockStaleAfter     time.Duration // 超过该年龄的锁文件视为持有者已崩溃
	LockAcquireTimeout time.Duration // 整体获取超时（超时失败本次操作，而不是永久阻塞）
}

// DefaultOptions 默认锁参数。
func DefaultOptions() Options {
	return Options{
		LockRetryDelay:     50 * time.Millisecond,
		LockStaleAfter:     30 * time.Second,
		LockAcquireTimeout: 10 * time.Second,
	}
}

// Store 崩溃安全、多进程安全的 JSON 文档存储。
//
// 并发模型：
//   - 进程内：Update 由互斥锁串行化，两次并发 Update 不会交错各自的
//     read-modify-write
//   - 进程间：由 path+".lock" 标记文件串行化；输掉创建竞争的一方
//     退避重试，不会产生损坏
//
// 每次写入都走 tmp 文件 + 原子 rename，读者不会观察到半写文档。
type Store struct {
	path     string
	lockPath string
	opts     Options

	mu  sync.Mutex
	doc *domain.Document // 进程内缓存（Snapshot 的数据源，可能略旧）
}

// Open 打开（或初始化）文档存储。文件不存在时创建空文档。
func Open(path string, opts Options) (*Store, error) {
	def := DefaultOptions()
	if opts.LockRetryDelay <= 0 {
		opts.LockRetryDelay = def.LockRetryDelay
	}
	if opts.LockStaleAfter <= 0 {
		opts.LockStaleAfter = def.LockStaleAfter
	}
	if opts.LockAcquireTimeout <= 0 {
		opts.LockAcquireTimeout = def.LockAcquireTimeout
	}

	s := &Store{
		path:     path,
		lockPath: path + ".lock",
		opts:     opts,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create state dir")
	}

	doc, err := s.loadFromDisk()
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = domain.NewDocument(time.Now())
		if err := s.Update(func(d *domain.Document) error { return nil }); err != nil {
			return nil, err
		}
		doc, err = s.loadFromDisk()
		if err != nil {
			return nil, err
		}
	}
	s.doc = doc
	return s, nil
}

// loadFromDisk 读取磁盘文档；文件不存在返回 (nil, nil)。
func (s *Store) loadFromDisk() (*domain.Document, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read state document")
	}
	if len(b) == 0 {
		return nil, nil
	}
	var doc domain.Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrapf(err, "parse state document %s", s.path)
	}
	return &doc, nil
}

// Snapshot 返回内存文档的深拷贝（快速、可能略旧的只读视图）。
func (s *Store) Snapshot() *domain.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return domain.NewDocument(time.Now())
	}
	return cloneDocument(s.doc)
}

// Refresh 从磁盘重读文档并刷新进程内缓存，返回重读后的深拷贝。
// 用于跨进程读场景：内存快照只反映本进程的写入，预检前先 Refresh
// 才能观察到共享同一文件的其它进程刚写入的订单。
func (s *Store) Refresh() (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadFromDisk()
	if err != nil {
		return nil, err
	}
	if doc != nil {
		s.doc = doc
	}
	if s.doc == nil {
		s.doc = domain.NewDocument(time.Now())
	}
	return cloneDocument(s.doc), nil
}

// Update 是唯一合法的变更路径：
// 取锁 → 重读磁盘文档（观察其它进程的并发写入而不是覆盖它）→
// 应用 mutator → 持久化 → 释放锁。
func (s *Store) Update(fn func(*domain.Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.releaseLock()

	doc, err := s.loadFromDisk()
	if err != nil {
		return err
	}
	if doc == nil {
		doc = domain.NewDocument(time.Now())
	}

	if err := fn(doc); err != nil {
		return err
	}
	doc.Version = domain.DocumentVersion
	doc.UpdatedAt = time.Now()

	if err := s.writeAtomic(doc); err != nil {
		return err
	}
	s.doc = doc
	return nil
}

// writeAtomic tmp 文件 + rename，保证读者看不到半写状态。
func (s *Store) writeAtomic(doc *domain.Document) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal state document")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrap(err, "write tmp document")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "rename tmp document")
	}
	return nil
}

// Path 文档文件路径（诊断用）。
func (s *Store) Path() string { return s.path }

// cloneDocument 深拷贝文档（JSON 往返：简单且不会漏字段）。
func cloneDocument(doc *domain.Document) *domain.Document {
	b, err := json.Marshal(doc)
	if err != nil {
		storeLog.Errorf("snapshot marshal 失败: %v", err)
		return domain.NewDocument(time.Now())
	}
	var out domain.Document
	if err := json.Unmarshal(b, &out); err != nil {
		storeLog.Errorf("snapshot unmarshal 失败: %v", err)
		return domain.NewDocument(time.Now())
	}
	return &out
}
