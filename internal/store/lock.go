package store

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
)

// ErrLockTimeout 在锁获取超时后返回。只影响本次操作，不影响后续重试。
var ErrLockTimeout = fmt.Errorf("store: lock acquire timeout")

// acquireLock 以 O_CREATE|O_EXCL 创建锁文件（平台原子原语）。
//
// 创建失败则短暂等待后重试；若现存锁文件的年龄超过 staleAfter，
// 视为持有进程已崩溃，直接删除后重试。
//
// 已知弱点（保持原设计，不做加强）：过期判断只看文件年龄，
// 假设无时钟偏移、无活性探测；多主机部署需要真正的锁服务，超出本设计范围。
func (s *Store) acquireLock() error {
	deadline := time.Now().Add(s.opts.LockAcquireTimeout)

	for {
		f, err := os.OpenFile(s.lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			// 锁文件内容仅用于诊断（pid + 启动时间），不具权威性
			fmt.Fprintf(f, "pid=%d start=%s\n", os.Getpid(), time.Now().Format(time.RFC3339Nano))
			_ = f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return errors.Wrap(err, "create lock marker")
		}

		// 锁已被占用：检查是否过期
		if fi, statErr := os.Stat(s.lockPath); statErr == nil {
			if age := time.Since(fi.ModTime()); age > s.opts.LockStaleAfter {
				storeLog.Warnf("移除过期锁文件 %s（age=%v > %v）", s.lockPath, age, s.opts.LockStaleAfter)
				_ = os.Remove(s.lockPath)
				continue
			}
		}

		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(s.opts.LockRetryDelay)
	}
}

// releaseLock 删除锁文件。
func (s *Store) releaseLock() {
	if err := os.Remove(s.lockPath); err != nil && !os.IsNotExist(err) {
		storeLog.Errorf("释放锁文件失败: %v", err)
	}
}
