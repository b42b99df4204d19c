package persistence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BaSui01/agentregistry/agent/discovery"
	"github.com/BaSui01/agentregistry/agent/health"
)

const (
	registrationsDir = "registrations"
	lifecyclesDir    = "lifecycles"
)

// FileStore 是基于文件的存储实现，每条记录一个 JSON 文件。
// 适合单节点生产部署.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
	closed  bool
}

// NewFileStore 创建文件存储并确保目录存在
func NewFileStore(config StoreConfig) (*FileStore, error) {
	if config.BaseDir == "" {
		return nil, fmt.Errorf("%w: base_dir is required for file store", ErrInvalidInput)
	}
	for _, dir := range []string{registrationsDir, lifecyclesDir} {
		if err := os.MkdirAll(filepath.Join(config.BaseDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return &FileStore{baseDir: config.BaseDir}, nil
}

// Close 关闭存储
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping 检查存储目录是否可用
func (s *FileStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.baseDir)
	return err
}

func (s *FileStore) path(dir, agentID string) string {
	return filepath.Join(s.baseDir, dir, agentID+".json")
}

// SaveRegistration implements discovery.Persistence.
func (s *FileStore) SaveRegistration(_ context.Context, reg *discovery.AgentRegistration) error {
	data, err := encodeRegistration(reg)
	if err != nil {
		return backendError("save_registration", "", err)
	}
	return backendError("save_registration", reg.AgentID, s.write(registrationsDir, reg.AgentID, data))
}

// DeleteRegistration implements discovery.Persistence.
func (s *FileStore) DeleteRegistration(_ context.Context, agentID string) error {
	return backendError("delete_registration", agentID, s.remove(registrationsDir, agentID))
}

// SaveLifecycle implements discovery.Persistence.
func (s *FileStore) SaveLifecycle(_ context.Context, lc *health.Lifecycle) error {
	data, err := encodeLifecycle(lc)
	if err != nil {
		return backendError("save_lifecycle", "", err)
	}
	return backendError("save_lifecycle", lc.AgentID, s.write(lifecyclesDir, lc.AgentID, data))
}

// DeleteLifecycle implements discovery.Persistence.
func (s *FileStore) DeleteLifecycle(_ context.Context, agentID string) error {
	return backendError("delete_lifecycle", agentID, s.remove(lifecyclesDir, agentID))
}

// LoadAll implements discovery.Persistence. Files that fail to decode are
// reported together; the rest still load.
func (s *FileStore) LoadAll(context.Context) (*discovery.PersistedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, backendError("load_all", "", ErrStoreClosed)
	}

	state := &discovery.PersistedState{}
	var errs []error
	err := s.each(registrationsDir, func(data []byte) error {
		reg, err := decodeRegistration(data)
		if err == nil {
			state.Registrations = append(state.Registrations, reg)
		}
		return err
	}, &errs)
	if err != nil {
		return nil, backendError("load_all", "", err)
	}
	err = s.each(lifecyclesDir, func(data []byte) error {
		lc, err := decodeLifecycle(data)
		if err == nil {
			state.Lifecycles = append(state.Lifecycles, lc)
		}
		return err
	}, &errs)
	if err != nil {
		return nil, backendError("load_all", "", err)
	}
	sortState(state)
	if len(errs) > 0 {
		return state, backendError("load_all", "", errors.Join(errs...))
	}
	return state, nil
}

// write 原子写: 写入临时文件后重命名
func (s *FileStore) write(dir, agentID string, data []byte) error {
	if err := validID(agentID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	path := s.path(dir, agentID)
	tmp, err := os.CreateTemp(filepath.Dir(path), agentID+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileStore) remove(dir, agentID string) error {
	if err := validID(agentID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := os.Remove(s.path(dir, agentID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) each(dir string, fn func([]byte) error, errs *[]error) error {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, dir))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, dir, e.Name()))
		if err != nil {
			*errs = append(*errs, err)
			continue
		}
		if err := fn(data); err != nil {
			*errs = append(*errs, fmt.Errorf("%s/%s: %w", dir, e.Name(), err))
		}
	}
	return nil
}

var _ Store = (*FileStore)(nil)
