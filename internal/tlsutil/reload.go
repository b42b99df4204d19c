package tlsutil

import (
	"crypto/tls"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultReloadInterval 两次检查证书文件修改时间的最小间隔
const DefaultReloadInterval = 30 * time.Second

// CertReloader 在 TLS 握手时按需重新加载轮换后的证书。
// 文件修改时间变化才会重新解析；新证书解析失败时继续使用旧证书。
type CertReloader struct {
	certFile, keyFile string
	interval          time.Duration
	now               func() time.Time
	logger            *zap.Logger

	mu        sync.Mutex
	cert      *tls.Certificate
	certMod   time.Time
	keyMod    time.Time
	lastCheck time.Time
}

// ReloaderOption 调整 CertReloader
type ReloaderOption func(*CertReloader)

// WithReloadInterval interval <= 0 时每次握手都检查
func WithReloadInterval(d time.Duration) ReloaderOption {
	return func(r *CertReloader) { r.interval = d }
}

// WithClock 替换时间来源，测试用
func WithClock(now func() time.Time) ReloaderOption {
	return func(r *CertReloader) {
		if now != nil {
			r.now = now
		}
	}
}

// NewCertReloader 立即加载一次；证书或私钥无效时返回错误
func NewCertReloader(certFile, keyFile string, logger *zap.Logger, opts ...ReloaderOption) (*CertReloader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &CertReloader{
		certFile: certFile,
		keyFile:  keyFile,
		interval: DefaultReloadInterval,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "tls_reloader")),
	}
	for _, opt := range opts {
		opt(r)
	}

	certMod, keyMod, err := r.modTimes()
	if err != nil {
		return nil, err
	}
	if err := r.load(certMod, keyMod); err != nil {
		return nil, err
	}
	r.lastCheck = r.now()
	return r, nil
}

// GetCertificate 用作 tls.Config.GetCertificate
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastCheck) < r.interval {
		return r.cert, nil
	}
	r.lastCheck = now

	certMod, keyMod, err := r.modTimes()
	if err != nil {
		r.logger.Warn("certificate stat failed, serving previous certificate", zap.Error(err))
		return r.cert, nil
	}
	if certMod.Equal(r.certMod) && keyMod.Equal(r.keyMod) {
		return r.cert, nil
	}
	if err := r.load(certMod, keyMod); err != nil {
		// 证书与私钥可能正在分别写入，下个间隔再试
		r.logger.Warn("certificate reload failed, serving previous certificate", zap.Error(err))
		return r.cert, nil
	}
	r.logger.Info("certificate reloaded", zap.String("cert_file", r.certFile))
	return r.cert, nil
}

// ServerConfig 返回带 GetCertificate 的服务端 TLS 配置
func (r *CertReloader) ServerConfig() *tls.Config {
	cfg := ServerTLSConfig()
	cfg.GetCertificate = r.GetCertificate
	return cfg
}

func (r *CertReloader) modTimes() (certMod, keyMod time.Time, err error) {
	ci, err := os.Stat(r.certFile)
	if err != nil {
		return certMod, keyMod, fmt.Errorf("stat certificate: %w", err)
	}
	ki, err := os.Stat(r.keyFile)
	if err != nil {
		return certMod, keyMod, fmt.Errorf("stat private key: %w", err)
	}
	return ci.ModTime(), ki.ModTime(), nil
}

// load 调用方持有 mu 或处于构造阶段
func (r *CertReloader) load(certMod, keyMod time.Time) error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("load key pair: %w", err)
	}
	r.cert, r.certMod, r.keyMod = &cert, certMod, keyMod
	return nil
}
