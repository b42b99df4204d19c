package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🔧 配置加载
// =============================================================================
// 优先级: 默认值 → YAML 文件 → AGENTREGISTRY_* 环境变量 → 校验器
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("/etc/agentregistry/config.yaml").
//	    WithStrict().
//	    Load()
// =============================================================================

// DefaultEnvPrefix 环境变量前缀，键名由各层 env tag 以下划线拼接
const DefaultEnvPrefix = "AGENTREGISTRY"

// Loader 组装一次配置加载，方法可链式调用
type Loader struct {
	path       string
	prefix     string
	strict     bool
	expand     bool
	lookup     func(string) (string, bool)
	validators []func(*Config) error

	applied []string
}

// NewLoader 返回读取进程环境变量的加载器
func NewLoader() *Loader {
	return &Loader{prefix: DefaultEnvPrefix, lookup: os.LookupEnv}
}

// WithConfigPath 指定 YAML 文件；文件不存在时沿用默认值
func (l *Loader) WithConfigPath(path string) *Loader {
	l.path = path
	return l
}

// WithEnvPrefix 替换环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.prefix = prefix
	return l
}

// WithStrict 拒绝 YAML 中未知的键，拼错的字段不会被静默忽略
func (l *Loader) WithStrict() *Loader {
	l.strict = true
	return l
}

// WithExpandEnv 解析前展开 YAML 中的 ${VAR}，用于注入 Redis 密码、JWT 密钥等
func (l *Loader) WithExpandEnv() *Loader {
	l.expand = true
	return l
}

// WithEnvLookup 替换环境变量来源，测试里用 map 代替进程环境
func (l *Loader) WithEnvLookup(fn func(string) (string, bool)) *Loader {
	if fn != nil {
		l.lookup = fn
	}
	return l
}

// WithValidator 追加校验器，按添加顺序执行
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Overrides 返回上次 Load 中生效的环境变量名
func (l *Loader) Overrides() []string {
	return append([]string(nil), l.applied...)
}

// Load 依次叠加默认值、文件与环境变量，然后运行校验器
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	l.applied = nil

	if l.path != "" {
		if err := l.decodeFile(cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", l.path, err)
		}
	}
	if err := l.applyEnv(reflect.ValueOf(cfg).Elem(), l.prefix); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) decodeFile(cfg *Config) error {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if l.expand {
		data = []byte(os.Expand(string(data), func(key string) string {
			v, _ := l.lookup(key)
			return v
		}))
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(l.strict)
	// 空文件返回 io.EOF，等同于全部使用默认值
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// applyEnv 沿 env tag 递归，嵌套结构体的键为 PREFIX_PARENT_CHILD
func (l *Loader) applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := range t.NumField() {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		field := v.Field(i)

		if field.Kind() == reflect.Struct {
			if err := l.applyEnv(field, key); err != nil {
				return err
			}
			continue
		}

		raw, ok := l.lookup(key)
		if !ok || raw == "" {
			continue
		}
		if err := decodeEnv(field, raw); err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		l.applied = append(l.applied, key)
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// decodeEnv 把字符串写入标量字段；字符串切片按逗号拆分
func decodeEnv(field reflect.Value, raw string) error {
	if !field.CanSet() {
		return nil
	}
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		parts := strings.Split(raw, ",")
		out := reflect.MakeSlice(field.Type(), 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = reflect.Append(out, reflect.ValueOf(p).Convert(field.Type().Elem()))
			}
		}
		field.Set(out)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
