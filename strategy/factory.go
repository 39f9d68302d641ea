package strategy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownStrategy = errors.New("unknown strategy")

// Registry 按名字（含别名）查找策略定义。
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// DefaultRegistry 注册内置策略。
func DefaultRegistry() *Registry {
	r := NewRegistry()
	if err := r.Register(SMACrossover()); err != nil {
		panic(err)
	}
	return r
}

// Register 注册策略；名字或别名冲突时报错。
func (r *Registry) Register(def Definition) error {
	if def.Name == "" || def.Run == nil {
		return errors.New("strategy definition requires a name and a func")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := append([]string{def.Name}, def.Aliases...)
	for _, k := range keys {
		if _, dup := r.defs[strings.ToLower(k)]; dup {
			return fmt.Errorf("strategy %q already registered", k)
		}
	}
	for _, k := range keys {
		r.defs[strings.ToLower(k)] = def
	}
	return nil
}

// Lookup 按名字或别名查找。
func (r *Registry) Lookup(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return def, nil
}

// Names 返回主名字（不含别名），排序后。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, d := range r.defs {
		seen[d.Name] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
