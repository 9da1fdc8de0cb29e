package chain

import (
	"context"
	"sort"
	"strings"

	xerrors "AgentVault/internal/errors"
)

// Factory 按网络定义构造具体的链适配器，按 Definition.Type 注册。
type Factory func(ctx context.Context, name string, def Definition) (Adapter, error)

// Registry 按网络名管理一组链适配器。
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry 根据网络定义实例化所有适配器。
// 未注册类型的定义视为配置错误。类型为空时默认 evm。
func NewRegistry(ctx context.Context, defs Definitions, factories map[string]Factory) (*Registry, error) {
	adapters := make(map[string]Adapter, len(defs.Chains))
	for name, def := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType == "" {
			chainType = "evm"
		}
		factory, ok := factories[chainType]
		if !ok {
			closeAll(adapters)
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "链 "+name+" 使用了不支持的类型 "+chainType)
		}
		adapter, err := factory(ctx, name, def)
		if err != nil {
			closeAll(adapters)
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化链 "+name+" 失败")
		}
		adapters[name] = adapter
	}
	if len(adapters) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任何链的 RPC 端点")
	}
	return &Registry{adapters: adapters}, nil
}

// NewRegistryWithAdapters 直接装配现成的适配器，用于测试。
func NewRegistryWithAdapters(adapters map[string]Adapter) *Registry {
	if adapters == nil {
		adapters = map[string]Adapter{}
	}
	return &Registry{adapters: adapters}
}

// Adapter 返回指定网络的适配器。
func (r *Registry) Adapter(name string) (Adapter, error) {
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, ErrChainNotFound
	}
	return adapter, nil
}

// Chains 返回已注册的网络名列表。
func (r *Registry) Chains() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close 释放所有适配器持有的连接。
func (r *Registry) Close() {
	closeAll(r.adapters)
}

func closeAll(adapters map[string]Adapter) {
	for name, adapter := range adapters {
		if adapter != nil {
			adapter.Close()
		}
		delete(adapters, name)
	}
}
