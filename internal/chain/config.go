package chain

import (
	"os"
	"strings"

	xerrors "AgentVault/internal/errors"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/chains.yaml.
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition describes a single network endpoint definition.
type Definition struct {
	Type         string `yaml:"type"`
	RPCURL       string `yaml:"rpc_url"`
	ChainID      int64  `yaml:"chain_id"`
	NativeSymbol string `yaml:"native_symbol"`
	Description  string `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing network metadata.
// An empty path yields an empty definition set.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取链配置失败")
	}
	return ParseDefinitions(content)
}

// ParseDefinitions parses raw YAML network definitions.
func ParseDefinitions(content []byte) (Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析链配置失败")
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	return defs, nil
}
