package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vaultd.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("监听地址 = %q", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("存储驱动 = %q", cfg.Storage.Driver)
	}
	if cfg.Pipeline.ConfirmTimeoutSeconds != 90 || cfg.Pipeline.PollIntervalSeconds != 5 {
		t.Fatalf("流水线默认值异常: %+v", cfg.Pipeline)
	}
	if cfg.Keystore.Dir != filepath.Join(filepath.Dir(path), "keystore") {
		t.Fatalf("密钥库目录 = %q", cfg.Keystore.Dir)
	}
	if cfg.Oracle.Provider != "static" || cfg.Oracle.Decimals != 18 {
		t.Fatalf("价格源默认值异常: %+v", cfg.Oracle)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, `{
		"chains": {"definitions_path": "chains.yaml"},
		"keystore": {"dir": "keys"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	base := filepath.Dir(path)
	if cfg.Chains.DefinitionsPath != filepath.Join(base, "chains.yaml") {
		t.Fatalf("链定义路径 = %q", cfg.Chains.DefinitionsPath)
	}
	if cfg.Keystore.Dir != filepath.Join(base, "keys") {
		t.Fatalf("密钥库目录 = %q", cfg.Keystore.Dir)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := writeConfig(t, `{"server": `)
	if _, err := Load(path); err == nil {
		t.Fatal("残缺 JSON 应当报错")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("空路径应当报错")
	}
}

func TestKeyPassphrasePrefersEnv(t *testing.T) {
	path := writeConfig(t, `{"keystore": {"passphrase": "from-file", "passphrase_env": "VAULTD_TEST_PASS"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if got := cfg.KeyPassphrase(); got != "from-file" {
		t.Fatalf("口令 = %q, 期望文件值", got)
	}
	t.Setenv("VAULTD_TEST_PASS", "from-env")
	if got := cfg.KeyPassphrase(); got != "from-env" {
		t.Fatalf("口令 = %q, 期望环境变量值", got)
	}
}
