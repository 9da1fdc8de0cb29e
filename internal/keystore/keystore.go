package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	xerrors "AgentVault/internal/errors"

	"golang.org/x/crypto/scrypt"
)

// 密钥文件使用 scrypt 派生 + AES-256-GCM 封装。
const (
	fileVersion      = 1
	defaultScryptN   = 1 << 17
	defaultScryptR   = 8
	defaultScryptP   = 1
	derivedKeyLength = 32
	saltLength       = 32
)

const CodeKeystoreFailure xerrors.Code = "KEYSTORE_ERROR"

// ErrKeyNotFound 表示钱包没有托管密钥。
var ErrKeyNotFound = xerrors.New(xerrors.CodeNotFound, "wallet key not found")

func init() {
	xerrors.Register(CodeKeystoreFailure, xerrors.Attributes{
		Message:   "keystore operation failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// keyFile 是落盘的密钥文件格式。
type keyFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	ScryptN    int    `json:"scrypt_n"`
	ScryptR    int    `json:"scrypt_r"`
	ScryptP    int    `json:"scrypt_p"`
}

// Store 是基于文件的加密密钥库，每个钱包一个密钥文件。
type Store struct {
	dir     string
	scryptN int
	scryptR int
	scryptP int
}

// Option 定义可选配置。
type Option func(*Store)

// WithScryptParams 调低派生成本，仅用于测试。
func WithScryptParams(n, r, p int) Option {
	return func(s *Store) {
		if n > 1 && r > 0 && p > 0 {
			s.scryptN, s.scryptR, s.scryptP = n, r, p
		}
	}
}

// NewStore 创建密钥库，目录不存在时自动创建（0700）。
func NewStore(dir string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "密钥库目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, xerrors.Wrap(CodeKeystoreFailure, err, "创建密钥库目录失败")
	}
	s := &Store{
		dir:     dir,
		scryptN: defaultScryptN,
		scryptR: defaultScryptR,
		scryptP: defaultScryptP,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// ImportKey 加密并落盘钱包私钥，已有文件不覆盖。
func (s *Store) ImportKey(walletID string, privateKey []byte, passphrase string) error {
	if strings.TrimSpace(walletID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "wallet_id 不能为空")
	}
	if len(privateKey) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "私钥不能为空")
	}
	path := s.path(walletID)
	if _, err := os.Stat(path); err == nil {
		return xerrors.New(xerrors.CodeConflict, "钱包密钥已存在")
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return xerrors.Wrap(CodeKeystoreFailure, err, "生成盐失败")
	}
	derived, err := scrypt.Key([]byte(passphrase), salt, s.scryptN, s.scryptR, s.scryptP, derivedKeyLength)
	if err != nil {
		return xerrors.Wrap(CodeKeystoreFailure, err, "派生加密密钥失败")
	}
	defer ReleaseKey(derived)

	aead, err := newGCM(derived)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return xerrors.Wrap(CodeKeystoreFailure, err, "生成 nonce 失败")
	}
	ciphertext := aead.Seal(nil, nonce, privateKey, []byte(walletID))

	content, err := json.MarshalIndent(keyFile{
		Version:    fileVersion,
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ciphertext),
		ScryptN:    s.scryptN,
		ScryptR:    s.scryptR,
		ScryptP:    s.scryptP,
	}, "", "  ")
	if err != nil {
		return xerrors.Wrap(CodeKeystoreFailure, err, "序列化密钥文件失败")
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return xerrors.Wrap(CodeKeystoreFailure, err, "写入密钥文件失败")
	}
	return nil
}

// DecryptPrivateKey 解密钱包私钥。调用方用毕必须 ReleaseKey。
// 口令错误与文件损坏不可区分，统一返回 UNAUTHORIZED。
func (s *Store) DecryptPrivateKey(walletID, passphrase string) ([]byte, error) {
	content, err := os.ReadFile(s.path(walletID))
	if os.IsNotExist(err) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(CodeKeystoreFailure, err, "读取密钥文件失败")
	}

	var file keyFile
	if err := json.Unmarshal(content, &file); err != nil {
		return nil, xerrors.Wrap(CodeKeystoreFailure, err, "解析密钥文件失败")
	}
	if file.Version != fileVersion {
		return nil, xerrors.New(CodeKeystoreFailure, "不支持的密钥文件版本")
	}

	salt, err := hex.DecodeString(file.Salt)
	if err != nil {
		return nil, xerrors.Wrap(CodeKeystoreFailure, err, "密钥文件盐字段损坏")
	}
	nonce, err := hex.DecodeString(file.Nonce)
	if err != nil {
		return nil, xerrors.Wrap(CodeKeystoreFailure, err, "密钥文件 nonce 字段损坏")
	}
	ciphertext, err := hex.DecodeString(file.Ciphertext)
	if err != nil {
		return nil, xerrors.Wrap(CodeKeystoreFailure, err, "密钥文件密文字段损坏")
	}

	derived, err := scrypt.Key([]byte(passphrase), salt, file.ScryptN, file.ScryptR, file.ScryptP, derivedKeyLength)
	if err != nil {
		return nil, xerrors.Wrap(CodeKeystoreFailure, err, "派生解密密钥失败")
	}
	defer ReleaseKey(derived)

	aead, err := newGCM(derived)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(walletID))
	if err != nil {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "口令错误或密钥文件被篡改")
	}
	return plaintext, nil
}

// HasKey 判断钱包是否有托管密钥。
func (s *Store) HasKey(walletID string) bool {
	_, err := os.Stat(s.path(walletID))
	return err == nil
}

// DeleteKey 删除钱包密钥文件。
func (s *Store) DeleteKey(walletID string) error {
	err := os.Remove(s.path(walletID))
	if os.IsNotExist(err) {
		return ErrKeyNotFound
	}
	if err != nil {
		return xerrors.Wrap(CodeKeystoreFailure, err, "删除密钥文件失败")
	}
	return nil
}

func (s *Store) path(walletID string) string {
	return filepath.Join(s.dir, walletID+".json")
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Wrap(CodeKeystoreFailure, err, "初始化 AES 失败")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Wrap(CodeKeystoreFailure, err, "初始化 GCM 失败")
	}
	return aead, nil
}

// ReleaseKey 就地清零密钥字节，nil 安全，可无条件调用。
func ReleaseKey(secret []byte) {
	for i := range secret {
		secret[i] = 0
	}
}
