package util

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	_ "embed"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//go:embed version.txt
var embeddedVersion string

// configDirName is joined to the home directory unless TUSK_HOME is set.
const configDirName = ".config/tusk"

// KeyPair is an Ed25519 key pair as stored for an account: a PKCS#8 PEM private key
// and the raw public key in standard base64, the form published in entities.
type KeyPair struct {
	Private string
	Public  string
}

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

// GenerateKeyPair creates a fresh Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return &KeyPair{Private: string(keyPEM), Public: base64.StdEncoding.EncodeToString(pub)}, nil
}

// ParsePrivateKeyPem decodes a PKCS#8 PEM Ed25519 private key.
func ParsePrivateKeyPem(keyPEM string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not ed25519", key)
	}
	return priv, nil
}

// LoadOrCreateKey reads the PEM key at path, generating and writing one if the file
// does not exist yet.
func LoadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	buf, err := os.ReadFile(path)
	if err == nil {
		return ParsePrivateKeyPem(string(buf))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	pair, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(pair.Private), 0600); err != nil {
		return nil, err
	}
	return ParsePrivateKeyPem(pair.Private)
}

// ConfigDir returns the directory tusk keeps its config, key and database in, creating
// it if needed. TUSK_HOME overrides the default ~/.config/tusk.
func ConfigDir() (string, error) {
	dir := os.Getenv("TUSK_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("home directory: %w", err)
		}
		dir = filepath.Join(home, configDirName)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	return dir, nil
}

// ResolveFilePath returns name itself when it is absolute or exists in the working
// directory, and otherwise its location in ConfigDir, existing or not.
func ResolveFilePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	dir, err := ConfigDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, name)
}
