package runt

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrSigningFailed 签名失败
var ErrSigningFailed = errors.New("signing failed")

// Signer 对请求体做 RSA 签名，返回 base64 签名
type Signer interface {
	Sign(ctx context.Context, data []byte) (string, error)
}

// ExecSigner 通过外部辅助进程签名，私钥不进入服务进程
// 数据作为最后一个参数传入，签名从标准输出读取
type ExecSigner struct {
	command []string
	dir     string
	timeout time.Duration
}

// NewExecSigner 创建外部进程签名器，command 形如 "node sign.js"
func NewExecSigner(command, dir string, timeout time.Duration) (*ExecSigner, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty signer command", ErrSigningFailed)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExecSigner{command: fields, dir: dir, timeout: timeout}, nil
}

// Sign 运行辅助进程
func (s *ExecSigner) Sign(ctx context.Context, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := append(append([]string{}, s.command[1:]...), string(data))
	cmd := exec.CommandContext(ctx, s.command[0], args...)
	cmd.Dir = s.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %v: %s", ErrSigningFailed, err, strings.TrimSpace(stderr.String()))
	}

	signature := strings.TrimSpace(stdout.String())
	if signature == "" {
		return "", fmt.Errorf("%w: helper produced no output", ErrSigningFailed)
	}
	return signature, nil
}

// RSASigner 进程内 SHA1withRSA（PKCS#1 v1.5）签名，与辅助脚本输出一致
type RSASigner struct {
	key *rsa.PrivateKey
}

// NewRSASigner 使用已加载的私钥
func NewRSASigner(key *rsa.PrivateKey) *RSASigner {
	return &RSASigner{key: key}
}

// LoadRSASigner 从 PEM 文件（PKCS#8 或 PKCS#1）加载私钥
func LoadRSASigner(path string) (*RSASigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode private key: no PEM block in %s", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return NewRSASigner(key), nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse private key: not an RSA key")
	}
	return NewRSASigner(key), nil
}

// Sign 签名
func (s *RSASigner) Sign(_ context.Context, data []byte) (string, error) {
	digest := sha1.Sum(data)
	sig, err := rsa.SignPKCS1v15(nil, s.key, crypto.SHA1, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
