package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/anprgazer/internal/api/runt"
	"github.com/langchou/anprgazer/internal/metrics"
	"github.com/langchou/anprgazer/internal/repository"
	"github.com/langchou/anprgazer/internal/state"
)

// KeyManager 管理 RUNT HMAC 密钥的申请与验证
// 所有操作串行执行
type KeyManager struct {
	authority   Authority
	signer      runt.Signer
	vars        VariableStore
	defaultUser string
	metrics     *metrics.Metrics
	logger      *zap.Logger

	mu      sync.Mutex
	machine *state.KeyMachine
	userID  string // 最近一次申请密钥使用的身份
}

// NewKeyManager 创建密钥管理器，defaultUser 在变量存储中没有身份时使用
func NewKeyManager(
	authority Authority,
	signer runt.Signer,
	vars VariableStore,
	defaultUser string,
	m *metrics.Metrics,
	logger *zap.Logger,
) *KeyManager {
	km := &KeyManager{
		authority:   authority,
		signer:      signer,
		vars:        vars,
		defaultUser: defaultUser,
		metrics:     m,
		logger:      logger,
	}
	km.machine = state.NewKeyMachine(func(from, to string) {
		logger.Info("Key state changed", zap.String("from", from), zap.String("to", to))
	})
	return km
}

// State 当前密钥状态（不含密钥内容的序列化）
func (k *KeyManager) State() state.KeyState {
	return k.machine.Snapshot()
}

// Key 当前密钥与调用身份
func (k *KeyManager) Key() (key, userID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.machine.Snapshot().KeyMaterial, k.userID
}

// Generate 申请新密钥
func (k *KeyManager) Generate(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.generateLocked(ctx)
}

// Validate 验证当前密钥
func (k *KeyManager) Validate(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.validateLocked(ctx)
}

// Ensure 保证持有已验证的密钥
// validated 时不做任何事；empty 时申请并验证；generated 时只验证
func (k *KeyManager) Ensure(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch k.machine.Current() {
	case state.KeyValidated:
		return nil
	case state.KeyEmpty:
		if err := k.generateLocked(ctx); err != nil {
			return err
		}
	}
	return k.validateLocked(ctx)
}

// Invalidate 上游表示密钥未验证
func (k *KeyManager) Invalidate() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.machine.Invalidate()
}

// Refresh 重新申请并验证密钥
func (k *KeyManager) Refresh(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.generateLocked(ctx); err != nil {
		return err
	}
	return k.validateLocked(ctx)
}

func (k *KeyManager) generateLocked(ctx context.Context) (err error) {
	defer func() { k.observe(StepGenerate, err) }()

	userID, err := k.resolveUser(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyGenerationFailed, err)
	}

	body, err := runt.Marshal(runt.KeyRequest{UserID: userID})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyGenerationFailed, err)
	}
	signature, err := k.signer.Sign(ctx, body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyGenerationFailed, err)
	}

	key, err := k.authority.GenerateKey(ctx, runt.SignedRequest{UserID: userID, Body: body, Signature: signature})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyGenerationFailed, err)
	}

	if err := k.machine.Generated(key, time.Now()); err != nil {
		return fmt.Errorf("%w: %w", ErrKeyGenerationFailed, err)
	}
	k.userID = userID

	// 共享给渲染服务，写失败不影响本次握手
	if err := k.vars.Set(ctx, repository.VarHMACKey, key); err != nil {
		k.logger.Warn("Failed to store key material", zap.Error(err))
	}

	k.logger.Info("Key generated", zap.String("user_id", userID))
	return nil
}

func (k *KeyManager) validateLocked(ctx context.Context) (err error) {
	defer func() { k.observe(StepValidate, err) }()

	snap := k.machine.Snapshot()
	if !snap.HasKey() {
		return fmt.Errorf("%w: no key to validate", ErrKeyValidationFailed)
	}

	body, err := runt.Marshal(runt.ValidateRequest{UserID: k.userID, Key: snap.KeyMaterial})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyValidationFailed, err)
	}
	signature, err := k.signer.Sign(ctx, body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyValidationFailed, err)
	}

	if err := k.authority.ValidateKey(ctx, runt.SignedRequest{UserID: k.userID, Body: body, Signature: signature}); err != nil {
		return fmt.Errorf("%w: %w", ErrKeyValidationFailed, err)
	}

	if err := k.machine.Validated(time.Now()); err != nil {
		return fmt.Errorf("%w: %w", ErrKeyValidationFailed, err)
	}

	k.logger.Info("Key validated")
	return nil
}

// resolveUser 优先使用变量存储中的身份
func (k *KeyManager) resolveUser(ctx context.Context) (string, error) {
	value, ok, err := k.vars.Get(ctx, repository.VarCallerIdentity)
	if err != nil {
		k.logger.Warn("Failed to read caller identity", zap.Error(err))
	}
	if ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value), nil
	}
	if k.defaultUser != "" {
		return k.defaultUser, nil
	}
	return "", fmt.Errorf("caller identity %s not configured", repository.VarCallerIdentity)
}

func (k *KeyManager) observe(step string, err error) {
	if k.metrics != nil {
		k.metrics.KeyHandshakes.WithLabelValues(step, metrics.Result(err)).Inc()
	}
	if err != nil {
		k.logger.Error("Key handshake failed", zap.String("step", step), zap.Error(err))
	}
}
