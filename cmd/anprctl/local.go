package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/langchou/anprgazer/internal/api/handlers"
	"github.com/langchou/anprgazer/internal/api/runt"
	"github.com/langchou/anprgazer/internal/config"
	"github.com/langchou/anprgazer/internal/metrics"
	"github.com/langchou/anprgazer/internal/repository"
	"github.com/langchou/anprgazer/internal/service"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is not set")
		}
		signed, err := handlers.IssueToken(cfg.JWTSecret, tokenSubject, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(signed)
		return nil
	},
}

// localAuthority 按本地配置组装 RUNT 客户端与密钥管理器
type localAuthority struct {
	client  *runt.Client
	keys    *service.KeyManager
	metrics *metrics.Metrics
	logger  *zap.Logger
	closeFn func()
}

func newLocalAuthority(cmd *cobra.Command) (*localAuthority, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	var signer runt.Signer
	if cfg.SignerMode == config.SignerModeNative {
		signer, err = runt.LoadRSASigner(cfg.PrivateKeyPath)
	} else {
		signer, err = runt.NewExecSigner(cfg.SignerCommand, "", cfg.RuntTimeout)
	}
	if err != nil {
		return nil, err
	}

	la := &localAuthority{metrics: metrics.New(), logger: zap.NewNop(), closeFn: func() {}}
	if cfg.Debug {
		la.logger, _ = zap.NewDevelopment()
	}

	var vars service.VariableStore = repository.NewMemoryVariables(nil)
	if cfg.DatabaseURL != "" {
		db, err := repository.New(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		la.closeFn = db.Close
		vars = repository.NewGlobalVariableRepository(db)
	}

	la.client = runt.NewClient(cfg.RuntAPIURL, cfg.RuntTimeout, cfg.RuntPacing, cfg.RuntForwardedFor)
	la.keys = service.NewKeyManager(la.client, signer, vars, cfg.RuntUserID, la.metrics, la.logger)
	return la, nil
}

var handshakeCmd = &cobra.Command{
	Use:   "handshake",
	Short: "Run the key generate and validate handshake against RUNT with the local config",
	RunE: func(cmd *cobra.Command, args []string) error {
		la, err := newLocalAuthority(cmd)
		if err != nil {
			return err
		}
		defer la.closeFn()

		// 分两步执行，失败时能看出是哪一步
		if err := la.keys.Generate(cmd.Context()); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Println("key generated")
		}
		if err := la.keys.Validate(cmd.Context()); err != nil {
			return err
		}

		st := la.keys.State()
		if jsonOutput {
			return printJSON(st)
		}
		_, user := la.keys.Key()
		fmt.Printf("key %s for %s\n", st.State, user)
		return nil
	},
}

// queryDirect 不经过服务端，直接向 RUNT 查询一批车牌
func queryDirect(cmd *cobra.Command, plates []string) (*service.BatchResult, error) {
	if len(plates) == 0 {
		return nil, fmt.Errorf("--direct needs at least one plate")
	}
	la, err := newLocalAuthority(cmd)
	if err != nil {
		return nil, err
	}
	defer la.closeFn()

	d := service.NewDispatcher(la.keys, la.client, nil, la.metrics, la.logger)
	return d.QueryBatch(cmd.Context(), plates)
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "anprctl", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd, handshakeCmd)
}
