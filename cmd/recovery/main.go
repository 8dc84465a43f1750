package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/vultisig/sssrecovery/config"
	"github.com/vultisig/sssrecovery/internal/types"
	"github.com/vultisig/sssrecovery/nodeclient"
	"github.com/vultisig/sssrecovery/service"
	"github.com/vultisig/sssrecovery/storage"
)

var flagConfig *cli.StringFlag = &cli.StringFlag{
	Name:  "config",
	Value: "config",
	Usage: "Config file name, without extension",
}
var flagVerifier *cli.StringFlag = &cli.StringFlag{
	Name:  "verifier",
	Usage: "Identity provider: google, apple or custom",
}
var flagToken *cli.StringFlag = &cli.StringFlag{
	Name:    "token",
	Usage:   "Id-token from the identity provider, prompted for when empty",
	EnvVars: []string{"SSS_ID_TOKEN"},
}
var flagEmail *cli.StringFlag = &cli.StringFlag{
	Name:  "email",
	Usage: "E-mail address for the custom verifier",
}
var flagShowKey *cli.BoolFlag = &cli.BoolFlag{
	Name:  "show-key",
	Usage: "Print the private key",
}
var flagImportKey *cli.StringFlag = &cli.StringFlag{
	Name:  "import-key",
	Usage: "Hex private key to link instead of generating a new one",
}
var flagAccount *cli.StringFlag = &cli.StringFlag{
	Name:     "account",
	Usage:    "Wallet address",
	Required: true,
}
var flagVerbose *cli.BoolFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "Enable debug logging",
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "recovery",
		Usage: "Social recovery of wallet keys split across share nodes",
		Flags: []cli.Flag{flagConfig, flagVerifier, flagToken, flagEmail, flagVerbose},
		Commands: []*cli.Command{
			{
				Name:  "recover",
				Usage: "Sign in and restore the wallet linked to the identity",
				Flags: []cli.Flag{flagShowKey},
				Action: func(cCtx *cli.Context) error {
					a, err := newApp(cCtx)
					if err != nil {
						return err
					}
					kind, err := a.verifierKind(cCtx)
					if err != nil {
						return err
					}
					key, err := a.manager.Recover(cCtx.Context, kind)
					if err != nil {
						return userError(err)
					}
					defer key.Wipe()
					printKey(key, cCtx.Bool(flagShowKey.Name))
					return nil
				},
			},
			{
				Name:  "create",
				Usage: "Create or import a wallet and link it to the identity",
				Flags: []cli.Flag{flagShowKey, flagImportKey},
				Action: func(cCtx *cli.Context) error {
					a, err := newApp(cCtx)
					if err != nil {
						return err
					}
					kind, err := a.verifierKind(cCtx)
					if err != nil {
						return err
					}
					var imported []byte
					if v := cCtx.String(flagImportKey.Name); v != "" {
						if imported, err = hex.DecodeString(strings.TrimPrefix(v, "0x")); err != nil {
							return fmt.Errorf("fail to decode key: %w", err)
						}
					}
					key, err := a.manager.Create(cCtx.Context, kind, imported)
					for i := range imported {
						imported[i] = 0
					}
					if err != nil {
						return userError(err)
					}
					defer key.Wipe()
					printKey(key, cCtx.Bool(flagShowKey.Name))
					return nil
				},
			},
			{
				Name:  "rotate",
				Usage: "Refresh every share of one wallet",
				Flags: []cli.Flag{flagAccount},
				Action: func(cCtx *cli.Context) error {
					a, err := newApp(cCtx)
					if err != nil {
						return err
					}
					if err := a.manager.Rotate(cCtx.Context, cCtx.String(flagAccount.Name)); err != nil {
						return userError(err)
					}
					fmt.Println("rotated", types.NormalizeAccount(cCtx.String(flagAccount.Name)))
					return nil
				},
			},
			{
				Name:  "rotate-all",
				Usage: "Refresh the shares of every wallet on this device",
				Action: func(cCtx *cli.Context) error {
					a, err := newApp(cCtx)
					if err != nil {
						return err
					}
					result, err := a.manager.RotateAll(cCtx.Context)
					if err != nil {
						return userError(err)
					}
					for _, account := range result.Rotated {
						fmt.Println("rotated", account)
					}
					for account, err := range result.Failed {
						fmt.Printf("failed %s: %s\n", account, types.UserMessage(err))
					}
					return nil
				},
			},
			{
				Name:  "delete",
				Usage: "Remove a wallet's shares from the nodes, this device and the cloud",
				Flags: []cli.Flag{flagAccount},
				Action: func(cCtx *cli.Context) error {
					a, err := newApp(cCtx)
					if err != nil {
						return err
					}
					a.manager.DeleteWallet(cCtx.Context, cCtx.String(flagAccount.Name))
					fmt.Println("deleted", types.NormalizeAccount(cCtx.String(flagAccount.Name)))
					return nil
				},
			},
			{
				Name:  "accounts",
				Usage: "List wallets bound on this device",
				Action: func(cCtx *cli.Context) error {
					a, err := newApp(cCtx)
					if err != nil {
						return err
					}
					accounts, err := a.shares.Accounts(cCtx.Context)
					if err != nil {
						return err
					}
					for _, account := range accounts {
						binding, err := a.shares.Binding(cCtx.Context, account)
						if err != nil {
							fmt.Println(account)
							continue
						}
						fmt.Printf("%s\t%s\t%s\n", account, binding.VerifierKind, binding.CloudProvider)
					}
					return nil
				},
			},
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

type recoveryApp struct {
	cfg     *config.Config
	manager *service.Manager
	shares  *storage.ShareStorage
	logger  *logrus.Logger
	stdin   *bufio.Reader
}

func newApp(cCtx *cli.Context) (*recoveryApp, error) {
	cfg, err := config.ReadConfig(cCtx.String(flagConfig.Name))
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if cCtx.Bool(flagVerbose.Name) {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}
	a := &recoveryApp{
		cfg:    cfg,
		logger: logger,
		stdin:  bufio.NewReader(os.Stdin),
	}

	local, err := newLocalStore(*cfg)
	if err != nil {
		return nil, fmt.Errorf("fail to open local storage: %w", err)
	}
	var cloud storage.CloudStorage
	if cfg.BlockStorage.Enabled {
		blockStorage, err := storage.NewBlockStorage(*cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("fail to open block storage: %w", err)
		}
		cloud = blockStorage
	}
	a.shares = storage.NewShareStorage(local, cloud, logger)

	var sdClient statsd.ClientInterface = &statsd.NoOpClient{}
	if cfg.Datadog.Host != "" {
		client, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
		if err != nil {
			return nil, fmt.Errorf("fail to create statsd client: %w", err)
		}
		sdClient = client
	}

	verifiers := map[types.VerifierKind]string{
		types.VerifierGoogle: cfg.Recovery.Verifiers.Google,
		types.VerifierApple:  cfg.Recovery.Verifiers.Apple,
		types.VerifierCustom: cfg.Recovery.Verifiers.Custom,
	}
	defaultVerifier, err := types.ParseVerifierKind(cfg.Recovery.DefaultVerifier)
	if err != nil {
		return nil, err
	}
	a.manager, err = service.NewManager(
		nodeclient.NewClient(cfg.Recovery.GenerateSharesURL, cfg.Recovery.NodeTimeout, logger),
		nodeclient.NewMetadataClient(cfg.Recovery.MetadataURL, cfg.Recovery.NodeTimeout, logger),
		a.shares,
		service.NewTokenAdapter(verifiers, a.tokenSource(cCtx), logger),
		service.PasscodeFunc(a.passcode),
		sdClient,
		logger,
		service.Options{
			BatchDelay:      cfg.Recovery.BatchDelay,
			DefaultVerifier: defaultVerifier,
		},
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newLocalStore(cfg config.Config) (storage.SecretStore, error) {
	switch cfg.LocalStorage.Type {
	case "file":
		return storage.NewFileStore(cfg.LocalStorage.Path)
	case "redis":
		return storage.NewRedisStorage(cfg, "sss:")
	case "memory":
		return storage.NewMemoryStore("device"), nil
	default:
		return nil, fmt.Errorf("unknown local storage type %q", cfg.LocalStorage.Type)
	}
}

func (a *recoveryApp) verifierKind(cCtx *cli.Context) (types.VerifierKind, error) {
	v := cCtx.String(flagVerifier.Name)
	if v == "" {
		v = a.cfg.Recovery.DefaultVerifier
	}
	return types.ParseVerifierKind(v)
}

// tokenSource signs in through the custom verifier when it is configured and
// otherwise takes an id-token obtained out of band.
func (a *recoveryApp) tokenSource(cCtx *cli.Context) service.TokenSource {
	var custom *service.CustomTokenSource
	if a.cfg.Recovery.CustomTokenURL != "" {
		custom = service.NewCustomTokenSource(a.cfg.Recovery.CustomTokenURL, func(ctx context.Context) (string, error) {
			if email := cCtx.String(flagEmail.Name); email != "" {
				return email, nil
			}
			return a.prompt("E-mail: ")
		})
	}
	return service.TokenSourceFunc(func(ctx context.Context, kind types.VerifierKind) (string, error) {
		if token := cCtx.String(flagToken.Name); token != "" {
			return token, nil
		}
		if kind == types.VerifierCustom && custom != nil {
			return custom.Token(ctx, kind)
		}
		return a.prompt(fmt.Sprintf("Id-token from %s: ", kind))
	})
}

func (a *recoveryApp) prompt(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := a.stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", types.ErrUserCancelled
	}
	return strings.TrimSpace(line), nil
}

func (a *recoveryApp) passcode(ctx context.Context) (string, error) {
	if v := os.Getenv("SSS_PASSCODE"); v != "" {
		return v, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return a.prompt("Passcode: ")
	}
	fmt.Fprint(os.Stderr, "Passcode: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", types.ErrUserCancelled
	}
	defer func() {
		for i := range raw {
			raw[i] = 0
		}
	}()
	return string(raw), nil
}

func printKey(key *service.RecoveredKey, showKey bool) {
	fmt.Println(key.Address)
	if showKey {
		fmt.Println(key.Hex())
	}
}

func userError(err error) error {
	var failure *types.Failure
	if errors.As(err, &failure) {
		return fmt.Errorf("%s (failed while %s)", types.UserMessage(err), failure.State)
	}
	return errors.New(types.UserMessage(err))
}
