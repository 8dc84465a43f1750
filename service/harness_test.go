package service_test

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/sssrecovery/api"
	"github.com/vultisig/sssrecovery/config"
	"github.com/vultisig/sssrecovery/internal/types"
	"github.com/vultisig/sssrecovery/nodeclient"
	"github.com/vultisig/sssrecovery/service"
	"github.com/vultisig/sssrecovery/storage"
)

const (
	testEmail    = "alice@example.com"
	testPasscode = "123456"
	nodeTimeout  = 500 * time.Millisecond
)

var testVerifiers = map[types.VerifierKind]string{
	types.VerifierGoogle: "sss-google",
	types.VerifierApple:  "sss-apple",
	types.VerifierCustom: "sss-custom",
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type network struct {
	server *api.Server
	url    string
}

// newNetwork starts a three node share network with threshold two.
func newNetwork(t *testing.T) *network {
	t.Helper()
	var cfg config.Config
	cfg.Server.Nodes = 3
	cfg.Server.Threshold = 2
	cfg.Server.JWTSecret = "test-secret"
	server, err := api.NewServer(cfg, storage.NewMemoryStore("network"), nil, quietLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	server.SetPublicURL(srv.URL)
	return &network{server: server, url: srv.URL}
}

type deviceOptions struct {
	local       *storage.MemoryStore
	cloud       storage.CloudStorage
	emails      map[types.VerifierKind]string
	tokenSource service.TokenSource
	passcode    service.PasscodeProvider
	observer    service.StateObserver
	wrapNodes   func(service.NodeClient) service.NodeClient
	batchDelay  time.Duration
}

type device struct {
	local   *storage.MemoryStore
	shares  *storage.ShareStorage
	manager *service.Manager
}

func (n *network) newDevice(t *testing.T, opts deviceOptions) *device {
	t.Helper()
	logger := quietLogger()
	if opts.local == nil {
		opts.local = storage.NewMemoryStore("device")
	}
	if opts.passcode == nil {
		opts.passcode = service.StaticPasscode(testPasscode)
	}
	if opts.tokenSource == nil {
		opts.tokenSource = service.TokenSourceFunc(func(ctx context.Context, kind types.VerifierKind) (string, error) {
			email, ok := opts.emails[kind]
			if !ok {
				email = testEmail
			}
			return n.server.Auth().GenerateToken(email)
		})
	}
	var nodes service.NodeClient = nodeclient.NewClient(n.url+"/coordinator", nodeTimeout, logger)
	if opts.wrapNodes != nil {
		nodes = opts.wrapNodes(nodes)
	}
	shares := storage.NewShareStorage(opts.local, opts.cloud, logger)
	manager, err := service.NewManager(
		nodes,
		nodeclient.NewMetadataClient(n.url+"/metadata", nodeTimeout, logger),
		shares,
		service.NewTokenAdapter(testVerifiers, opts.tokenSource, logger),
		opts.passcode,
		nil,
		logger,
		service.Options{
			BatchDelay:      opts.batchDelay,
			DefaultVerifier: types.VerifierCustom,
			Observer:        opts.observer,
		},
	)
	require.NoError(t, err)
	return &device{local: opts.local, shares: shares, manager: manager}
}

// failingPushes drops every share push as if no node were reachable.
type failingPushes struct {
	service.NodeClient
}

func (f failingPushes) PushShares(ctx context.Context, pushes []nodeclient.Push, identity types.Identity) []nodeclient.NodeResult {
	results := make([]nodeclient.NodeResult, len(pushes))
	for i, push := range pushes {
		results[i] = nodeclient.NodeResult{
			Node: push.Node,
			Err:  &nodeclient.NodeFailure{Endpoint: push.Node.Endpoint, Err: errors.New("connection refused")},
		}
	}
	return results
}

func failureState(t *testing.T, err error) string {
	t.Helper()
	var failure *types.Failure
	require.ErrorAs(t, err, &failure)
	return failure.State
}

// recordingPushes keeps every push that goes through it.
type recordingPushes struct {
	service.NodeClient
	mu     *sync.Mutex
	pushes *[]nodeclient.Push
}

func (r recordingPushes) PushShares(ctx context.Context, pushes []nodeclient.Push, identity types.Identity) []nodeclient.NodeResult {
	r.mu.Lock()
	*r.pushes = append(*r.pushes, pushes...)
	r.mu.Unlock()
	return r.NodeClient.PushShares(ctx, pushes, identity)
}

// queuedTokens signs in as the next e-mail of the queue on every login.
type queuedTokens struct {
	net    *network
	emails []string
	logins int
}

func (q *queuedTokens) Token(ctx context.Context, kind types.VerifierKind) (string, error) {
	if len(q.emails) == 0 {
		return "", types.ErrUserCancelled
	}
	email := q.emails[0]
	q.emails = q.emails[1:]
	q.logins++
	return q.net.server.Auth().GenerateToken(email)
}
