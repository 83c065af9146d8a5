// Copyright 2020 Google LLC

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cloudsqlconn provides functions for authorizing and encrypting
// connections to Cloud SQL instances. It does this by obtaining ephemeral
// client certificates signed by the Cloud SQL Admin API and presenting them
// to the instance's server-side proxy as part of a mutually-authenticated
// TLS handshake. Callers never need to provision a client certificate,
// configure firewall rules, or manage the instance's public IP allow-list
// themselves.
package cloudsqlconn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/cloud-db-connector/errtype"
	"github.com/GoogleCloudPlatform/cloud-db-connector/instance"
	"github.com/GoogleCloudPlatform/cloud-db-connector/internal/cloudsql"
	"github.com/GoogleCloudPlatform/cloud-db-connector/internal/trace"
	"github.com/google/uuid"
	"golang.org/x/net/proxy"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

const (
	// defaultTCPKeepAlive is the default keep-alive value used on
	// connections to a Cloud SQL instance.
	defaultTCPKeepAlive = 30 * time.Second
	// serverProxyPort is the port the server-side proxy listens on.
	serverProxyPort = "3307"
	// iamLoginScope is the OAuth2 scope used for tokens embedded in the
	// ephemeral certificate when IAM database authentication is enabled.
	iamLoginScope = "https://www.googleapis.com/auth/sqlservice.login"
)

var (
	//go:embed version.txt
	versionString string
	userAgent     = "cloud-db-connector/" + strings.TrimSpace(versionString)

	defaultKey    *rsa.PrivateKey
	defaultKeyErr error
	keyOnce       sync.Once
)

func getDefaultKeys() (*rsa.PrivateKey, error) {
	keyOnce.Do(func() {
		defaultKey, defaultKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	return defaultKey, defaultKeyErr
}

var (
	errUseTokenSource    = errors.New("use WithTokenSource when IAM AuthN is not enabled")
	errUseIAMTokenSource = errors.New("use WithIAMAuthNTokenSources instead of WithTokenSource when IAM AuthN is enabled")
)

// connectionInfoCache abstracts the background refresh cycle used to keep
// connection information for an instance current. It is implemented by
// *cloudsql.Instance; tests may substitute a fake.
type connectionInfoCache interface {
	OpenConns() *uint64

	ConnectInfo(context.Context, string) (string, *tls.Config, error)
	InstanceEngineVersion(context.Context) (string, error)
	UpdateRefresh(*bool)
	ForceRefresh() bool
	io.Closer
}

// A Dialer is used to create connections to Cloud SQL instances.
//
// Use NewDialer to initialize a Dialer.
type Dialer struct {
	lock sync.RWMutex
	// instances maps connection names (e.g., my-project:us-central1:my-instance)
	// to *cloudsql.Instance values.
	instances      map[instance.ConnName]connectionInfoCache
	key            *rsa.PrivateKey
	refreshTimeout time.Duration

	sqladmin *sqladmin.Service

	// defaultDialConfig holds the constructor-level DialOptions so it can be
	// copied and mutated by Dial.
	defaultDialConfig dialCfg

	// dialerID uniquely identifies a Dialer. Used for tracing purposes only.
	dialerID string

	// dialFunc is the function used to connect to the address on the named
	// network. Defaults to golang.org/x/net/proxy#Dial.
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

	// iamTokenSource supplies the OAuth2 token embedded in the ephemeral
	// certificate when IAM DB authentication is enabled.
	iamTokenSource oauth2.TokenSource
}

// NewDialer creates a new Dialer.
//
// The first call to NewDialer may take longer than subsequent calls, since
// generating an RSA keypair is expensive; passing WithRSAKey avoids this
// cost.
func NewDialer(ctx context.Context, opts ...Option) (*Dialer, error) {
	cfg := &dialerConfig{
		refreshTimeout: cloudsql.RefreshTimeout,
		dialFunc:       proxy.Dial,
		useragents:     []string{userAgent},
	}
	for _, opt := range opts {
		opt(cfg)
		if cfg.err != nil {
			return nil, cfg.err
		}
	}
	if cfg.useIAMAuthN && cfg.setTokenSource && !cfg.setIAMAuthNTokenSource {
		return nil, errUseIAMTokenSource
	}
	if cfg.setIAMAuthNTokenSource && !cfg.useIAMAuthN {
		return nil, errUseTokenSource
	}
	cfg.sqladminOpts = append(cfg.sqladminOpts, option.WithUserAgent(strings.Join(cfg.useragents, " ")))

	if !cfg.setCredentials && !cfg.setTokenSource {
		ts, err := google.DefaultTokenSource(ctx, sqladmin.SqlserviceAdminScope)
		if err != nil {
			return nil, fmt.Errorf("failed to create token source: %w", err)
		}
		cfg.sqladminOpts = append(cfg.sqladminOpts, option.WithTokenSource(ts))
		scoped, err := google.DefaultTokenSource(ctx, iamLoginScope)
		if err != nil {
			return nil, fmt.Errorf("failed to create scoped token source: %w", err)
		}
		cfg.iamLoginTokenSource = scoped
	}

	if cfg.rsaKey == nil {
		key, err := getDefaultKeys()
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA keys: %w", err)
		}
		cfg.rsaKey = key
	}

	client, err := sqladmin.NewService(ctx, cfg.sqladminOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sqladmin client: %w", err)
	}

	dc := dialCfg{
		ipType:       cloudsql.PublicIP,
		tcpKeepAlive: defaultTCPKeepAlive,
		useIAMAuthN:  cfg.useIAMAuthN,
	}
	for _, opt := range cfg.dialOpts {
		opt(&dc)
	}

	if err := trace.InitMetrics(); err != nil {
		return nil, err
	}

	return &Dialer{
		instances:         make(map[instance.ConnName]connectionInfoCache),
		key:               cfg.rsaKey,
		refreshTimeout:    cfg.refreshTimeout,
		sqladmin:          client,
		defaultDialConfig: dc,
		dialerID:          uuid.New().String(),
		iamTokenSource:    cfg.iamLoginTokenSource,
		dialFunc:          cfg.dialFunc,
	}, nil
}

// Dial returns a net.Conn connected to the specified Cloud SQL instance. The
// icn argument must be the instance's connection name, in the format
// "project:region:instance".
func (d *Dialer) Dial(ctx context.Context, icn string, opts ...DialOption) (conn net.Conn, err error) {
	startTime := time.Now()
	var endDial trace.EndSpanFunc
	ctx, endDial = trace.StartSpan(ctx, "cloudsqlconn.Dial",
		trace.AddInstanceName(icn), trace.AddDialerID(d.dialerID),
	)
	defer func() {
		go trace.RecordDialError(context.Background(), icn, d.dialerID, err)
		endDial(err)
	}()

	cn, err := instance.ParseConnName(icn)
	if err != nil {
		return nil, err
	}

	cfg := d.defaultDialConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	i := d.instance(cn, &cfg.useIAMAuthN)
	addr, tlsConfig, err := i.ConnectInfo(ctx, cfg.ipType)
	if err != nil {
		d.lock.Lock()
		defer d.lock.Unlock()
		i.Close()
		delete(d.instances, cn)
		return nil, err
	}

	// If the client certificate has expired (as when a computer sleeps and
	// the refresh cycle cannot run), force a refresh immediately. The TLS
	// handshake will not fail on an expired client certificate; it's not
	// until the first read that the error surfaces. So check validity first.
	if invalidClientCert(tlsConfig) {
		i.ForceRefresh()
		addr, tlsConfig, err = i.ConnectInfo(ctx, cfg.ipType)
		if err != nil {
			d.lock.Lock()
			defer d.lock.Unlock()
			i.Close()
			delete(d.instances, cn)
			return nil, err
		}
	}

	addr = net.JoinHostPort(addr, serverProxyPort)
	f := d.dialFunc
	if cfg.dialFunc != nil {
		f = cfg.dialFunc
	}
	conn, err = f(ctx, "tcp", addr)
	if err != nil {
		i.ForceRefresh()
		return nil, errtype.NewDialError("failed to dial", cn.String(), err)
	}
	if c, ok := conn.(*net.TCPConn); ok {
		if err := c.SetKeepAlive(true); err != nil {
			return nil, errtype.NewDialError("failed to set keep-alive", cn.String(), err)
		}
		if err := c.SetKeepAlivePeriod(cfg.tcpKeepAlive); err != nil {
			return nil, errtype.NewDialError("failed to set keep-alive period", cn.String(), err)
		}
	}

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		i.ForceRefresh()
		_ = tlsConn.Close()
		return nil, errtype.NewDialError("handshake failed", cn.String(), err)
	}

	latency := time.Since(startTime).Milliseconds()
	go func() {
		n := atomic.AddUint64(i.OpenConns(), 1)
		trace.RecordOpenConnections(ctx, int64(n), d.dialerID, cn.String())
		trace.RecordDialLatency(ctx, icn, d.dialerID, latency)
	}()

	return newInstrumentedConn(tlsConn, func() {
		n := atomic.AddUint64(i.OpenConns(), ^uint64(0))
		trace.RecordOpenConnections(context.Background(), int64(n), d.dialerID, cn.String())
	}), nil
}

// invalidClientCert reports whether the TLS config's client certificate is
// missing or has expired.
func invalidClientCert(c *tls.Config) bool {
	if len(c.Certificates) == 0 {
		return true
	}
	if c.Certificates[0].Leaf == nil {
		return true
	}
	return time.Now().After(c.Certificates[0].Leaf.NotAfter)
}

// EngineVersion returns the engine type and version for the given instance
// connection name, e.g. "MYSQL_8_0" or "POSTGRES_14".
func (d *Dialer) EngineVersion(ctx context.Context, icn string) (string, error) {
	cn, err := instance.ParseConnName(icn)
	if err != nil {
		return "", err
	}
	i := d.instance(cn, nil)
	return i.InstanceEngineVersion(ctx)
}

// ForceRefresh triggers an out-of-band connection info refresh for the given
// instance connection name. It's meant to be used by a driver-level retry
// after a handshake failure, on the assumption that the current client
// certificate has been invalidated server-side. ForceRefresh reports whether
// the refresh was accepted; repeated calls for the same instance within a
// short window are denied to avoid overwhelming the SQL Admin API.
func (d *Dialer) ForceRefresh(icn string) bool {
	cn, err := instance.ParseConnName(icn)
	if err != nil {
		return false
	}
	i := d.instance(cn, nil)
	return i.ForceRefresh()
}

// Warmup starts the background refresh necessary to connect to the instance
// without dialing it. Use Warmup when the target instance isn't known until
// later but it would help to start the refresh cycle early.
func (d *Dialer) Warmup(_ context.Context, icn string, opts ...DialOption) error {
	cn, err := instance.ParseConnName(icn)
	if err != nil {
		return err
	}
	cfg := d.defaultDialConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	_ = d.instance(cn, &cfg.useIAMAuthN)
	return nil
}

// newInstrumentedConn wraps conn so that closeFunc is invoked once the
// connection is closed.
func newInstrumentedConn(conn net.Conn, closeFunc func()) *instrumentedConn {
	return &instrumentedConn{Conn: conn, closeFunc: closeFunc}
}

// instrumentedConn wraps a net.Conn and invokes closeFunc when the
// connection is closed.
type instrumentedConn struct {
	net.Conn
	closeFunc func()
}

// Close delegates to the underlying net.Conn and reports the close to
// closeFunc only when Close returns no error.
func (i *instrumentedConn) Close() error {
	if err := i.Conn.Close(); err != nil {
		return err
	}
	go i.closeFunc()
	return nil
}

// Close closes the Dialer; it stops all background refresh cycles. Dial
// calls that are already in flight may still succeed until their connection
// info expires.
func (d *Dialer) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	for _, i := range d.instances {
		i.Close()
	}
	return nil
}

// instance returns the cached connectionInfoCache for cn, creating one if
// necessary, in a threadsafe way.
func (d *Dialer) instance(cn instance.ConnName, useIAMAuthN *bool) connectionInfoCache {
	d.lock.RLock()
	i, ok := d.instances[cn]
	d.lock.RUnlock()
	if !ok {
		d.lock.Lock()
		defer d.lock.Unlock()
		i, ok = d.instances[cn]
		if !ok {
			var useIAMAuthNDial bool
			if useIAMAuthN != nil {
				useIAMAuthNDial = *useIAMAuthN
			}
			i = cloudsql.NewInstance(cn, d.sqladmin, d.key, d.refreshTimeout, d.iamTokenSource, d.dialerID, useIAMAuthNDial)
			d.instances[cn] = i
		}
	}
	i.UpdateRefresh(useIAMAuthN)
	return i
}
