// Copyright 2022 Google LLC

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pgxv5 provides a Cloud SQL Postgres driver that uses pgx v5 and
// works with the database/sql package.
package pgxv5

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net"
	"regexp"
	"sync"

	"github.com/GoogleCloudPlatform/cloud-db-connector"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// unixSocketPathRegex pulls a "unixSocketPath" keyword/value pair out of a
// keyword/value DSN before it's handed to pgx, since pgx would otherwise try
// to forward the unrecognized keyword to the server as a startup parameter.
var unixSocketPathRegex = regexp.MustCompile(`\s*unixSocketPath=(\S+)`)

// RegisterDriver registers a Postgres driver that uses the cloudsqlconn.Dialer
// configured with the provided options. The choice of name is entirely up to
// the caller and may be used to distinguish between multiple registrations of
// differently configured Dialers. RegisterDriver returns a cleanup function
// that should be called once the database connection is no longer needed.
func RegisterDriver(name string, opts ...cloudsqlconn.Option) (func() error, error) {
	d, err := cloudsqlconn.NewDialer(context.Background(), opts...)
	if err != nil {
		return func() error { return nil }, err
	}
	sql.Register(name, &pgDriver{
		dialer:  d,
		cfgURIs: make(map[string]string),
	})
	return func() error { return d.Close() }, nil
}

// pgDriver is a database/sql/driver.Driver that resolves a registered DSN to
// a connection, dialing through the Cloud SQL connector the first time a
// given DSN is seen and reusing the registered pgx config thereafter.
type pgDriver struct {
	dialer *cloudsqlconn.Dialer

	mu sync.RWMutex
	// cfgURIs caches the pgx-internal config URI already registered for a
	// given DSN, so repeated Open calls with the same DSN skip re-parsing.
	cfgURIs map[string]string
}

// dialTarget describes where a connection attempt for one DSN should go:
// either directly over a named Unix socket, or through the Cloud SQL
// connector for the given instance connection name.
type dialTarget struct {
	instanceConnName string
	unixSocketPath   string
}

// dial returns a net.Conn for the target, bypassing the connector entirely
// when a Unix socket path is present.
func (t dialTarget) dial(ctx context.Context, d *cloudsqlconn.Dialer) (net.Conn, error) {
	if t.unixSocketPath != "" {
		return net.Dial("unix", t.unixSocketPath)
	}
	return d.Dial(ctx, t.instanceConnName)
}

// parseConfig strips the connector-specific "unixSocketPath" keyword out of
// a keyword/value DSN (pgx would otherwise try to forward it to the server
// as an unrecognized startup parameter) and parses what remains, returning
// the resulting pgx config alongside the dialTarget it implies.
func parseConfig(dsn string) (*pgx.ConnConfig, dialTarget, error) {
	var target dialTarget
	if m := unixSocketPathRegex.FindStringSubmatch(dsn); m != nil {
		target.unixSocketPath = m[1]
		dsn = unixSocketPathRegex.ReplaceAllString(dsn, "")
	}

	config, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, dialTarget{}, err
	}
	target.instanceConnName = config.Config.Host
	if target.instanceConnName == "" && target.unixSocketPath == "" {
		return nil, dialTarget{}, fmt.Errorf(
			"pgxv5: no Cloud SQL instance connection name found in host field, and no unixSocketPath given",
		)
	}
	config.Config.Host = "localhost" // placeholder; DialFunc ignores it
	return config, target, nil
}

// Open accepts a keyword/value formatted connection string and returns a
// connection to the database using cloudsqlconn.Dialer. The Cloud SQL
// instance connection name should be specified in the host field. For
// example:
//
// "host=my-project:us-central1:my-db-instance user=myuser password=mypass"
//
// To bypass the Dialer and connect over a Unix socket instead, add a
// "unixSocketPath" keyword naming the socket's path.
func (p *pgDriver) Open(dsn string) (driver.Conn, error) {
	p.mu.RLock()
	cfgURI, cached := p.cfgURIs[dsn]
	p.mu.RUnlock()
	if cached {
		return stdlib.GetDefaultDriver().Open(cfgURI)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cfgURI, cached := p.cfgURIs[dsn]; cached {
		return stdlib.GetDefaultDriver().Open(cfgURI)
	}

	config, target, err := parseConfig(dsn)
	if err != nil {
		return nil, err
	}
	config.DialFunc = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return target.dial(ctx, p.dialer)
	}

	cfgURI = stdlib.RegisterConnConfig(config)
	p.cfgURIs[dsn] = cfgURI

	return stdlib.GetDefaultDriver().Open(cfgURI)
}
