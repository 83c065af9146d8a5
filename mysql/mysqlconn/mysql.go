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

// Package mysqlconn provides a Cloud SQL MySQL driver that works with the
// database/sql package.
package mysqlconn

import (
	"context"
	"net"
	"strings"

	"github.com/GoogleCloudPlatform/cloud-db-connector"
	mysqldriver "github.com/go-sql-driver/mysql"
)

// unixSocketPrefix marks a mysql.Config.Addr value as a Unix socket path to
// dial directly, bypassing the Dialer entirely.
const unixSocketPrefix = "unix:"

// RegisterDriver registers network name as a MySQL dial network that uses
// the cloudsqlconn.Dialer configured with the provided options. Connections
// opened with a mysql.Config whose Net field is set to name, and whose Addr
// field holds the instance connection name, are dialed through Cloud SQL.
//
// To bypass the Dialer and connect over a Unix socket instead, set Addr to
// "unix:" followed by the socket's path.
//
// RegisterDriver returns a cleanup function that should be called once the
// database connection is no longer needed.
func RegisterDriver(name string, opts ...cloudsqlconn.Option) (func() error, error) {
	d, err := cloudsqlconn.NewDialer(context.Background(), opts...)
	if err != nil {
		return func() error { return nil }, err
	}
	mysqldriver.RegisterDialContext(name, func(ctx context.Context, addr string) (net.Conn, error) {
		if path, ok := strings.CutPrefix(addr, unixSocketPrefix); ok {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
		return d.Dial(ctx, addr)
	})
	return func() error { return d.Close() }, nil
}
