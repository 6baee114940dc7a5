// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipequeue

import (
	"fmt"
	"net/url"
	"strings"
)

// Connection holds the normalized connection parameters of one backend.
// A Connection is immutable after construction and may be shared freely
// across goroutines. Changing credentials requires constructing a new
// Connection.
type Connection struct {
	Type      BackendType
	URI       string
	Host      string
	Port      int
	Username  string
	Password  string
	Database  string
	SSL       bool
	CAFile    string
	CertFile  string
	KeyFile   string
	VerifySSL bool
}

// NewConnection normalizes the given connection parameters: unset
// fields are filled from the backend type's defaults, and the canonical
// URI is derived exactly once unless it was supplied explicitly.
// Construction is idempotent given identical fields.
func NewConnection(c Connection) (*Connection, error) {
	if !c.Type.Valid() {
		return nil, newConfigError("unknown backend type %q, valid types are %s", c.Type, strings.Join(ValidBackendTypes(), ", "))
	}
	if c.Host == "" {
		c.Host = c.Type.DefaultHost()
	}
	if c.Port == 0 {
		c.Port = c.Type.DefaultPort()
	}
	if c.Username == "" {
		c.Username = c.Type.DefaultUsername()
	}
	if c.Password == "" {
		c.Password = c.Type.DefaultPassword()
	}
	if c.Database == "" {
		c.Database = c.Type.DefaultDatabase()
	}
	if c.URI == "" {
		c.URI = c.deriveURI()
	}
	return &c, nil
}

// deriveURI composes the canonical connection URI from the discrete
// fields. Identical fields always yield an identical string.
func (c *Connection) deriveURI() string {
	// Embedded-file and in-memory types ignore host, port, and
	// credentials entirely.
	switch {
	case c.Type.IsMemoryStyle():
		return c.Type.URIPrefix()
	case c.Type.IsEmbeddedFileStyle():
		// An empty database path denotes an ephemeral instance.
		return c.Type.URIPrefix() + c.Database
	}

	var b strings.Builder
	b.WriteString(c.Type.scheme(c.SSL))
	b.WriteString(authComponent(c.Username, c.Password))
	fmt.Fprintf(&b, "%s:%d", c.Host, c.Port)
	if c.Database != "" {
		b.WriteString("/")
		b.WriteString(c.Database)
	}
	if query := c.sslQuery(); query != "" {
		b.WriteString("?")
		b.WriteString(query)
	}
	return b.String()
}

// authComponent builds the userinfo part of a URI. Both username and
// password are percent-encoded.
func authComponent(username, password string) string {
	switch {
	case username != "" && password != "":
		return url.QueryEscape(username) + ":" + url.QueryEscape(password) + "@"
	case username != "":
		return url.QueryEscape(username) + "@"
	case password != "":
		return ":" + url.QueryEscape(password) + "@"
	}
	return ""
}

// sslQuery returns the SSL-related query string for the connection. The
// parameter names are specific to the backend family, and a parameter
// is only emitted when its file path is non-empty.
func (c *Connection) sslQuery() string {
	if !c.SSL {
		return ""
	}
	params := url.Values{}
	switch {
	case c.Type == Postgres:
		// verify_ssl=false still requests encryption, it only
		// relaxes certificate verification.
		if c.VerifySSL {
			params.Set("sslmode", "verify-full")
		} else {
			params.Set("sslmode", "require")
		}
		if c.CAFile != "" {
			params.Set("sslrootcert", c.CAFile)
		}
		if c.CertFile != "" {
			params.Set("sslcert", c.CertFile)
		}
		if c.KeyFile != "" {
			params.Set("sslkey", c.KeyFile)
		}
	case c.Type == MySQL:
		if c.VerifySSL {
			params.Set("ssl-mode", "VERIFY_CA")
		} else {
			params.Set("ssl-mode", "REQUIRED")
		}
		if c.CAFile != "" {
			params.Set("ssl-ca", c.CAFile)
		}
		if c.CertFile != "" {
			params.Set("ssl-cert", c.CertFile)
		}
		if c.KeyFile != "" {
			params.Set("ssl-key", c.KeyFile)
		}
	case c.Type.IsKeyValueStyle():
		if c.VerifySSL {
			params.Set("ssl_cert_reqs", "required")
		} else {
			params.Set("ssl_cert_reqs", "none")
		}
		if c.CAFile != "" {
			params.Set("ssl_ca_certs", c.CAFile)
		}
		if c.CertFile != "" {
			params.Set("ssl_certfile", c.CertFile)
		}
		if c.KeyFile != "" {
			params.Set("ssl_keyfile", c.KeyFile)
		}
	default:
		// Pub/sub-style types signal encryption via the scheme alone.
	}
	return params.Encode()
}
