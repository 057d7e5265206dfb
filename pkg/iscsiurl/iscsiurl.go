// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package iscsiurl parses the iscsi:// portal URL syntax consumed by
// the command-line tools: iscsi://[user[%pass]@]host[:port]/iqn/lun.
package iscsiurl

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
)

// DefaultPort is the well-known iSCSI portal TCP port.
const DefaultPort = 3260

var (
	ErrMalformed   = errors.New("iscsiurl: malformed iscsi:// URL")
	ErrMissingHost = errors.New("iscsiurl: missing host")
)

// URL is a parsed iscsi:// portal reference.
type URL struct {
	User       string
	Password   string
	Host       string
	Port       int
	TargetName string
	LUN        uint64
}

// Address returns the "host:port" pair suitable for net.Dial.
func (u *URL) Address() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// Parse decodes an iscsi:// URL. Unlike net/url, the target IQN may
// itself contain colons and dots, so parsing is done positionally
// rather than through url.Parse.
func Parse(raw string) (*URL, error) {
	const scheme = "iscsi://"
	if !strings.HasPrefix(raw, scheme) {
		return nil, ErrMalformed
	}
	rest := raw[len(scheme):]

	var userinfo string
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		userinfo = rest[:at]
		rest = rest[at+1:]
	}

	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return nil, ErrMalformed
	}
	hostport := rest[:slash]
	path := rest[slash+1:]
	if hostport == "" {
		return nil, ErrMissingHost
	}

	u := &URL{Port: DefaultPort}
	if userinfo != "" {
		if pct := strings.IndexByte(userinfo, '%'); pct >= 0 {
			u.User = userinfo[:pct]
			u.Password = userinfo[pct+1:]
		} else {
			u.User = userinfo
		}
	}

	if colon := strings.LastIndexByte(hostport, ':'); colon >= 0 {
		u.Host = hostport[:colon]
		port, err := strconv.Atoi(hostport[colon+1:])
		if err != nil {
			return nil, fmt.Errorf("%w: bad port %q", ErrMalformed, hostport[colon+1:])
		}
		u.Port = port
	} else {
		u.Host = hostport
	}

	lastSlash := strings.LastIndexByte(path, '/')
	if lastSlash < 0 {
		u.TargetName = path
		return u, nil
	}
	u.TargetName = path[:lastSlash]
	lunStr := path[lastSlash+1:]
	if lunStr != "" {
		lun, err := strconv.ParseUint(lunStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad lun %q", ErrMalformed, lunStr)
		}
		u.LUN = lun
	}
	return u, nil
}

// Mapper returns a kong.MapperFunc binding a string flag to a parsed
// URL, for CLI flags declared with the "iscsiurl" tag.
func Mapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var raw string
		if err := ctx.Scan.PopValueInto("iscsiurl", &raw); err != nil {
			return err
		}
		u, err := Parse(raw)
		if err != nil {
			return err
		}
		if target.Type() == reflect.TypeOf(URL{}) {
			target.Set(reflect.ValueOf(*u))
			return nil
		}
		return fmt.Errorf(`"iscsiurl" type must be applied to an iscsiurl.URL, not %s`, target.Type())
	}
}
