// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package discovery turns service address specs into addresses.
//
// A spec is a comma separated list. An entry with a port is used as is; an
// entry without one is a name that's looked up in DNS, and every address it
// resolves to gets the default port.
package discovery

import (
	"context"
	"net"
	"sort"
	"strings"
)

// Client looks up the hosts behind a name.
type Client interface {
	LookupHost(ctx context.Context, name string) ([]string, error)
}

// DefaultClient uses the system resolver.
var DefaultClient Client = net.DefaultResolver

// Resolve resolves 'spec' with DefaultClient.
func Resolve(ctx context.Context, spec, defaultPort string) ([]string, error) {
	return ResolveWith(ctx, DefaultClient, spec, defaultPort)
}

// ResolveWith resolves 'spec' with 'c'. The result is sorted and has no
// duplicates. A name that doesn't resolve fails the whole spec.
func ResolveWith(ctx context.Context, c Client, spec, defaultPort string) ([]string, error) {
	seen := make(map[string]bool)
	var addrs []string
	add := func(a string) {
		if !seen[a] {
			seen[a] = true
			addrs = append(addrs, a)
		}
	}
	for _, e := range strings.Split(spec, ",") {
		if e = strings.TrimSpace(e); e == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(e); err == nil {
			add(e)
			continue
		}
		hosts, err := c.LookupHost(ctx, e)
		if err != nil {
			return nil, err
		}
		for _, h := range hosts {
			add(net.JoinHostPort(h, defaultPort))
		}
	}
	sort.Strings(addrs)
	return addrs, nil
}
