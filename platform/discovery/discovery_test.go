// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package discovery

import (
	"context"
	"fmt"
	"reflect"
	"testing"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupHost(ctx context.Context, name string) ([]string, error) {
	if hosts, ok := f[name]; ok {
		return hosts, nil
	}
	return nil, fmt.Errorf("lookup %s: no such host", name)
}

func TestResolve(t *testing.T) {
	r := fakeResolver{
		"ctl":  {"10.0.0.2", "10.0.0.1"},
		"ctl6": {"fe80::1"},
	}
	for _, c := range []struct {
		spec string
		want []string
	}{
		{"", nil},
		{"a:1, b:2", []string{"a:1", "b:2"}},
		{"ctl", []string{"10.0.0.1:58000", "10.0.0.2:58000"}},
		{"ctl,10.0.0.1:58000", []string{"10.0.0.1:58000", "10.0.0.2:58000"}},
		{"ctl6", []string{"[fe80::1]:58000"}},
	} {
		got, err := ResolveWith(context.Background(), r, c.spec, "58000")
		if err != nil {
			t.Errorf("%q: %s", c.spec, err)
		} else if !reflect.DeepEqual(got, c.want) {
			t.Errorf("%q: expected %v, got %v", c.spec, c.want, got)
		}
	}

	if _, err := ResolveWith(context.Background(), r, "ctl,nope", "58000"); err == nil {
		t.Errorf("unresolvable name should fail")
	}
}
