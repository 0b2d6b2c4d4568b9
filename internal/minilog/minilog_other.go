// Copyright (2016) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

//go:build !linux

package minilog

import "errors"

// AddSyslog is only available on linux.
func AddSyslog(network, raddr, tag string, level Level) error {
	return errors.New("syslog logging is only supported on linux")
}
