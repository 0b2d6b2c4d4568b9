// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package minilog

import (
	"fmt"
	golog "log"
	"strings"
)

// ANSI foreground color escapes, used when a logger was added with color=true.
const (
	FgBlack = "\x1b[30m"
	FgRed   = "\x1b[31m"
	FgGreen = "\x1b[32m"
	FgYellow = "\x1b[33m"
	FgBlue  = "\x1b[34m"
	fgReset = "\x1b[0m"
)

type minilogger struct {
	*golog.Logger
	Level   Level
	color   bool
	filters []string
}

func (m *minilogger) filtered(line string) bool {
	for _, f := range m.filters {
		if strings.Contains(line, f) {
			return true
		}
	}
	return false
}

func (m *minilogger) prefix(level Level) string {
	var c string
	switch level {
	case DEBUG:
		c = colorDebug
	case INFO:
		c = colorInfo
	case WARN:
		c = colorWarn
	case ERROR:
		c = colorError
	case FATAL:
		c = colorFatal
	}
	tag := "[" + level.String() + "] "
	if !m.color {
		return tag
	}
	return c + tag + fgReset
}

func (m *minilogger) log(level Level, name, format string, arg ...interface{}) {
	line := fmt.Sprintf(format, arg...)
	if m.filtered(line) {
		return
	}
	if name != "" {
		m.Logger.Printf("%s%s: %s", m.prefix(level), name, line)
		return
	}
	m.Logger.Printf("%s%s", m.prefix(level), line)
}

func (m *minilogger) logln(level Level, name string, arg ...interface{}) {
	line := strings.TrimSuffix(fmt.Sprintln(arg...), "\n")
	if m.filtered(line) {
		return
	}
	if name != "" {
		m.Logger.Printf("%s%s: %s", m.prefix(level), name, line)
		return
	}
	m.Logger.Printf("%s%s", m.prefix(level), line)
}
