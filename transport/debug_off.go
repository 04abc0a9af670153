//go:build !quicdebug

package transport

func debug(format string, v ...interface{}) {}
