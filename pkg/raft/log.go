package raft

// Logger is the logging interface used by the server. It is satisfied by
// *log.Logger from github.com/galdor/go-log; debug level 1 is used for state
// transitions and level 2 for message tracing.
type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}
