package gqlx

import (
	"regexp"
)

// TransportFault names a recoverable failure of the socket itself.
type TransportFault string

const (
	FaultNilClient    TransportFault = "nil_client"
	FaultUpgrade      TransportFault = "upgrade_failed"
	FaultClosedConn   TransportFault = "closed_connection"
	FaultCloseSent    TransportFault = "close_sent"
	FaultNotConnected TransportFault = "not_connected"
)

type faultPattern struct {
	fault   TransportFault
	pattern *regexp.Regexp
}

// faultPatterns is matched in order against the error text.
//
//	nil_client         a send attempted through a client that no longer exists
//	upgrade_failed     the HTTP upgrade to a websocket was refused
//	closed_connection  a write raced a socket teardown
//	close_sent         a write after our own close frame
//	not_connected      a write with no socket at all
var faultPatterns = []faultPattern{
	{FaultNilClient, regexp.MustCompile(`(?i)(nil|null) (client|conn)|reading 'send'|evaluating '[^']*\.send'`)},
	{FaultUpgrade, regexp.MustCompile(`(?i)bad handshake|failed to upgrade|upgrade (failed|required)`)},
	{FaultClosedConn, regexp.MustCompile(`use of closed network connection`)},
	{FaultCloseSent, regexp.MustCompile(`websocket: close sent`)},
	{FaultNotConnected, regexp.MustCompile(`websocket client is not connected`)},
}

// MatchTransportFault reports whether err is a transport fault a socket restart fixes.
func MatchTransportFault(err error) (TransportFault, bool) {
	if err == nil {
		return "", false
	}
	msg := err.Error()
	for _, p := range faultPatterns {
		if p.pattern.MatchString(msg) {
			return p.fault, true
		}
	}
	return "", false
}
