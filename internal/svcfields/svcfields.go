// Package svcfields holds the log field conventions shared by every
// component: the subsystem tag and the participant identity.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/domainctl/internal/mgmt"
)

// Field keys.
const (
	SubsystemKey   = pslog.TrustedString("sys")
	ParticipantKey = pslog.TrustedString("participant")
	TierKey        = pslog.TrustedString("tier")
)

// Participant tiers.
const (
	TierHost   = "host"
	TierServer = "server"
)

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// Tier reports whether id is a host controller or a managed server.
func Tier(id mgmt.ParticipantID) string {
	if id.IsServer() {
		return TierServer
	}
	return TierHost
}

// WithParticipant tags every log entry with id and its tier.
func WithParticipant(logger pslog.Logger, id mgmt.ParticipantID) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With(ParticipantKey, id.String(), TierKey, Tier(id))
}
