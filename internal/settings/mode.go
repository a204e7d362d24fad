package settings

import (
	"context"
	"fmt"

	"github.com/tradectl/control-plane/internal/events"
	"github.com/tradectl/control-plane/pkg/types"
)

// ModeBlockedError is the "mode_blocked" error kind of §7: a
// first-class outcome carrying a stable reason code, not a generic
// failure.
type ModeBlockedError struct {
	Code   string
	Detail string
}

func (e *ModeBlockedError) Error() string {
	return fmt.Sprintf("mode_blocked: %s: %s", e.Code, e.Detail)
}

// ModeTransitionGuard carries the externally-computed facts a
// guide<->autonomous transition depends on. Settings has no visibility
// into broker connectivity or coordinator health itself; the caller
// (the API's set-mode handler, from the coordinator's halt flag and the
// engine's broker connectivity) supplies this snapshot so the
// guard logic stays colocated with the versioned-record mutation it
// gates without an import cycle back into coordinator/broker/risk.
type ModeTransitionGuard struct {
	HealthOK                bool
	BrokerConnected         bool
	EmergencyShutdownActive bool
}

// SetMode transitions Settings.Mode, applying the guide<->autonomous
// guards of spec §4.10 before delegating to Update for the
// version-bump + audit-row mechanics.
func (s *Store) SetMode(ctx context.Context, newMode types.Mode, guard ModeTransitionGuard, userID, reason string) (types.Settings, error) {
	current, err := s.db.GetSettings(ctx)
	if err != nil {
		return types.Settings{}, err
	}

	if current.Mode == newMode {
		return current, nil
	}

	if newMode == types.ModeAutonomous {
		if !guard.HealthOK {
			return types.Settings{}, &ModeBlockedError{"mode_requires_health_ok", "coordinator health check failed"}
		}
		if current.ExecMode != types.ExecModeSimulation && !guard.BrokerConnected {
			return types.Settings{}, &ModeBlockedError{"mode_requires_broker_connected", "broker is not connected"}
		}
		if guard.EmergencyShutdownActive {
			return types.Settings{}, &ModeBlockedError{"mode_requires_no_emergency_shutdown", "an emergency shutdown is active"}
		}
	}
	// autonomous -> guide is always allowed.

	patch := types.SettingsPatch{Mode: &newMode}
	updated, err := s.updateAs(ctx, patch, userID, reason, "mode_change")
	if err != nil {
		return types.Settings{}, err
	}
	s.publishModeChange(userID, string(current.Mode), string(updated.Mode), "", "")
	return updated, nil
}

// SetExecMode transitions Settings.ExecMode, applying the "live" gate
// of spec §4.10: a re-verified password match, an explicit confirmed
// flag, and a non-empty reason. passwordValid is computed by the
// caller against the auth collaborator — settings has no credential
// store of its own.
func (s *Store) SetExecMode(ctx context.Context, req types.ExecModeChangeRequest, passwordValid bool) (types.Settings, error) {
	if req.Mode == types.ExecModeLive {
		if !passwordValid {
			return types.Settings{}, &ModeBlockedError{"bad_password", "password re-verification failed"}
		}
		if !req.Confirmed {
			return types.Settings{}, &ModeBlockedError{"exec_live_unconfirmed", "confirmed flag not set"}
		}
		if req.Reason == "" {
			return types.Settings{}, &ModeBlockedError{"exec_live_unconfirmed", "reason is required for live mode"}
		}
	}

	current, err := s.db.GetSettings(ctx)
	if err != nil {
		return types.Settings{}, err
	}

	mode := req.Mode
	patch := types.SettingsPatch{ExecMode: &mode}
	updated, err := s.updateAs(ctx, patch, req.RequestedBy, req.Reason, "mode_change")
	if err != nil {
		return types.Settings{}, err
	}
	s.publishModeChange(req.RequestedBy, "", "", string(current.ExecMode), string(updated.ExecMode))
	return updated, nil
}

// publishModeChange emits a ModeChangeEvent if a bus is wired. Callers
// pass empty strings for whichever of mode/exec_mode did not change.
func (s *Store) publishModeChange(changedBy, oldMode, newMode, oldExec, newExec string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(&events.ModeChangeEvent{
		BaseEvent: events.NewBaseEvent(events.EventTypeModeChange),
		UserID:    changedBy,
		ChangedBy: changedBy,
		OldMode:   oldMode,
		NewMode:   newMode,
		OldExec:   oldExec,
		NewExec:   newExec,
	})
}
