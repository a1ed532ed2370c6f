package statemachine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentflow/internal/permission/models"
	"consentflow/pkg/platform/sentinel"
)

func TestTransitionLegalEdges(t *testing.T) {
	tests := []struct {
		from   models.Status
		action Action
		want   models.Status
	}{
		{models.StatusCreated, ActionValidate, models.StatusValidated},
		{models.StatusCreated, ActionMalform, models.StatusMalformed},
		{models.StatusValidated, ActionSend, models.StatusSentToAdministrator},
		{models.StatusValidated, ActionUnableToSend, models.StatusUnableToSend},
		{models.StatusUnableToSend, ActionSend, models.StatusSentToAdministrator},
		{models.StatusSentToAdministrator, ActionAccept, models.StatusAccepted},
		{models.StatusSentToAdministrator, ActionReject, models.StatusRejected},
		{models.StatusSentToAdministrator, ActionInvalidate, models.StatusInvalid},
		{models.StatusSentToAdministrator, ActionTimeout, models.StatusTimedOut},
		{models.StatusSentToAdministrator, ActionUnfulfillable, models.StatusUnfulfillable},
		{models.StatusAccepted, ActionTerminate, models.StatusTerminated},
		{models.StatusAccepted, ActionRevoke, models.StatusRevoked},
		{models.StatusAccepted, ActionTimeLimit, models.StatusTimeLimit},
		{models.StatusAccepted, ActionFulfill, models.StatusFulfilled},
		{models.StatusAccepted, ActionUnfulfillable, models.StatusUnfulfillable},
		{models.StatusAccepted, ActionRequireExternalTermination, models.StatusRequireExternalTermination},
		{models.StatusAccepted, ActionExternallyTerminated, models.StatusExternallyTerminated},
		{models.StatusAccepted, ActionFailedToTerminate, models.StatusFailedToExternallyTerminate},
		{models.StatusRequireExternalTermination, ActionExternallyTerminated, models.StatusExternallyTerminated},
		{models.StatusRequireExternalTermination, ActionFailedToTerminate, models.StatusFailedToExternallyTerminate},
		{models.StatusFailedToExternallyTerminate, ActionRequireExternalTermination, models.StatusRequireExternalTermination},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.action), func(t *testing.T) {
			got, err := Default.Transition(tt.from, tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransitionFromTerminalIsPastState(t *testing.T) {
	for _, st := range models.AllStatuses() {
		if !st.IsTerminal() {
			continue
		}
		for action := range edges {
			_, err := Default.Transition(st, action)
			require.Error(t, err)
			assert.True(t, IsPastState(err), "%s/%s", st, action)
			assert.ErrorIs(t, err, sentinel.ErrInvalidState)
		}
	}
}

func TestTransitionClassifiesRejections(t *testing.T) {
	tests := []struct {
		name   string
		from   models.Status
		action Action
		want   ErrorKind
	}{
		{"accept before sending", models.StatusValidated, ActionAccept, FutureState},
		{"fulfill before acceptance", models.StatusCreated, ActionFulfill, FutureState},
		{"timeout while unable to send", models.StatusUnableToSend, ActionTimeout, FutureState},
		{"validate twice", models.StatusValidated, ActionValidate, PastState},
		{"send after acceptance", models.StatusAccepted, ActionSend, PastState},
		{"terminate while awaiting external termination", models.StatusRequireExternalTermination, ActionTerminate, PastState},
		{"unknown action", models.StatusAccepted, Action("teleport"), NotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Default.Transition(tt.from, tt.action)
			var te *TransitionError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tt.want, te.Kind)
			assert.Equal(t, tt.from, te.From)
		})
	}
}

func TestCapabilities(t *testing.T) {
	caps := DefaultCapabilities().Without(ActionReject, ActionTimeLimit)
	m := New(caps)

	_, err := m.Transition(models.StatusSentToAdministrator, ActionReject)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, NotAllowed, te.Kind)

	got, err := m.Transition(models.StatusSentToAdministrator, ActionAccept)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got)

	assert.True(t, DefaultCapabilities().Allows(ActionReject), "Without must not mutate the receiver")
	assert.False(t, caps.Without(ActionFulfill).Allows(ActionTimeLimit))
}

func TestActionFor(t *testing.T) {
	for action, e := range edges {
		got, ok := ActionFor(e.to)
		require.True(t, ok)
		assert.Equal(t, action, got)
	}
	_, ok := ActionFor(models.StatusCreated)
	assert.False(t, ok)

	a, err := ParseAction("reject")
	require.NoError(t, err)
	assert.Equal(t, ActionReject, a)
	_, err = ParseAction("nope")
	assert.Error(t, err)
}
