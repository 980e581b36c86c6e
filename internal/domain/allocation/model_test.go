package allocation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailure_MarshalJSON(t *testing.T) {
	id := uuid.MustParse("7c1d8f0e-2b7a-4a51-9d3e-0f6a4c2b1e11")
	data, err := json.Marshal(Failure{RequestID: id, Err: &InsufficientResourcesError{RequestID: id, Type: Nurse}})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"request_id": "7c1d8f0e-2b7a-4a51-9d3e-0f6a4c2b1e11",
		"reason": "not enough Nurse available for request 7c1d8f0e-2b7a-4a51-9d3e-0f6a4c2b1e11",
		"resource_type": "Nurse"
	}`, string(data))

	data, err = json.Marshal(Failure{RequestID: id, Err: errors.New("boom")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"request_id": "7c1d8f0e-2b7a-4a51-9d3e-0f6a4c2b1e11", "reason": "boom"}`, string(data))
}

func TestDischargeResult_MarshalJSON(t *testing.T) {
	aid := uuid.MustParse("0b7e3a52-9f61-4c1e-8a0d-5d2f6b7c8e90")
	res := &DischargeResult{
		ReleasedAssignments: []uuid.UUID{aid},
		FreedResources:      []string{"bed1"},
		Warnings:            []error{&CorruptStateError{AssignmentID: aid, ResourceID: "room1", Err: ErrInvalidState}},
	}
	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"released_assignments": ["0b7e3a52-9f61-4c1e-8a0d-5d2f6b7c8e90"],
		"freed_resources": ["bed1"],
		"warnings": ["corrupt state releasing room1 for assignment 0b7e3a52-9f61-4c1e-8a0d-5d2f6b7c8e90: invalid resource state"]
	}`, string(data))

	data, err = json.Marshal(&DischargeResult{ReleasedAssignments: []uuid.UUID{}, FreedResources: []string{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"released_assignments": [], "freed_resources": [], "warnings": []}`, string(data))
}

func TestCorruptStateError_Unwrap(t *testing.T) {
	err := &CorruptStateError{AssignmentID: uuid.New(), Err: ErrInvalidTransition}
	assert.ErrorIs(t, err, ErrCorruptState)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NotContains(t, err.Error(), "releasing")

	bare := &CorruptStateError{AssignmentID: uuid.New()}
	assert.ErrorIs(t, bare, ErrCorruptState)
}
