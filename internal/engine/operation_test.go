package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOperation(t *testing.T) {
	tests := []struct {
		method string
		shape  Shape
		want   Operation
	}{
		{"POST", ShapeRecords, OperationCreateRecords},
		{"POST", ShapeNone, OperationCreateRecords},
		{"GET", ShapeNone, OperationRetrieveByFilter},
		{"GET", ShapeID, OperationRetrieveByID},
		{"get", ShapeIDs, OperationRetrieveByIds},
		{"GET", ShapeFilter, OperationRetrieveByFilter},
		{"GET", ShapeRecords, OperationRetrieveRecords},
		{"PUT", ShapeID, OperationUpdateByID},
		{"PUT", ShapeRecords, OperationUpdateRecords},
		{"PATCH", ShapeIDs, OperationMergeByIds},
		{"MERGE", ShapeFilter, OperationMergeByFilter},
		{"MERGE", ShapeRecords, OperationMergeRecords},
		{"DELETE", ShapeID, OperationDeleteByID},
		{"DELETE", ShapeFilter, OperationDeleteByFilter},
		{"DELETE", ShapeRecords, OperationDeleteRecords},
	}
	for _, tt := range tests {
		t.Run(tt.method+"/"+tt.want.String(), func(t *testing.T) {
			got, err := ResolveOperation(tt.method, tt.shape)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveOperationRejects(t *testing.T) {
	_, err := ResolveOperation("POST", ShapeID)
	requireAppError(t, err, 400, "BAD_REQUEST")

	_, err = ResolveOperation("DELETE", ShapeNone)
	requireAppError(t, err, 400, "VALIDATION_FAILED")

	_, err = ResolveOperation("OPTIONS", ShapeRecords)
	requireAppError(t, err, 405, "METHOD_NOT_ALLOWED")
}

func TestOperationIsSingle(t *testing.T) {
	assert.True(t, OperationRetrieveByID.IsSingle())
	assert.True(t, OperationDeleteByID.IsSingle())
	assert.False(t, OperationRetrieveByIds.IsSingle())
	assert.False(t, OperationCreateRecords.IsSingle())
	assert.Equal(t, "unknown", OperationUnknown.String())
}
