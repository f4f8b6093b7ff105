package engine

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// MethodMerge is the non-standard verb for merge requests.
const MethodMerge = "MERGE"

// Shape is how a request addresses its records.
type Shape int

const (
	ShapeNone    Shape = iota
	ShapeID            // id in the path
	ShapeIDs           // "ids" extra
	ShapeFilter        // "filter" extra
	ShapeRecords       // records in the body
)

// Operation is a facade call resolved from verb and shape.
type Operation int

const (
	OperationUnknown Operation = iota
	OperationCreateRecords
	OperationRetrieveByID
	OperationRetrieveByIds
	OperationRetrieveByFilter
	OperationRetrieveRecords
	OperationUpdateByID
	OperationUpdateByIds
	OperationUpdateByFilter
	OperationUpdateRecords
	OperationMergeByID
	OperationMergeByIds
	OperationMergeByFilter
	OperationMergeRecords
	OperationDeleteByID
	OperationDeleteByIds
	OperationDeleteByFilter
	OperationDeleteRecords
)

var operationNames = map[Operation]string{
	OperationCreateRecords:    "create_records",
	OperationRetrieveByID:     "retrieve_by_id",
	OperationRetrieveByIds:    "retrieve_by_ids",
	OperationRetrieveByFilter: "retrieve_by_filter",
	OperationRetrieveRecords:  "retrieve_records",
	OperationUpdateByID:       "update_by_id",
	OperationUpdateByIds:      "update_by_ids",
	OperationUpdateByFilter:   "update_by_filter",
	OperationUpdateRecords:    "update_records",
	OperationMergeByID:        "merge_by_id",
	OperationMergeByIds:       "merge_by_ids",
	OperationMergeByFilter:    "merge_by_filter",
	OperationMergeRecords:     "merge_records",
	OperationDeleteByID:       "delete_by_id",
	OperationDeleteByIds:      "delete_by_ids",
	OperationDeleteByFilter:   "delete_by_filter",
	OperationDeleteRecords:    "delete_records",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return "unknown"
}

// IsSingle reports whether the operation addresses one record through the path.
func (o Operation) IsSingle() bool {
	switch o {
	case OperationRetrieveByID, OperationUpdateByID, OperationMergeByID, OperationDeleteByID:
		return true
	}
	return false
}

// byShape lists, per verb, the operation for ShapeID, ShapeIDs, ShapeFilter and ShapeRecords.
var byShape = map[string][4]Operation{
	fiber.MethodGet:    {OperationRetrieveByID, OperationRetrieveByIds, OperationRetrieveByFilter, OperationRetrieveRecords},
	fiber.MethodPut:    {OperationUpdateByID, OperationUpdateByIds, OperationUpdateByFilter, OperationUpdateRecords},
	fiber.MethodPatch:  {OperationMergeByID, OperationMergeByIds, OperationMergeByFilter, OperationMergeRecords},
	MethodMerge:        {OperationMergeByID, OperationMergeByIds, OperationMergeByFilter, OperationMergeRecords},
	fiber.MethodDelete: {OperationDeleteByID, OperationDeleteByIds, OperationDeleteByFilter, OperationDeleteRecords},
}

// ResolveOperation maps an HTTP verb and request shape to an Operation.
func ResolveOperation(method string, shape Shape) (Operation, error) {
	method = strings.ToUpper(method)

	if method == fiber.MethodPost {
		if shape == ShapeID {
			return OperationUnknown, BadRequestError("POST can not address an existing record")
		}
		return OperationCreateRecords, nil
	}

	ops, ok := byShape[method]
	if !ok {
		return OperationUnknown, NewAppError("METHOD_NOT_ALLOWED", fiber.StatusMethodNotAllowed, fmt.Sprintf("Method %s is not supported", method))
	}
	switch shape {
	case ShapeID:
		return ops[0], nil
	case ShapeIDs:
		return ops[1], nil
	case ShapeFilter:
		return ops[2], nil
	case ShapeRecords:
		return ops[3], nil
	}

	// a bare GET lists the table; writes need something to address
	if method == fiber.MethodGet {
		return OperationRetrieveByFilter, nil
	}
	return OperationUnknown, ValidationError([]ErrorDetail{{Message: "No record(s) detected in request"}})
}
