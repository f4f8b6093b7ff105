package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"

	"baas-gateway/internal/logger"
	"baas-gateway/internal/metadata"
)

// ServiceInfo describes a configured service.
type ServiceInfo struct {
	Name         string        `json:"name"`
	Label        string        `json:"label,omitempty"`
	Driver       string        `json:"driver"`
	QueryTimeout time.Duration `json:"-"`
}

// ServiceResolver finds services by name.
type ServiceResolver interface {
	Service(ctx context.Context, name string) (Service, error)
	Lookup(name string) (ServiceInfo, bool)
	Services() []ServiceInfo
}

type Handler struct {
	services ServiceResolver
}

func NewHandler(services ServiceResolver) *Handler {
	return &Handler{services: services}
}

// ListServices handles GET /api
func (h *Handler) ListServices(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"service": h.services.Services()})
}

// ListTables handles GET /api/:service
func (h *Handler) ListTables(c *fiber.Ctx) error {
	svc, info, err := h.resolve(c)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(c.UserContext(), info)
	defer cancel()

	tables, err := svc.ListTables(ctx, session(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"table": tables})
}

// DescribeTable handles GET /api/:service/_schema/:table
func (h *Handler) DescribeTable(c *fiber.Ctx) error {
	svc, info, err := h.resolve(c)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(c.UserContext(), info)
	defer cancel()

	tbl, err := svc.DescribeTable(ctx, session(c), utils.CopyString(c.Params("table")))
	if err != nil {
		return err
	}
	return c.JSON(tbl)
}

// request is a parsed CRUD request.
type request struct {
	table   string
	id      string
	ids     []any
	filter  string
	payload *Payload
	opts    Options
}

// record returns the single record applied by id, ids and filter writes.
func (r *request) record() map[string]any {
	if len(r.payload.Records) == 0 {
		return map[string]any{}
	}
	return r.payload.Records[0]
}

// Dispatch handles every verb on /api/:service/:table[/:id].
func (h *Handler) Dispatch(c *fiber.Ctx) error {
	svc, info, err := h.resolve(c)
	if err != nil {
		return err
	}

	method := c.Method()
	if override := c.Get("X-HTTP-Method"); method == fiber.MethodPost && override != "" {
		method = strings.ToUpper(override)
	}

	ctx, cancel := withTimeout(c.UserContext(), info)
	defer cancel()

	req, err := parseRequest(ctx, c, svc)
	if err != nil {
		return err
	}
	shape := req.shape()
	op, err := ResolveOperation(method, shape)
	if err != nil {
		return err
	}

	logger.FromContext(ctx).WithFields(logrus.Fields{
		"service":   svc.Name(),
		"table":     req.table,
		"operation": op.String(),
	}).Debug("dispatch")

	rs, err := execute(ctx, svc, session(c), op, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return NewAppError("TIMEOUT", fiber.StatusGatewayTimeout, "Query timed out")
		}
		return err
	}

	status := fiber.StatusOK
	if op == OperationCreateRecords {
		status = fiber.StatusCreated
	}
	// a body record addressed by ids or filter is a template, not the result shape
	if op.IsSingle() || shape == ShapeRecords && req.payload.Single {
		if len(rs.Records) == 0 {
			return c.Status(status).JSON(fiber.Map{})
		}
		return c.Status(status).JSON(rs.Records[0])
	}
	return c.Status(status).JSON(rs)
}

func (r *request) shape() Shape {
	switch {
	case r.id != "":
		return ShapeID
	case len(r.ids) > 0:
		return ShapeIDs
	case r.filter != "":
		return ShapeFilter
	case len(r.payload.Records) > 0:
		return ShapeRecords
	}
	return ShapeNone
}

func parseRequest(ctx context.Context, c *fiber.Ctx, svc Service) (*request, error) {
	payload, err := ParseBody(c.Body())
	if err != nil {
		return nil, err
	}
	table := utils.CopyString(c.Params("table"))
	if payload.Ambiguous() {
		// A declared column wins over an option of the same name. Lookup
		// failures surface from the operation itself.
		if tbl, err := svc.DescribeTable(ctx, session(c), table); err == nil {
			payload.Reclaim(func(key string) bool { return tbl.GetField(key) != nil })
		}
	}

	extras := make(map[string]any)
	for k, v := range c.Queries() {
		extras[k] = v
	}
	extras = lo.Assign(extras, payload.Extras)

	opts, err := ParseOptions(extras)
	if err != nil {
		return nil, err
	}
	return &request{
		table:   table,
		id:      utils.CopyString(c.Params("id")),
		ids:     ParseIDs(extras["ids"]),
		filter:  strings.TrimSpace(cast.ToString(extras["filter"])),
		payload: payload,
		opts:    opts,
	}, nil
}

func execute(ctx context.Context, svc Service, sess *metadata.Session, op Operation, req *request) (*RecordSet, error) {
	single := func(rec map[string]any, err error) (*RecordSet, error) {
		if err != nil {
			return nil, err
		}
		return &RecordSet{Records: []map[string]any{rec}}, nil
	}

	switch op {
	case OperationCreateRecords:
		return svc.CreateRecords(ctx, sess, req.table, req.payload.Records, req.opts)

	case OperationRetrieveByID:
		return single(svc.RetrieveRecordByID(ctx, sess, req.table, req.id, req.opts))
	case OperationRetrieveByIds:
		return svc.RetrieveRecordsByIds(ctx, sess, req.table, req.ids, req.opts)
	case OperationRetrieveByFilter:
		return svc.RetrieveRecordsByFilter(ctx, sess, req.table, req.filter, req.opts)
	case OperationRetrieveRecords:
		return svc.RetrieveRecords(ctx, sess, req.table, req.payload.Records, req.opts)

	case OperationUpdateByID:
		return single(svc.UpdateRecordByID(ctx, sess, req.table, req.record(), req.id, req.opts))
	case OperationUpdateByIds:
		return svc.UpdateRecordsByIds(ctx, sess, req.table, req.record(), req.ids, req.opts)
	case OperationUpdateByFilter:
		return svc.UpdateRecordsByFilter(ctx, sess, req.table, req.record(), req.filter, req.opts)
	case OperationUpdateRecords:
		return svc.UpdateRecords(ctx, sess, req.table, req.payload.Records, req.opts)

	case OperationMergeByID:
		return single(svc.MergeRecordByID(ctx, sess, req.table, req.record(), req.id, req.opts))
	case OperationMergeByIds:
		return svc.MergeRecordsByIds(ctx, sess, req.table, req.record(), req.ids, req.opts)
	case OperationMergeByFilter:
		return svc.MergeRecordsByFilter(ctx, sess, req.table, req.record(), req.filter, req.opts)
	case OperationMergeRecords:
		return svc.MergeRecords(ctx, sess, req.table, req.payload.Records, req.opts)

	case OperationDeleteByID:
		return single(svc.DeleteRecordByID(ctx, sess, req.table, req.id, req.opts))
	case OperationDeleteByIds:
		return svc.DeleteRecordsByIds(ctx, sess, req.table, req.ids, req.opts)
	case OperationDeleteByFilter:
		return svc.DeleteRecordsByFilter(ctx, sess, req.table, req.filter, req.opts)
	case OperationDeleteRecords:
		return svc.DeleteRecords(ctx, sess, req.table, req.payload.Records, req.opts)
	}
	return nil, BadRequestError("Unsupported operation")
}

func (h *Handler) resolve(c *fiber.Ctx) (Service, ServiceInfo, error) {
	name := utils.CopyString(c.Params("service"))
	info, ok := h.services.Lookup(name)
	if !ok {
		return nil, ServiceInfo{}, UnknownServiceError(name)
	}
	svc, err := h.services.Service(c.UserContext(), name)
	if err != nil {
		return nil, info, err
	}
	return svc, info, nil
}

func session(c *fiber.Ctx) *metadata.Session {
	sess, _ := c.Locals(metadata.SessionLocal).(*metadata.Session)
	return sess
}

func withTimeout(ctx context.Context, info ServiceInfo) (context.Context, context.CancelFunc) {
	if info.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, info.QueryTimeout)
}

// ErrorHandler renders errors as {"error": AppError}. Errors that are not
// AppErrors are logged and returned as a generic 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if isAppError(err, &appErr) {
		return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
	}
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(ErrorResponse{Error: NewAppError("HTTP_ERROR", fiberErr.Code, fiberErr.Message)})
	}
	logger.FromContext(c.UserContext()).WithError(err).Error("unhandled error")
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: InternalError("Internal server error", err)})
}
