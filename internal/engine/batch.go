package engine

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"

	"baas-gateway/internal/logger"
	"baas-gateway/internal/store"
)

// recordOp processes the record at index i through q.
type recordOp func(ctx context.Context, q store.Querier, i int) (map[string]any, error)

// runBatch applies op to n records.
//
// With rollback and more than one record, all records share one transaction
// and the first failure rolls everything back and is returned as is.
// Otherwise each record commits in its own transaction. A single record's
// failure is returned as is; in a larger batch failures are collected (all of
// them with continue, else only the first) and reported as one BatchError.
func runBatch(ctx context.Context, s *store.Store, n int, opts Options, op recordOp) ([]map[string]any, error) {
	if n == 0 {
		return nil, ValidationError([]ErrorDetail{{Message: "No record(s) detected in request"}})
	}
	log := logger.FromContext(ctx)
	results := make([]map[string]any, n)

	if opts.Rollback && n > 1 {
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			for i := 0; i < n; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				r, err := op(ctx, tx, i)
				if err != nil {
					log.WithFields(logrus.Fields{"index": i, "error": err}).Debug("batch rolled back")
					return err
				}
				results[i] = r
			}
			return nil
		})
		if err != nil {
			return nil, classifyError(err, s.Dialect)
		}
		return results, nil
	}

	batch := BatchErrorContext{IDs: make([]any, n)}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r map[string]any
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			var opErr error
			r, opErr = op(ctx, tx, i)
			return opErr
		})
		if err != nil {
			err = classifyError(err, s.Dialect)
			if n == 1 {
				return nil, err
			}
			log.WithFields(logrus.Fields{"index": i, "error": err}).Debug("batch record failed")
			batch.Errors = append(batch.Errors, i)
			batch.IDs[i] = err.Error()
			if !opts.Continue {
				break
			}
			continue
		}
		results[i] = r
		batch.IDs[i] = r
	}

	if len(batch.Errors) > 0 {
		return nil, BatchError(batch)
	}
	return results, nil
}
