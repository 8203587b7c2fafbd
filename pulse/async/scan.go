package async

import (
	"database/sql"
)

// jobScanArgs holds the nullable columns scanned alongside a Job
type jobScanArgs struct {
	Payload     sql.NullString
	ErrorMsg    sql.NullString
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// jobSelectColumns is the column list matching scanJob's target order
const jobSelectColumns = `id, handler_name, source, status,
		progress_current, progress_total,
		error, payload, retry_count,
		created_at, started_at, completed_at, updated_at`

// scanJob scans one job in jobSelectColumns order
func scanJob(row rowScanner, job *Job) error {
	var args jobScanArgs
	err := row.Scan(
		&job.ID,
		&job.HandlerName,
		&job.Source,
		&job.Status,
		&job.Progress.Current,
		&job.Progress.Total,
		&args.ErrorMsg,
		&args.Payload,
		&job.RetryCount,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if args.Payload.Valid {
		job.Payload = []byte(args.Payload.String)
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		job.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		job.CompletedAt = &t
	}
	return nil
}
